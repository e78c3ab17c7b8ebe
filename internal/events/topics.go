package events

var topics = map[string]string{
	OrderCreated:          "order.created",
	SlipSubmitted:         "order.slip.submitted",
	OrderConfirmed:        "order.confirmed",
	OrderRejected:         "order.rejected",
	OrderExpired:          "order.expired",
	OrderCancelled:        "order.cancelled",
	FulfillmentAdvanced:   "order.fulfillment.advanced",
	PurchaseOrderReceived: "procurement.po.received",
	ReceivingRecorded:     "procurement.receiving.recorded",
}

// Topic maps an event type to its kafka topic.
func Topic(eventType string) string {
	if t, ok := topics[eventType]; ok {
		return t
	}
	return "misc.events"
}

// PartitionKey keeps all events of one aggregate in order.
func PartitionKey(aggregateID string) []byte { return []byte(aggregateID) }
