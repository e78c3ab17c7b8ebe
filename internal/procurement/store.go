package procurement

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/pkg/errors"
)

// Store persists purchase orders and receivings.
//
// ApplyReceiving is the one write that touches stock: it records rcv, adds
// every line to the ledger, and when po is non-nil writes po back under a
// version check, all or nothing. ErrConflict means po went stale.
type Store interface {
	CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error)
	UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error
	ApplyReceiving(ctx context.Context, rcv *Receiving, po *PurchaseOrder) error
	GetReceiving(ctx context.Context, id string) (*Receiving, error)
	GetReceivingByExternalID(ctx context.Context, externalID string) (*Receiving, error)
	ListReceivings(ctx context.Context, purchaseOrderID string) ([]*Receiving, error)
}

// MemoryStore keeps everything in process and applies receipts to Ledger.
type MemoryStore struct {
	Ledger ledger.Ledger

	mu         sync.Mutex
	pos        map[string]*PurchaseOrder
	receivings map[string]*Receiving
	byExt      map[string]string
}

func NewMemoryStore(l ledger.Ledger) *MemoryStore {
	return &MemoryStore{
		Ledger:     l,
		pos:        map[string]*PurchaseOrder{},
		receivings: map[string]*Receiving{},
		byExt:      map[string]string{},
	}
}

func (s *MemoryStore) CreatePurchaseOrder(_ context.Context, po *PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[po.ID] = po.clone()
	return nil
}

func (s *MemoryStore) GetPurchaseOrder(_ context.Context, id string) (*PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.pos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return po.clone(), nil
}

func (s *MemoryStore) UpdatePurchaseOrder(_ context.Context, po *PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(po)
}

func (s *MemoryStore) putLocked(po *PurchaseOrder) error {
	cur, ok := s.pos[po.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != po.Version {
		return ErrConflict
	}
	po.Version++
	s.pos[po.ID] = po.clone()
	return nil
}

func (s *MemoryStore) ApplyReceiving(ctx context.Context, rcv *Receiving, po *PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rcv.ExternalID != "" {
		if _, ok := s.byExt[rcv.ExternalID]; ok {
			return ErrDuplicateExternalID
		}
	}
	if po != nil {
		cur, ok := s.pos[po.ID]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != po.Version {
			return ErrConflict
		}
	}
	// The ledger has no rollback, so every variant is checked before any
	// stock moves.
	for _, l := range rcv.Lines {
		if l.Qty <= 0 {
			return ErrInvalidInput
		}
		if _, err := s.Ledger.Variant(ctx, l.VariantID); err != nil {
			return errors.Wrapf(err, "receiving line %s", l.VariantID)
		}
	}
	for _, l := range rcv.Lines {
		if err := s.Ledger.Receive(ctx, l.VariantID, l.Qty); err != nil {
			return errors.Wrapf(err, "receive %s", l.VariantID)
		}
	}
	if po != nil {
		if err := s.putLocked(po); err != nil {
			return err
		}
	}
	s.receivings[rcv.ID] = rcv.clone()
	if rcv.ExternalID != "" {
		s.byExt[rcv.ExternalID] = rcv.ID
	}
	return nil
}

func (s *MemoryStore) GetReceiving(_ context.Context, id string) (*Receiving, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receivings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) GetReceivingByExternalID(ctx context.Context, externalID string) (*Receiving, error) {
	s.mu.Lock()
	id, ok := s.byExt[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetReceiving(ctx, id)
}

func (s *MemoryStore) ListReceivings(_ context.Context, purchaseOrderID string) ([]*Receiving, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Receiving
	for _, r := range s.receivings {
		if r.PurchaseOrderID == purchaseOrderID {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
