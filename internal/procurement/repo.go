package procurement

import (
	"context"
	"sort"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Repo is the Postgres Store. Receipts go through ledger.ReceiveTx in the
// same transaction as the receiving row and the purchase-order update.
type Repo struct{ DB *pgxpool.Pool }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repo) CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin create purchase order")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO purchase_orders(id, supplier_id, status, created_by, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		po.ID, po.SupplierID, string(po.Status), po.CreatedBy, po.CreatedAt, po.UpdatedAt, po.Version); err != nil {
		return errors.Wrap(err, "insert purchase order")
	}
	for i, l := range po.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO purchase_order_lines(po_id, line_no, variant_id, qty_ordered, qty_received, unit_cost)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			po.ID, i+1, l.VariantID, l.QtyOrdered, l.QtyReceived, l.UnitCost); err != nil {
			return errors.Wrap(err, "insert purchase order line")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit create purchase order")
}

func (r *Repo) GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error) {
	var (
		po     PurchaseOrder
		status string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, supplier_id, status, created_by, created_at, updated_at, version
		FROM purchase_orders WHERE id=$1`, id).
		Scan(&po.ID, &po.SupplierID, &status, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt, &po.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "select purchase order")
	}
	if po.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT variant_id, qty_ordered, qty_received, unit_cost
		FROM purchase_order_lines WHERE po_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return nil, errors.Wrap(err, "select purchase order lines")
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.VariantID, &l.QtyOrdered, &l.QtyReceived, &l.UnitCost); err != nil {
			return nil, errors.Wrap(err, "scan purchase order line")
		}
		po.Lines = append(po.Lines, l)
	}
	return &po, errors.Wrap(rows.Err(), "iterate purchase order lines")
}

func (r *Repo) UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin update purchase order")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := updatePO(ctx, tx, po); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit update purchase order")
	}
	po.Version++
	return nil
}

func updatePO(ctx context.Context, tx pgx.Tx, po *PurchaseOrder) error {
	ct, err := tx.Exec(ctx, `
		UPDATE purchase_orders SET status=$3, updated_at=$4, version = version + 1
		WHERE id=$1 AND version=$2`,
		po.ID, po.Version, string(po.Status), po.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update purchase order")
	}
	if ct.RowsAffected() != 1 {
		return ErrConflict
	}
	for i, l := range po.Lines {
		if _, err := tx.Exec(ctx, `
			UPDATE purchase_order_lines SET qty_received=$3 WHERE po_id=$1 AND line_no=$2`,
			po.ID, i+1, l.QtyReceived); err != nil {
			return errors.Wrap(err, "update purchase order line")
		}
	}
	return nil
}

func (r *Repo) ApplyReceiving(ctx context.Context, rcv *Receiving, po *PurchaseOrder) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin receiving")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO receivings(id, external_id, purchase_order_id, received_by, received_at, conflict)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rcv.ID, nullable(rcv.ExternalID), nullable(rcv.PurchaseOrderID), rcv.ReceivedBy, rcv.ReceivedAt, rcv.Conflict)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "receivings_external_id_key" {
		return ErrDuplicateExternalID
	} else if err != nil {
		return errors.Wrap(err, "insert receiving")
	}

	for i, l := range rcv.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO receiving_lines(receiving_id, line_no, variant_id, qty, unit_cost)
			VALUES ($1,$2,$3,$4,$5)`,
			rcv.ID, i+1, l.VariantID, l.Qty, l.UnitCost); err != nil {
			return errors.Wrap(err, "insert receiving line")
		}
	}
	for _, l := range lockOrder(rcv.Lines) {
		if err := ledger.ReceiveTx(ctx, tx, l.VariantID, l.Qty); err != nil {
			return err
		}
	}
	if po != nil {
		if err := updatePO(ctx, tx, po); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit receiving")
	}
	if po != nil {
		po.Version++
	}
	return nil
}

// lockOrder returns the lines sorted by variant, so concurrent receivings
// take variant row locks in one global order.
func lockOrder(lines []ReceivingLine) []ReceivingLine {
	out := append([]ReceivingLine(nil), lines...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

const receivingColumns = `id, COALESCE(external_id, ''), COALESCE(purchase_order_id, ''), received_by, received_at, conflict`

func (r *Repo) GetReceiving(ctx context.Context, id string) (*Receiving, error) {
	return r.getReceivingWhere(ctx, `id=$1`, id)
}

func (r *Repo) GetReceivingByExternalID(ctx context.Context, externalID string) (*Receiving, error) {
	return r.getReceivingWhere(ctx, `external_id=$1`, externalID)
}

func (r *Repo) getReceivingWhere(ctx context.Context, where string, arg any) (*Receiving, error) {
	var rcv Receiving
	err := r.DB.QueryRow(ctx, `SELECT `+receivingColumns+` FROM receivings WHERE `+where, arg).
		Scan(&rcv.ID, &rcv.ExternalID, &rcv.PurchaseOrderID, &rcv.ReceivedBy, &rcv.ReceivedAt, &rcv.Conflict)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "select receiving")
	}
	if err := r.loadReceivingLines(ctx, &rcv); err != nil {
		return nil, err
	}
	return &rcv, nil
}

func (r *Repo) loadReceivingLines(ctx context.Context, rcv *Receiving) error {
	rows, err := r.DB.Query(ctx, `
		SELECT variant_id, qty, unit_cost FROM receiving_lines
		WHERE receiving_id=$1 ORDER BY line_no`, rcv.ID)
	if err != nil {
		return errors.Wrap(err, "select receiving lines")
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReceivingLine, error) {
		var l ReceivingLine
		err := row.Scan(&l.VariantID, &l.Qty, &l.UnitCost)
		return l, err
	})
	if err != nil {
		return errors.Wrap(err, "scan receiving lines")
	}
	rcv.Lines = lines
	return nil
}

func (r *Repo) ListReceivings(ctx context.Context, purchaseOrderID string) ([]*Receiving, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM receivings WHERE purchase_order_id=$1 ORDER BY received_at`, purchaseOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "list receivings")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect receiving ids")
	}
	out := make([]*Receiving, 0, len(ids))
	for _, id := range ids {
		rcv, err := r.GetReceiving(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rcv)
	}
	return out, nil
}
