package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, COALESCE(external_id, ''), customer_id, payment_state, fulfillment_state,
	slip_ref, slip_review_attempts, last_reason_code, cancel_reason, ledger_settled,
	created_at, payment_deadline, updated_at, version`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin create order")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, payment_state, fulfillment_state, slip_ref,
			slip_review_attempts, last_reason_code, cancel_reason, ledger_settled,
			created_at, payment_deadline, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, nullable(o.ExternalID), o.CustomerID, string(o.Payment), string(o.Fulfillment), o.SlipRef,
		o.SlipReviewAttempts, o.LastReasonCode, o.CancelReason, o.LedgerSettled,
		o.CreatedAt, o.PaymentDeadline, o.UpdatedAt, o.Version)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "orders_external_id_key" {
		return ErrDuplicateExternalID
	} else if err != nil {
		return errors.Wrap(err, "insert order")
	}

	if err := lockHeld(ctx, tx, o.Lines); err != nil {
		return err
	}
	for i, l := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, variant_id, qty, unit_price, reservation_token)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, i+1, l.VariantID, l.Qty, l.UnitPrice, string(l.Token)); err != nil {
			return errors.Wrap(err, "insert order item")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit create order")
}

// lockHeld takes the reservation row locks ReleaseOrphans also takes and
// checks every line's token is still HELD.
func lockHeld(ctx context.Context, tx pgx.Tx, lines []Line) error {
	tokens := make([]string, 0, len(lines))
	for _, l := range lines {
		tokens = append(tokens, string(l.Token))
	}
	rows, err := tx.Query(ctx, `
		SELECT token FROM reservations
		WHERE token = ANY($1) AND state = 'HELD'
		ORDER BY token
		FOR UPDATE`, tokens)
	if err != nil {
		return errors.Wrap(err, "lock reservations")
	}
	held, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return errors.Wrap(err, "collect reservations")
	}
	if len(held) != len(tokens) {
		return ErrReservationLost
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	return r.getWhere(ctx, `id=$1`, id)
}

func (r *Repo) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	return r.getWhere(ctx, `external_id=$1`, externalID)
}

func (r *Repo) getWhere(ctx context.Context, where string, arg any) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	if err := r.loadLines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o        Order
		pay, ful string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.CustomerID, &pay, &ful,
		&o.SlipRef, &o.SlipReviewAttempts, &o.LastReasonCode, &o.CancelReason, &o.LedgerSettled,
		&o.CreatedAt, &o.PaymentDeadline, &o.UpdatedAt, &o.Version)
	if err != nil {
		return nil, err
	}
	// Stored values are outside the type system; re-validate them.
	if o.Payment, err = ParsePaymentState(pay); err != nil {
		return nil, err
	}
	if o.Fulfillment, err = ParseFulfillmentState(ful); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) loadLines(ctx context.Context, o *Order) error {
	rows, err := r.DB.Query(ctx, `
		SELECT variant_id, qty, unit_price, reservation_token
		FROM order_items WHERE order_id=$1 ORDER BY line_no`, o.ID)
	if err != nil {
		return errors.Wrap(err, "select order items")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l   Line
			tok string
		)
		if err := rows.Scan(&l.VariantID, &l.Qty, &l.UnitPrice, &tok); err != nil {
			return errors.Wrap(err, "scan order item")
		}
		l.Token = ledger.Token(tok)
		o.Lines = append(o.Lines, l)
	}
	return errors.Wrap(rows.Err(), "iterate order items")
}

func (r *Repo) Update(ctx context.Context, o *Order) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET payment_state=$3, fulfillment_state=$4, slip_ref=$5, slip_review_attempts=$6,
		    last_reason_code=$7, cancel_reason=$8, ledger_settled=$9, updated_at=$10,
		    version = version + 1
		WHERE id=$1 AND version=$2`,
		o.ID, o.Version, string(o.Payment), string(o.Fulfillment), o.SlipRef, o.SlipReviewAttempts,
		o.LastReasonCode, o.CancelReason, o.LedgerSettled, o.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if ct.RowsAffected() != 1 {
		return ErrConflict
	}
	o.Version++
	return nil
}

func (r *Repo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return r.listIDs(ctx, `
		SELECT id FROM orders
		WHERE payment_state IN ('WAITING','PENDING_REVIEW')
		  AND fulfillment_state <> 'CANCELLED'
		  AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2`, now, limit)
}

func (r *Repo) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	return r.listIDs(ctx, `
		SELECT id FROM orders
		WHERE NOT ledger_settled AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
}

func (r *Repo) ListStalledReviews(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	return r.listIDs(ctx, `
		SELECT id FROM orders
		WHERE payment_state = 'PENDING_REVIEW'
		  AND fulfillment_state <> 'CANCELLED'
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
}

func (r *Repo) ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT res.token FROM reservations res
		WHERE res.state = 'HELD' AND res.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM order_items oi WHERE oi.reservation_token = res.token)
		ORDER BY res.created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list orphaned reservations")
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, errors.Wrap(err, "collect orphaned reservations")
	}
	n := 0
	for _, tok := range tokens {
		released, err := r.releaseOrphan(ctx, ledger.Token(tok))
		if err != nil {
			return n, err
		}
		if released {
			n++
		}
	}
	return n, nil
}

// releaseOrphan re-checks ownership after locking the reservation row. A
// concurrent Create either committed its order_items first (seen here) or
// waits on the lock and then finds the token RELEASED.
func (r *Repo) releaseOrphan(ctx context.Context, tok ledger.Token) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin orphan release")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var held bool
	err = tx.QueryRow(ctx, `SELECT state = 'HELD' FROM reservations WHERE token=$1 FOR UPDATE`, string(tok)).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "lock reservation")
	}
	if !held {
		return false, nil
	}
	var owned bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_items WHERE reservation_token=$1)`, string(tok)).
		Scan(&owned); err != nil {
		return false, errors.Wrap(err, "check reservation owner")
	}
	if owned {
		return false, nil
	}
	if err := ledger.ReleaseTx(ctx, tx, tok); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit orphan release")
	}
	return true, nil
}

func (r *Repo) listIDs(ctx context.Context, q string, t time.Time, limit int) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, q, t, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect order ids")
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
