package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres is the Ledger backed by the variants/reservations tables. Every
// operation runs in its own transaction and takes the variant row lock
// (FOR UPDATE), so contention is per variant.
type Postgres struct{ DB *pgxpool.Pool }

func (l *Postgres) Register(ctx context.Context, v Variant) error {
	if v.ID == "" || v.Available < 0 || v.Reserved < 0 || v.Fulfilled < 0 {
		return ErrInvalidQuantity
	}
	ct, err := l.DB.Exec(ctx, `
		INSERT INTO variants(id, product_id, sku, preorder, price, stock_available, stock_reserved, stock_fulfilled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.ProductID, v.SKU, v.Preorder, v.Price, v.Available, v.Reserved, v.Fulfilled)
	if err != nil {
		return errors.Wrap(err, "insert variant")
	}
	if ct.RowsAffected() == 0 {
		return ErrVariantExists
	}
	return nil
}

func (l *Postgres) Reserve(ctx context.Context, variantID string, qty int) (Token, error) {
	if qty <= 0 {
		return "", ErrInvalidQuantity
	}
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(err, "begin reserve")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		preorder  bool
		available int
	)
	err = tx.QueryRow(ctx, `SELECT preorder, stock_available FROM variants WHERE id=$1 FOR UPDATE`, variantID).
		Scan(&preorder, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownVariant
	} else if err != nil {
		return "", errors.Wrap(err, "lock variant")
	}
	if !preorder && available < qty {
		return "", &InsufficientStockError{VariantID: variantID, Requested: qty, Available: available}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE variants
		SET stock_available = stock_available - CASE WHEN preorder THEN 0 ELSE $2 END,
		    stock_reserved  = stock_reserved + $2,
		    updated_at      = now()
		WHERE id=$1`, variantID, qty); err != nil {
		return "", errors.Wrap(err, "reserve variant")
	}

	tok := Token(uuid.NewString())
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(token, variant_id, qty, state)
		VALUES ($1,$2,$3,'HELD')`, string(tok), variantID, qty); err != nil {
		return "", errors.Wrap(err, "insert reservation")
	}
	if err := tx.Commit(ctx); err != nil {
		return "", errors.Wrap(err, "commit reserve")
	}
	return tok, nil
}

func (l *Postgres) Commit(ctx context.Context, token Token) error {
	return l.settle(ctx, token, ReservationCommitted)
}

func (l *Postgres) Release(ctx context.Context, token Token) error {
	return l.settle(ctx, token, ReservationReleased)
}

func (l *Postgres) settle(ctx context.Context, token Token, to ReservationState) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin settle")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := settleTx(ctx, tx, token, to); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit settle")
}

// ReleaseTx releases a reservation inside a caller-owned transaction. The
// order store uses it to free orphaned reservations under the same row lock
// it checks ownership with.
func ReleaseTx(ctx context.Context, tx pgx.Tx, token Token) error {
	return settleTx(ctx, tx, token, ReservationReleased)
}

// settleTx locks the reservation row first and the variant row second;
// Reserve never holds a reservation lock, so the two paths cannot deadlock.
func settleTx(ctx context.Context, tx pgx.Tx, token Token, to ReservationState) error {
	var (
		variantID string
		qty       int
		state     string
	)
	err := tx.QueryRow(ctx, `SELECT variant_id, qty, state FROM reservations WHERE token=$1 FOR UPDATE`, string(token)).
		Scan(&variantID, &qty, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownReservation
	} else if err != nil {
		return errors.Wrap(err, "lock reservation")
	}
	switch ReservationState(state) {
	case to:
		return nil
	case ReservationHeld:
	default:
		return ErrReservationSettled
	}

	var q string
	if to == ReservationCommitted {
		q = `UPDATE variants
		     SET stock_reserved = stock_reserved - $2, stock_fulfilled = stock_fulfilled + $2, updated_at = now()
		     WHERE id=$1`
	} else {
		q = `UPDATE variants
		     SET stock_reserved  = stock_reserved - $2,
		         stock_available = stock_available + CASE WHEN preorder THEN 0 ELSE $2 END,
		         updated_at      = now()
		     WHERE id=$1`
	}
	if _, err := tx.Exec(ctx, q, variantID, qty); err != nil {
		return errors.Wrapf(err, "settle variant %s", variantID)
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET state=$2, settled_at=now() WHERE token=$1`, string(token), string(to)); err != nil {
		return errors.Wrap(err, "mark reservation")
	}
	return nil
}

func (l *Postgres) Receive(ctx context.Context, variantID string, qty int) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin receive")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := ReceiveTx(ctx, tx, variantID, qty); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit receive")
}

// ReceiveTx applies a receipt inside a caller-owned transaction, so the
// procurement store can make it atomic with the purchase-order update.
func ReceiveTx(ctx context.Context, tx pgx.Tx, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := tx.Exec(ctx, `
		UPDATE variants
		SET stock_available = stock_available + CASE WHEN preorder THEN 0 ELSE $2 END,
		    stock_received  = stock_received + $2,
		    updated_at      = now()
		WHERE id=$1`, variantID, qty)
	if err != nil {
		return errors.Wrapf(err, "receive variant %s", variantID)
	}
	if ct.RowsAffected() != 1 {
		return ErrUnknownVariant
	}
	return nil
}

func (l *Postgres) Variant(ctx context.Context, variantID string) (Variant, error) {
	var v Variant
	err := l.DB.QueryRow(ctx, `
		SELECT id, product_id, sku, preorder, price, stock_available, stock_reserved, stock_fulfilled, stock_received, updated_at
		FROM variants WHERE id=$1`, variantID).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Preorder, &v.Price, &v.Available, &v.Reserved, &v.Fulfilled, &v.Received, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, ErrUnknownVariant
	}
	return v, errors.Wrap(err, "select variant")
}

func (l *Postgres) Reservation(ctx context.Context, token Token) (Reservation, error) {
	var (
		r     Reservation
		tok   string
		state string
	)
	err := l.DB.QueryRow(ctx, `
		SELECT token, variant_id, qty, state, created_at, settled_at
		FROM reservations WHERE token=$1`, string(token)).
		Scan(&tok, &r.VariantID, &r.Qty, &state, &r.CreatedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrUnknownReservation
	}
	r.Token = Token(tok)
	r.State = ReservationState(state)
	return r, errors.Wrap(err, "select reservation")
}
