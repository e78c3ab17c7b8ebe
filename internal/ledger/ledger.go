// Package ledger keeps the per-variant stock counters (available, reserved,
// fulfilled) and is the only writer of them. All four mutations are
// linearizable per variant; unrelated variants never contend.
package ledger

import "context"

type Ledger interface {
	// Reserve moves qty from available to reserved (non-preorder) or only
	// bumps reserved (preorder). Fails with ErrInsufficientStock.
	Reserve(ctx context.Context, variantID string, qty int) (Token, error)
	// Commit moves the reserved quantity to fulfilled. Repeating it is a no-op.
	Commit(ctx context.Context, token Token) error
	// Release returns the reserved quantity to available. Repeating it is a no-op.
	Release(ctx context.Context, token Token) error
	// Receive adds physically received stock.
	Receive(ctx context.Context, variantID string, qty int) error

	Variant(ctx context.Context, variantID string) (Variant, error)
	Reservation(ctx context.Context, token Token) (Reservation, error)
}

// Catalog is a Ledger that can also seed variants.
type Catalog interface {
	Ledger
	Register(ctx context.Context, v Variant) error
}
