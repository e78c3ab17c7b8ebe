// Package reaper expires orders whose payment deadline has passed, re-drives
// ledger settlement and slip reviews that a crash or a failed consumer left
// unfinished, and releases reservations no order owns.
package reaper

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	leaseKey = "sweep"

	defaultOrphanGrace = 10 * time.Minute
	defaultReviewStall = 2 * time.Minute
)

type Lifecycle interface {
	OnVerificationResult(ctx context.Context, orderID string, out orders.Outcome) (*orders.Order, error)
	Settle(ctx context.Context, o *orders.Order) error
	RedriveReview(ctx context.Context, o *orders.Order) error
	ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error)
}

// Lease lets concurrent reapers skip a sweep another instance is already
// running. It is an optimisation only; each expiry is a version-checked
// update, so overlapping sweeps still expire every order exactly once.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Reaper struct {
	Orders      Lifecycle
	Store       orders.Store
	Lease       Lease
	Interval    time.Duration
	Batch       int
	SettleGrace time.Duration
	// OrphanGrace must comfortably exceed the longest checkout, or a
	// reservation could be released before its order is stored (Create
	// then fails with ErrReservationLost rather than owning freed stock).
	OrphanGrace time.Duration
	// ReviewStall is how long an order may sit in PENDING_REVIEW before its
	// review is driven again.
	ReviewStall time.Duration
	Log         *zap.Logger
	Now         func() time.Time
}

type Stats struct {
	Expired  int
	Lost     int // another sweep or request won the transition
	Settled  int
	Requeued int
	Orphans  int
	Failed   int
	Skipped  bool
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reaper) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := r.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			r.log().Warn("sweep failed", zap.Error(err))
		} else if st.Expired+st.Settled+st.Requeued+st.Orphans+st.Failed > 0 {
			r.log().Info("sweep done", zap.Int("expired", st.Expired), zap.Int("lost", st.Lost),
				zap.Int("settled", st.Settled), zap.Int("requeued", st.Requeued),
				zap.Int("orphans", st.Orphans), zap.Int("failed", st.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (r *Reaper) Sweep(ctx context.Context) (Stats, error) {
	var st Stats
	if r.Lease != nil {
		ok, err := r.Lease.Acquire(ctx, leaseKey, r.leaseTTL())
		if err != nil {
			r.log().Warn("sweep lease unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			st.Skipped = true
			return st, nil
		}
	}

	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}
	now := r.now()

	overdue, err := r.Store.ListOverdue(ctx, now, batch)
	if err != nil {
		return st, errors.Wrap(err, "list overdue orders")
	}
	for _, o := range overdue {
		_, err := r.Orders.OnVerificationResult(ctx, o.ID, orders.Outcome{Kind: orders.OutcomeExpired})
		switch {
		case err == nil:
			st.Expired++
		case errors.Is(err, orders.ErrInvalidState), errors.Is(err, orders.ErrConflict):
			st.Lost++
		default:
			st.Failed++
			r.log().Warn("expire order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	unsettled, err := r.Store.ListUnsettled(ctx, now.Add(-r.SettleGrace), batch)
	if err != nil {
		return st, errors.Wrap(err, "list unsettled orders")
	}
	for _, o := range unsettled {
		if err := r.Orders.Settle(ctx, o); err != nil {
			st.Failed++
			r.log().Warn("settle order failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		st.Settled++
	}

	stalled, err := r.Store.ListStalledReviews(ctx, now.Add(-orDefault(r.ReviewStall, defaultReviewStall)), batch)
	if err != nil {
		return st, errors.Wrap(err, "list stalled reviews")
	}
	for _, o := range stalled {
		err := r.Orders.RedriveReview(ctx, o)
		switch {
		case err == nil:
			st.Requeued++
		case errors.Is(err, orders.ErrInvalidState), errors.Is(err, orders.ErrConflict):
			st.Lost++
		default:
			st.Failed++
			r.log().Warn("redrive review failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	st.Orphans, err = r.Orders.ReleaseOrphans(ctx, now.Add(-orDefault(r.OrphanGrace, defaultOrphanGrace)), batch)
	if err != nil {
		return st, errors.Wrap(err, "release orphaned reservations")
	}
	return st, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (r *Reaper) leaseTTL() time.Duration {
	if r.Interval > time.Second {
		return r.Interval - time.Second
	}
	return time.Second
}
