package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
)

// Store persists orders. Update is a conditional write: it succeeds only if
// the stored version equals o.Version, then bumps o.Version. That check is
// what lets concurrent reapers, verifiers and staff race on one order with
// exactly one winner per transition.
type Store interface {
	// Create fails with ErrReservationLost if any line's token is no longer
	// HELD, so an order never owns a reservation ReleaseOrphans already freed.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByExternalID(ctx context.Context, externalID string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	// ListOverdue returns open orders whose payment deadline is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// ListUnsettled returns orders with pending ledger work last touched before t.
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	// ListStalledReviews returns open PENDING_REVIEW orders last touched before t.
	ListStalledReviews(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	// ReleaseOrphans releases HELD reservations created before t that no
	// order line references, and reports how many it released.
	ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error)
}

// MemoryStore keeps orders in process. Its ledger is consulted for token
// state on Create and for orphan release; the store lock makes the two
// mutually exclusive.
type MemoryStore struct {
	Ledger *ledger.Memory

	mu    sync.Mutex
	byID  map[string]*Order
	byExt map[string]string
}

func NewMemoryStore(l *ledger.Memory) *MemoryStore {
	return &MemoryStore{Ledger: l, byID: map[string]*Order{}, byExt: map[string]string{}}
}

func (s *MemoryStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ledger != nil {
		for _, l := range o.Lines {
			r, err := s.Ledger.Reservation(ctx, l.Token)
			if err != nil {
				return err
			}
			if r.State != ledger.ReservationHeld {
				return ErrReservationLost
			}
		}
	}
	if o.ExternalID != "" {
		if _, ok := s.byExt[o.ExternalID]; ok {
			return ErrDuplicateExternalID
		}
		s.byExt[o.ExternalID] = o.ID
	}
	s.byID[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	s.mu.Lock()
	id, ok := s.byExt[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	o.Version++
	s.byID[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	return s.list(limit, func(o *Order) bool { return o.Open() && o.Overdue(now) },
		func(a, b *Order) bool { return a.PaymentDeadline.Before(b.PaymentDeadline) })
}

func (s *MemoryStore) ListUnsettled(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	return s.list(limit, func(o *Order) bool { return !o.LedgerSettled && o.UpdatedAt.Before(before) },
		func(a, b *Order) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
}

func (s *MemoryStore) ListStalledReviews(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	return s.list(limit, func(o *Order) bool {
		return o.Payment == PaymentPendingReview && o.Open() && o.UpdatedAt.Before(before)
	}, func(a, b *Order) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
}

func (s *MemoryStore) ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error) {
	if s.Ledger == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := map[ledger.Token]bool{}
	for _, o := range s.byID {
		for _, l := range o.Lines {
			owned[l.Token] = true
		}
	}
	n := 0
	for _, r := range s.Ledger.Held(before) {
		if owned[r.Token] {
			continue
		}
		if limit > 0 && n >= limit {
			break
		}
		if err := s.Ledger.Release(ctx, r.Token); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) list(limit int, keep func(*Order) bool, less func(a, b *Order) bool) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.byID {
		if keep(o) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
