package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Ledger. Each variant has its own mutex; the outer
// lock only guards the variant and token indexes.
type Memory struct {
	mu       sync.RWMutex
	variants map[string]*slot
	tokens   map[Token]string // token -> variant id

	Now func() time.Time
}

type slot struct {
	mu    sync.Mutex
	v     Variant
	holds map[Token]*Reservation
}

func NewMemory() *Memory {
	return &Memory{
		variants: map[string]*slot{},
		tokens:   map[Token]string{},
		Now:      time.Now,
	}
}

// Register seeds a variant with its opening counters.
func (m *Memory) Register(_ context.Context, v Variant) error {
	if v.ID == "" || v.Available < 0 || v.Reserved < 0 || v.Fulfilled < 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[v.ID]; ok {
		return ErrVariantExists
	}
	v.UpdatedAt = m.Now().UTC()
	m.variants[v.ID] = &slot{v: v, holds: map[Token]*Reservation{}}
	return nil
}

func (m *Memory) slot(variantID string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.variants[variantID]
	if !ok {
		return nil, ErrUnknownVariant
	}
	return s, nil
}

func (m *Memory) Reserve(_ context.Context, variantID string, qty int) (Token, error) {
	if qty <= 0 {
		return "", ErrInvalidQuantity
	}
	s, err := m.slot(variantID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.v.Preorder && s.v.Available < qty {
		avail := s.v.Available
		s.mu.Unlock()
		return "", &InsufficientStockError{VariantID: variantID, Requested: qty, Available: avail}
	}
	if !s.v.Preorder {
		s.v.Available -= qty
	}
	s.v.Reserved += qty
	now := m.Now().UTC()
	s.v.UpdatedAt = now
	tok := Token(uuid.NewString())
	s.holds[tok] = &Reservation{Token: tok, VariantID: variantID, Qty: qty, State: ReservationHeld, CreatedAt: now}
	s.mu.Unlock()

	m.mu.Lock()
	m.tokens[tok] = variantID
	m.mu.Unlock()
	return tok, nil
}

func (m *Memory) Commit(_ context.Context, token Token) error {
	return m.settle(token, ReservationCommitted)
}

func (m *Memory) Release(_ context.Context, token Token) error {
	return m.settle(token, ReservationReleased)
}

func (m *Memory) settle(token Token, to ReservationState) error {
	s, r, err := m.lookup(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.State {
	case to:
		return nil
	case ReservationHeld:
	default:
		return ErrReservationSettled
	}

	s.v.Reserved -= r.Qty
	if to == ReservationCommitted {
		s.v.Fulfilled += r.Qty
	} else if !s.v.Preorder {
		s.v.Available += r.Qty
	}
	now := m.Now().UTC()
	s.v.UpdatedAt = now
	r.State = to
	r.SettledAt = &now
	return nil
}

func (m *Memory) lookup(token Token) (*slot, *Reservation, error) {
	m.mu.RLock()
	vid, ok := m.tokens[token]
	s := m.variants[vid]
	m.mu.RUnlock()
	if !ok || s == nil {
		return nil, nil, ErrUnknownReservation
	}
	s.mu.Lock()
	r := s.holds[token]
	s.mu.Unlock()
	if r == nil {
		return nil, nil, ErrUnknownReservation
	}
	return s, r, nil
}

func (m *Memory) Receive(_ context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	s, err := m.slot(variantID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.Preorder {
		s.v.Available += qty
	}
	s.v.Received += qty
	s.v.UpdatedAt = m.Now().UTC()
	return nil
}

func (m *Memory) Variant(_ context.Context, variantID string) (Variant, error) {
	s, err := m.slot(variantID)
	if err != nil {
		return Variant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, nil
}

func (m *Memory) Reservation(_ context.Context, token Token) (Reservation, error) {
	s, r, err := m.lookup(token)
	if err != nil {
		return Reservation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *r, nil
}

// Held lists HELD reservations created before the given time, oldest first.
func (m *Memory) Held(before time.Time) []Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Reservation
	for _, s := range m.variants {
		s.mu.Lock()
		for _, r := range s.holds {
			if r.State == ReservationHeld && r.CreatedAt.Before(before) {
				out = append(out, *r)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
