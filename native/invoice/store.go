package invoice

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists invoices, payment targets, escrow records and the append-only
// transition log. Implementations must make TransitionStatus and ClaimRelease
// atomic with respect to concurrent callers.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// UpdateInvoice persists mutable metadata. Status is only changed through
	// TransitionStatus.
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	// TransitionStatus moves the stored status from -> to and appends the
	// transition with the next per-invoice sequence. ErrConflict is returned
	// when the stored status no longer equals from.
	TransitionStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Transition, error)
	ListTransitions(ctx context.Context, id string) ([]Transition, error)
	ListOpenInvoices(ctx context.Context) ([]*Invoice, error)

	PutTarget(ctx context.Context, target *PaymentTarget) error
	GetTarget(ctx context.Context, targetID string) (*PaymentTarget, error)

	CreateEscrow(ctx context.Context, rec *EscrowRecord) error
	GetEscrow(ctx context.Context, invoiceID string) (*EscrowRecord, error)
	UpdateEscrow(ctx context.Context, rec *EscrowRecord) error
	// ClaimRelease sets releasedAt and the split when neither releasedAt nor
	// disputedAt is set. The boolean reports whether this caller won the claim;
	// the returned record always reflects the stored state.
	ClaimRelease(ctx context.Context, invoiceID string, split PayoutSplit, at time.Time) (*EscrowRecord, bool, error)
	ListEscrows(ctx context.Context, since, until time.Time) ([]*EscrowRecord, error)
}

// MemoryStore is an in-process Store used by tests and single-node tooling.
type MemoryStore struct {
	mu           sync.Mutex
	invoices     map[string]*Invoice
	activeTarget map[string]string
	targets      map[string]*PaymentTarget
	escrows      map[string]*EscrowRecord
	transitions  map[string][]Transition
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:     make(map[string]*Invoice),
		activeTarget: make(map[string]string),
		targets:      make(map[string]*PaymentTarget),
		escrows:      make(map[string]*EscrowRecord),
		transitions:  make(map[string][]Transition),
	}
}

func (m *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	if inv == nil {
		return &ValidationError{Reason: "nil invoice"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.invoices[inv.ID]; exists {
		return ErrConflict
	}
	clone := inv.Clone()
	clone.Settlement = nil
	clone.Escrow = nil
	m.invoices[inv.ID] = clone
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id)
}

func (m *MemoryStore) loadLocked(id string) (*Invoice, error) {
	stored, ok := m.invoices[id]
	if !ok {
		return nil, notFound(id)
	}
	inv := stored.Clone()
	if targetID, ok := m.activeTarget[id]; ok {
		inv.Settlement = m.targets[targetID].Clone()
	}
	inv.Escrow = m.escrows[id].Clone()
	return inv, nil
}

func (m *MemoryStore) UpdateInvoice(_ context.Context, inv *Invoice) error {
	if inv == nil {
		return &ValidationError{Reason: "nil invoice"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.invoices[inv.ID]
	if !ok {
		return notFound(inv.ID)
	}
	clone := inv.Clone()
	clone.Status = stored.Status
	if inv.Settlement != nil {
		m.activeTarget[inv.ID] = inv.Settlement.ID
	} else {
		delete(m.activeTarget, inv.ID)
	}
	clone.Settlement = nil
	clone.Escrow = nil
	m.invoices[inv.ID] = clone
	return nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from, to Status, reason string, at time.Time) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.invoices[id]
	if !ok {
		return nil, notFound(id)
	}
	if stored.Status != from {
		return nil, ErrConflict
	}
	stored.Status = to
	stored.UpdatedAt = at
	entry := Transition{
		InvoiceID: id,
		Sequence:  uint64(len(m.transitions[id]) + 1),
		From:      from,
		To:        to,
		Reason:    reason,
		At:        at,
	}
	m.transitions[id] = append(m.transitions[id], entry)
	return &entry, nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, id string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return nil, notFound(id)
	}
	out := make([]Transition, len(m.transitions[id]))
	copy(out, m.transitions[id])
	return out, nil
}

func (m *MemoryStore) ListOpenInvoices(_ context.Context) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Invoice, 0)
	for id, inv := range m.invoices {
		if inv.Status.Terminal() {
			continue
		}
		loaded, err := m.loadLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutTarget(_ context.Context, target *PaymentTarget) error {
	if target == nil {
		return &ValidationError{Reason: "nil target"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[target.InvoiceID]; !ok {
		return notFound(target.InvoiceID)
	}
	m.targets[target.ID] = target.Clone()
	return nil
}

func (m *MemoryStore) GetTarget(_ context.Context, targetID string) (*PaymentTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.targets[targetID]
	if !ok {
		return nil, &NotFoundError{Kind: "payment target", ID: targetID}
	}
	return target.Clone(), nil
}

func (m *MemoryStore) CreateEscrow(_ context.Context, rec *EscrowRecord) error {
	if rec == nil {
		return &ValidationError{Reason: "nil escrow record"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[rec.InvoiceID]; exists {
		return ErrConflict
	}
	m.escrows[rec.InvoiceID] = rec.Clone()
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, invoiceID string) (*EscrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[invoiceID]
	if !ok {
		return nil, &NotFoundError{Kind: "escrow record", ID: invoiceID}
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) UpdateEscrow(_ context.Context, rec *EscrowRecord) error {
	if rec == nil {
		return &ValidationError{Reason: "nil escrow record"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[rec.InvoiceID]; !ok {
		return &NotFoundError{Kind: "escrow record", ID: rec.InvoiceID}
	}
	m.escrows[rec.InvoiceID] = rec.Clone()
	return nil
}

func (m *MemoryStore) ClaimRelease(_ context.Context, invoiceID string, split PayoutSplit, at time.Time) (*EscrowRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[invoiceID]
	if !ok {
		return nil, false, &NotFoundError{Kind: "escrow record", ID: invoiceID}
	}
	if rec.ReleasedAt != nil || rec.DisputedAt != nil {
		return rec.Clone(), false, nil
	}
	ts := at
	rec.ReleasedAt = &ts
	stored := split
	rec.Split = &stored
	return rec.Clone(), true, nil
}

func (m *MemoryStore) ListEscrows(_ context.Context, since, until time.Time) ([]*EscrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*EscrowRecord, 0)
	for _, rec := range m.escrows {
		if touchedBetween(rec, since, until) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func touchedBetween(rec *EscrowRecord, since, until time.Time) bool {
	within := func(ts time.Time) bool {
		return !ts.Before(since) && ts.Before(until)
	}
	if within(rec.CreatedAt) {
		return true
	}
	if rec.ReleasedAt != nil && within(*rec.ReleasedAt) {
		return true
	}
	return rec.DisputedAt != nil && within(*rec.DisputedAt)
}
