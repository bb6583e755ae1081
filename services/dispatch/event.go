package dispatch

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
)

// AllUsers subscribes to every event regardless of recipients. It is reserved
// for operators.
const AllUsers = "*"

// Event is one entry of the global, append-only event log.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	InvoiceID  string            `json:"invoiceId"`
	InvoiceSeq uint64            `json:"invoiceSequence"`
	Kind       string            `json:"kind"`
	From       invoice.Status    `json:"fromStatus,omitempty"`
	To         invoice.Status    `json:"toStatus,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Recipients []string          `json:"recipients"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"at"`
	NotifyURL  string            `json:"-"`
}

// VisibleTo reports whether userID receives the event.
func (e Event) VisibleTo(userID string) bool {
	if userID == AllUsers {
		return true
	}
	for _, r := range e.Recipients {
		if r == userID {
			return true
		}
	}
	return false
}

// eventID derives a stable identifier from the invoice, kind, target status and
// per-invoice sequence so redelivered events can be recognised.
func eventID(invoiceID, kind string, to invoice.Status, invoiceSeq uint64) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", invoiceID, kind, to, invoiceSeq)))
	return hex.EncodeToString(sum[:])
}

// FromNotice converts an engine notice into an unsequenced event.
func FromNotice(n escrow.Notice) Event {
	recipients := make([]string, len(n.Recipients))
	copy(recipients, n.Recipients)
	var attrs map[string]string
	if len(n.Attributes) > 0 {
		attrs = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			attrs[k] = v
		}
	}
	return Event{
		InvoiceID:  n.InvoiceID,
		Kind:       string(n.Kind),
		From:       n.From,
		To:         n.To,
		Reason:     n.Reason,
		Recipients: recipients,
		Attributes: attrs,
		At:         n.At,
		NotifyURL:  n.NotificationURL,
	}
}

// EventLog persists events in global sequence order.
type EventLog interface {
	Append(ctx context.Context, evt Event) error
	// Since returns events visible to userID with sequence > after, oldest
	// first. A limit <= 0 means no limit.
	Since(ctx context.Context, userID string, after uint64, limit int) ([]Event, error)
	LastSequence(ctx context.Context) (uint64, error)
	LastInvoiceSequence(ctx context.Context, invoiceID string) (uint64, error)
}

// MemoryLog is an in-process EventLog.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.events); n > 0 && m.events[n-1].Sequence >= evt.Sequence {
		return fmt.Errorf("append sequence %d after %d", evt.Sequence, m.events[n-1].Sequence)
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *MemoryLog) Since(_ context.Context, userID string, after uint64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := sort.Search(len(m.events), func(i int) bool { return m.events[i].Sequence > after })
	out := make([]Event, 0)
	for _, evt := range m.events[start:] {
		if !evt.VisibleTo(userID) {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLog) LastSequence(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Sequence, nil
}

func (m *MemoryLog) LastInvoiceSequence(_ context.Context, invoiceID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].InvoiceID == invoiceID {
			return m.events[i].InvoiceSeq, nil
		}
	}
	return 0, nil
}
