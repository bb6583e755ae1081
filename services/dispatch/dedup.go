package dispatch

import (
	"container/list"
	"sync"

	"btcescrow/native/invoice"
)

const defaultDedupCapacity = 4096

type dedupKey struct {
	invoiceID string
	kind      string
	to        invoice.Status
	seq       uint64
}

// Deduper remembers recently seen (invoice, status, invoice sequence)
// transitions so a consumer can discard at-least-once redeliveries. An invoice
// that legitimately reaches the same status twice (escrowed again after a
// rejected delivery) carries a new invoice sequence and is not dropped. The
// least recently seen key is evicted once the capacity is reached.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[dedupKey]*list.Element
}

// NewDeduper returns a deduper holding up to capacity keys.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &Deduper{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[dedupKey]*list.Element, capacity),
	}
}

// Seen records evt and reports whether an event for the same invoice, kind,
// target status and invoice sequence was already observed. Events without a target status are keyed
// by their id.
func (d *Deduper) Seen(evt Event) bool {
	key := dedupKey{invoiceID: evt.InvoiceID, kind: evt.Kind, to: evt.To, seq: evt.InvoiceSeq}
	if evt.To == "" {
		key.kind = evt.ID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.entries[key]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.entries[key] = d.order.PushFront(key)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(dedupKey))
	}
	return false
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
