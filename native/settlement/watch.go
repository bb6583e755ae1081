package settlement

import (
	"context"
	"sync"
	"time"

	"btcescrow/native/invoice"
)

const watchBuffer = 16

// watch is the per-target state shared by the rail implementations. mu
// serialises classification and delivery so events leave in arrival order.
type watch struct {
	target *invoice.PaymentTarget

	mu           sync.Mutex
	ch           chan Event
	done         chan struct{}
	stopOnce     sync.Once
	stopped      bool
	closed       bool
	conflictSent bool
	finalSats    int64
	timer        *time.Timer
}

func newWatch(target *invoice.PaymentTarget) *watch {
	return &watch{
		target: target.Clone(),
		ch:     make(chan Event, watchBuffer),
		done:   make(chan struct{}),
	}
}

// emitLocked forwards ev. Callers hold w.mu.
func (w *watch) emitLocked(ctx context.Context, ev Event) error {
	if w.stopped {
		return nil
	}
	ev.TargetID = w.target.ID
	ev.InvoiceID = w.target.InvoiceID
	ev.Method = w.target.Method
	select {
	case w.ch <- ev:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *watch) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.stopped = true
		if w.timer != nil {
			w.timer.Stop()
		}
		close(w.ch)
	})
}

// registry tracks live watches by target id.
type registry struct {
	mu      sync.Mutex
	watches map[string]*watch
}

func newRegistry() *registry {
	return &registry{watches: make(map[string]*watch)}
}

// add registers target, replacing any previous watch for the same id.
func (r *registry) add(ctx context.Context, target *invoice.PaymentTarget) *watch {
	w := newWatch(target)
	r.mu.Lock()
	if prev, ok := r.watches[target.ID]; ok {
		defer prev.stop()
	}
	r.watches[target.ID] = w
	r.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		r.remove(target.ID, w)
		w.stop()
	}()
	return w
}

func (r *registry) get(targetID string) (*watch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[targetID]
	return w, ok
}

func (r *registry) remove(targetID string, w *watch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.watches[targetID]; ok && current == w {
		delete(r.watches, targetID)
	}
}

// size returns the number of live watches.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}
