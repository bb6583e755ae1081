package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"btcescrow/native/escrow"
)

var (
	// ErrSlowConsumer closes a subscription whose buffer overflowed. The
	// client resumes from the last sequence it processed.
	ErrSlowConsumer = errors.New("dispatch: subscriber too slow")
	// ErrClosed is returned once the dispatcher has shut down.
	ErrClosed = errors.New("dispatch: closed")
)

const (
	defaultSubscriberBuffer = 256
	defaultSinkBuffer       = 1024
)

// Sink receives every published event after it has been logged.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBuffer sets how many live events a subscriber may lag behind before it
// is disconnected.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// WithSinkBuffer sets the per-sink queue length.
func WithSinkBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sinkBuffer = n
		}
	}
}

// WithSinks attaches delivery sinks.
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		for _, s := range sinks {
			if s != nil {
				d.sinks = append(d.sinks, s)
			}
		}
	}
}

// WithClock overrides the timestamp source for events published without one.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.nowFn = now
		}
	}
}

// Dispatcher sequences engine notices into the event log and fans them out to
// live subscribers and sinks.
type Dispatcher struct {
	log        EventLog
	logger     *slog.Logger
	buffer     int
	sinkBuffer int
	sinks      []Sink
	nowFn      func() time.Time

	mu         sync.Mutex
	seq        uint64
	invoiceSeq map[string]uint64
	subs       map[*Subscription]struct{}
	pumps      []*sinkPump
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher seeds the global sequence from log and starts one delivery
// goroutine per sink.
func NewDispatcher(ctx context.Context, log EventLog, opts ...Option) (*Dispatcher, error) {
	if log == nil {
		return nil, fmt.Errorf("dispatch: event log required")
	}
	last, err := log.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load sequence: %w", err)
	}
	d := &Dispatcher{
		log:        log,
		logger:     slog.Default(),
		buffer:     defaultSubscriberBuffer,
		sinkBuffer: defaultSinkBuffer,
		nowFn:      time.Now,
		seq:        last,
		invoiceSeq: make(map[string]uint64),
		subs:       make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, sink := range d.sinks {
		pump := &sinkPump{sink: sink, ch: make(chan Event, d.sinkBuffer)}
		d.pumps = append(d.pumps, pump)
		d.wg.Add(1)
		go d.runPump(pump)
	}
	return d, nil
}

// Publish assigns the next global and per-invoice sequence, appends evt to the
// log and fans it out. The returned event carries the assigned fields.
func (d *Dispatcher) Publish(ctx context.Context, evt Event) (Event, error) {
	if evt.InvoiceID == "" {
		return Event{}, fmt.Errorf("dispatch: invoice id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Event{}, ErrClosed
	}
	invSeq, ok := d.invoiceSeq[evt.InvoiceID]
	if !ok {
		last, err := d.log.LastInvoiceSequence(ctx, evt.InvoiceID)
		if err != nil {
			return Event{}, fmt.Errorf("dispatch: load invoice sequence: %w", err)
		}
		invSeq = last
	}
	if evt.At.IsZero() {
		evt.At = d.nowFn()
	}
	evt.At = evt.At.UTC()
	evt.Sequence = d.seq + 1
	evt.InvoiceSeq = invSeq + 1
	evt.ID = eventID(evt.InvoiceID, evt.Kind, evt.To, evt.InvoiceSeq)
	if err := d.log.Append(ctx, evt); err != nil {
		return Event{}, fmt.Errorf("dispatch: append: %w", err)
	}
	d.seq = evt.Sequence
	d.invoiceSeq[evt.InvoiceID] = evt.InvoiceSeq

	for sub := range d.subs {
		if !evt.VisibleTo(sub.userID) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			d.dropLocked(sub, ErrSlowConsumer)
			d.logger.Warn("event subscriber dropped",
				slog.String("user_id", sub.userID),
				slog.Uint64("sequence", evt.Sequence))
		}
	}
	for _, pump := range d.pumps {
		select {
		case pump.ch <- evt:
		default:
			d.logger.Warn("event sink queue full",
				slog.String("sink", pump.sink.Name()),
				slog.String("event_id", evt.ID),
				slog.Uint64("sequence", evt.Sequence))
		}
	}
	return evt, nil
}

// Publisher adapts the dispatcher to the engine's notice publisher.
func (d *Dispatcher) Publisher() escrow.Publisher {
	return escrow.PublisherFunc(func(ctx context.Context, n escrow.Notice) error {
		_, err := d.Publish(ctx, FromNotice(n))
		return err
	})
}

// Replay returns logged events visible to userID with sequence > after.
func (d *Dispatcher) Replay(ctx context.Context, userID string, after uint64, limit int) ([]Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("dispatch: user id required")
	}
	return d.log.Since(ctx, userID, after, limit)
}

// LastSequence reports the most recently assigned global sequence.
func (d *Dispatcher) LastSequence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Subscribe replays events after the cursor and then streams live ones. The
// backlog and the registration happen under one lock so no event is skipped.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string, after uint64) (*Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("dispatch: user id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	backlog, err := d.log.Since(ctx, userID, after, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatch: replay: %w", err)
	}
	sub := &Subscription{
		d:      d,
		userID: userID,
		ch:     make(chan Event, len(backlog)+d.buffer),
	}
	for _, evt := range backlog {
		sub.ch <- evt
	}
	d.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close disconnects subscribers and drains the sink queues.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for sub := range d.subs {
		d.dropLocked(sub, ErrClosed)
	}
	for _, pump := range d.pumps {
		close(pump.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) dropLocked(sub *Subscription, err error) {
	if _, ok := d.subs[sub]; !ok {
		return
	}
	delete(d.subs, sub)
	sub.setErr(err)
	close(sub.ch)
}

type sinkPump struct {
	sink Sink
	ch   chan Event
}

func (d *Dispatcher) runPump(p *sinkPump) {
	defer d.wg.Done()
	for evt := range p.ch {
		if err := p.sink.Deliver(d.ctx, evt); err != nil {
			d.logger.Warn("event sink delivery failed",
				slog.String("sink", p.sink.Name()),
				slog.String("event_id", evt.ID),
				slog.String("invoice_id", evt.InvoiceID),
				slog.Any("error", err))
		}
	}
}

// Subscription is a live, ordered view of one user's events.
type Subscription struct {
	d      *Dispatcher
	userID string
	ch     chan Event

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel. It is closed when the subscription
// ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err returns ErrSlowConsumer or ErrClosed after the channel closes, and nil
// when the subscriber closed it.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.subs[s]; !ok {
		return
	}
	delete(s.d.subs, s)
	close(s.ch)
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
