package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
)

// ErrClosed is returned once the engine has been shut down.
var ErrClosed = errors.New("escrow: engine closed")

// Releaser is the payout capability the engine triggers on acceptance.
type Releaser interface {
	Release(ctx context.Context, invoiceID string) (invoice.PayoutSplit, error)
	Resume(ctx context.Context, invoiceID string) (invoice.PayoutSplit, error)
	Get(ctx context.Context, invoiceID string) (*invoice.EscrowRecord, error)
}

// Metrics receives state machine observations.
type Metrics interface {
	RecordTransition(from, to invoice.Status)
	RecordReconciliation(reason string)
	RecordRailEvent(method invoice.Method, kind string)
	SetActiveWatches(n int)
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine drives invoices through the escrow lifecycle. Every mutation of an
// invoice runs under that invoice's lock, so rail events, timers and user
// actions for one invoice are applied one at a time.
type Engine struct {
	ledger    *invoice.Ledger
	store     invoice.Store
	rails     map[invoice.Method]settlement.Rail
	releaser  Releaser
	publisher Publisher
	policy    Policy
	nowFn     func() time.Time
	logger    *slog.Logger
	metrics   Metrics
	locks     *keyedLocks

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	watches map[string]*watchTask
	wg      sync.WaitGroup
	closed  bool
}

// watchTask consumes one target's rail events for an invoice.
type watchTask struct {
	invoiceID string
	targetID  string
	cancel    context.CancelFunc

	mu     sync.Mutex
	stale  *time.Timer
	retire *time.Timer
}

func (t *watchTask) stopStaleness() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stale != nil {
		t.stale.Stop()
		t.stale = nil
	}
}

func (t *watchTask) stop() {
	t.mu.Lock()
	if t.stale != nil {
		t.stale.Stop()
		t.stale = nil
	}
	if t.retire != nil {
		t.retire.Stop()
		t.retire = nil
	}
	t.mu.Unlock()
	t.cancel()
}

// NewEngine wires the ledger, rails, payout splitter and event publisher.
func NewEngine(ledger *invoice.Ledger, rails map[invoice.Method]settlement.Rail, releaser Releaser, publisher Publisher, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("escrow: ledger required")
	}
	if len(rails) == 0 {
		return nil, fmt.Errorf("escrow: at least one rail required")
	}
	if releaser == nil {
		return nil, fmt.Errorf("escrow: releaser required")
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	for method, rail := range rails {
		if rail == nil || rail.Method() != method {
			return nil, fmt.Errorf("escrow: rail registered for %q does not serve it", method)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ledger:    ledger,
		store:     ledger.Store(),
		rails:     rails,
		releaser:  releaser,
		publisher: publisher,
		policy:    DefaultPolicy(),
		nowFn:     time.Now,
		logger:    slog.Default(),
		locks:     newKeyedLocks(),
		baseCtx:   ctx,
		cancel:    cancel,
		watches:   make(map[string]*watchTask),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		cancel()
		return nil, fmt.Errorf("escrow: %w", err)
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// Ledger exposes the invoice ledger for read paths.
func (e *Engine) Ledger() *invoice.Ledger { return e.ledger }

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// Start resumes watches for every open invoice with an active target. Lightning
// targets whose window already elapsed expire as soon as their watch is armed.
func (e *Engine) Start(ctx context.Context) error {
	open, err := e.ledger.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open invoices: %w", err)
	}
	resumed := 0
	for _, inv := range open {
		if inv.Settlement == nil || inv.Settlement.Archived {
			continue
		}
		if err := e.resumeWatch(ctx, inv.ID); err != nil {
			e.logger.Warn("resume watch failed",
				slog.String("invoice_id", inv.ID),
				slog.Any("error", err))
			continue
		}
		resumed++
	}
	e.logger.Info("escrow engine started", slog.Int("watches", resumed))
	return nil
}

func (e *Engine) resumeWatch(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Settlement == nil || inv.Settlement.Archived {
		return nil
	}
	if err := e.startWatchLocked(inv); err != nil {
		return err
	}
	if inv.Status != invoice.StatusPending {
		e.retireWatch(inv.ID, e.policy.LateWindow)
	}
	return nil
}

// Close stops every watch task and waits for in-flight events to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tasks := make([]*watchTask, 0, len(e.watches))
	for _, task := range e.watches {
		tasks = append(tasks, task)
	}
	e.mu.Unlock()
	for _, task := range tasks {
		task.stop()
	}
	e.cancel()
	e.wg.Wait()
}

// ActiveWatches returns the number of live watch tasks.
func (e *Engine) ActiveWatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

// startWatchLocked replaces the invoice's watch with one for its active target.
// Callers hold the invoice lock.
func (e *Engine) startWatchLocked(inv *invoice.Invoice) error {
	target := inv.Settlement
	rail, ok := e.rails[target.Method]
	if !ok {
		return &invoice.RailError{Method: target.Method, Op: "watch", Err: errors.New("rail not configured")}
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	task := &watchTask{invoiceID: inv.ID, targetID: target.ID, cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return ErrClosed
	}
	prev := e.watches[inv.ID]
	e.watches[inv.ID] = task
	e.wg.Add(1)
	e.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	events, err := rail.Watch(ctx, target)
	if err != nil {
		e.wg.Done()
		cancel()
		e.removeTask(task)
		return &invoice.RailError{Method: target.Method, Op: "watch", Err: err}
	}
	go e.consume(ctx, task, events)

	if target.Method == invoice.MethodOnchain && target.StaleAt != nil && !target.HasActivity() {
		e.armStaleness(task, *target.StaleAt)
	}
	e.reportWatches()
	return nil
}

func (e *Engine) consume(ctx context.Context, task *watchTask, events <-chan settlement.Event) {
	defer e.wg.Done()
	defer e.removeTask(task)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := e.HandleEvent(context.WithoutCancel(ctx), ev)
			switch {
			case err == nil:
			case errors.Is(err, invoice.ErrReconciliationRequired):
				e.logger.Info("rail event requires reconciliation",
					slog.String("invoice_id", ev.InvoiceID),
					slog.String("target_id", ev.TargetID),
					slog.Any("error", err))
			default:
				e.logger.Error("handle rail event",
					slog.String("invoice_id", ev.InvoiceID),
					slog.String("target_id", ev.TargetID),
					slog.String("kind", string(ev.Kind)),
					slog.Any("error", err))
			}
		}
	}
}

func (e *Engine) removeTask(task *watchTask) {
	e.mu.Lock()
	if current, ok := e.watches[task.invoiceID]; ok && current == task {
		delete(e.watches, task.invoiceID)
	}
	e.mu.Unlock()
	task.stop()
	e.reportWatches()
}

// retireWatch keeps the invoice's watch alive for after so late money movement
// is still surfaced, then stops it.
func (e *Engine) retireWatch(invoiceID string, after time.Duration) {
	e.mu.Lock()
	task := e.watches[invoiceID]
	e.mu.Unlock()
	if task == nil {
		return
	}
	if after <= 0 {
		task.stop()
		return
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.stale != nil {
		task.stale.Stop()
		task.stale = nil
	}
	if task.retire == nil {
		task.retire = time.AfterFunc(after, task.cancel)
	}
}

func (e *Engine) task(invoiceID string) *watchTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watches[invoiceID]
}

func (e *Engine) reportWatches() {
	if e.metrics != nil {
		e.metrics.SetActiveWatches(e.ActiveWatches())
	}
}

// transitionLocked applies a status change, records it and publishes it.
// Callers hold the invoice lock.
func (e *Engine) transitionLocked(ctx context.Context, inv *invoice.Invoice, to invoice.Status, reason string) (*invoice.Invoice, error) {
	entry, err := e.ledger.UpdateStatus(ctx, inv.ID, to, reason)
	if entry == nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTransition(entry.From, entry.To)
	}
	e.logger.Info("invoice transition",
		slog.String("invoice_id", inv.ID),
		slog.String("from", string(entry.From)),
		slog.String("to", string(entry.To)),
		slog.Uint64("sequence", entry.Sequence),
		slog.String("reason", reason))
	e.publish(ctx, inv, Notice{
		Kind:   NoticeTransition,
		From:   entry.From,
		To:     entry.To,
		Reason: reason,
		At:     entry.At,
	})
	if err != nil {
		return nil, err
	}
	return e.ledger.GetInvoice(ctx, inv.ID)
}

// publish hands a notice to the dispatcher. Callers hold the invoice lock so
// notices leave in the order their state changes were applied.
func (e *Engine) publish(ctx context.Context, inv *invoice.Invoice, n Notice) {
	n.InvoiceID = inv.ID
	n.Recipients = recipients(inv)
	n.NotificationURL = inv.NotificationURL
	if n.From == "" && n.Kind != NoticeTransition {
		n.From = inv.Status
	}
	if n.To == "" {
		n.To = inv.Status
	}
	if n.At.IsZero() {
		n.At = e.now()
	}
	if err := e.publisher.Publish(ctx, n); err != nil {
		e.logger.Warn("publish notice failed",
			slog.String("invoice_id", inv.ID),
			slog.String("kind", string(n.Kind)),
			slog.Any("error", err))
	}
}

func authorize(actor, owner, role string) error {
	if actor == "" {
		return nil
	}
	if owner == "" {
		return fmt.Errorf("%w: invoice has no %s", invoice.ErrForbidden, role)
	}
	if actor != owner {
		return fmt.Errorf("%w: only the %s may do this", invoice.ErrForbidden, role)
	}
	return nil
}
