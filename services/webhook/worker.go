package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"btcescrow/observability/logging"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Webhook-Signature"

	defaultMaxAttempts = 5
	maxBackoff         = 5 * time.Minute
)

// Attempt is one recorded delivery attempt.
type Attempt struct {
	EventID     string
	InvoiceID   string
	URL         string
	Attempt     int
	Status      string
	Error       string
	NextAttempt time.Time
	CreatedAt   time.Time
}

// AttemptRecorder persists delivery attempts for operators.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Config tunes the delivery worker.
type Config struct {
	Secret      string
	MaxAttempts int
	RateLimit   int
	Timeout     time.Duration
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WorkerOption {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// WithRecorder persists attempts through r.
func WithRecorder(r AttemptRecorder) WorkerOption {
	return func(w *Worker) { w.recorder = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the worker clock.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.nowFn = now
		}
	}
}

// WithBackoffBase overrides the first retry delay.
func WithBackoffBase(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoffBase = d
		}
	}
}

// Worker delivers queued events as signed JSON POSTs, retrying with
// exponential backoff.
type Worker struct {
	cfg         Config
	queue       *Queue
	limiter     *RateLimiter
	client      *http.Client
	recorder    AttemptRecorder
	logger      *slog.Logger
	nowFn       func() time.Time
	backoffBase time.Duration
}

// NewWorker constructs a worker draining queue.
func NewWorker(cfg Config, queue *Queue, opts ...WorkerOption) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	w := &Worker{
		cfg:         cfg,
		queue:       queue,
		limiter:     NewRateLimiter(),
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      slog.Default(),
		nowFn:       time.Now,
		backoffBase: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.deliver(ctx, task)
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	now := w.nowFn()
	key := destinationKey(task.URL)
	if !w.limiter.Allow(key, w.cfg.RateLimit, now) {
		task.NotBefore = w.limiter.ResetAt(key, now)
		w.queue.push(task)
		return
	}
	payload, err := json.Marshal(task.Event)
	if err != nil {
		w.record(ctx, task, "error", err.Error(), time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(payload))
	if err != nil {
		w.record(ctx, task, "error", err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, payload))
	req.Header.Set("X-Webhook-Event", task.Event.Type)
	req.Header.Set("X-Webhook-Id", task.Event.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.record(ctx, task, "success", "", time.Time{})
}

func (w *Worker) retryLater(ctx context.Context, task Task, reason string) {
	attempt := task.Attempt + 1
	if attempt >= w.cfg.MaxAttempts {
		w.record(ctx, task, "abandoned", reason, time.Time{})
		w.logger.Warn("webhook delivery abandoned",
			slog.String("event_id", task.Event.ID),
			slog.String("invoice_id", task.Event.InvoiceID),
			logging.MaskField("url", task.URL),
			slog.Int("attempts", attempt),
			slog.String("error", reason))
		return
	}
	next := w.nowFn().Add(w.backoff(attempt))
	w.record(ctx, task, "failed", reason, next)
	task.Attempt = attempt
	task.NotBefore = next
	w.queue.push(task)
}

func (w *Worker) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoffBase << uint(attempt-1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (w *Worker) record(ctx context.Context, task Task, status, errMsg string, next time.Time) {
	if w.recorder == nil {
		return
	}
	err := w.recorder.RecordAttempt(ctx, Attempt{
		EventID:     task.Event.ID,
		InvoiceID:   task.Event.InvoiceID,
		URL:         task.URL,
		Attempt:     task.Attempt + 1,
		Status:      status,
		Error:       errMsg,
		NextAttempt: next,
		CreatedAt:   w.nowFn().UTC(),
	})
	if err != nil {
		w.logger.Warn("record webhook attempt", slog.Any("error", err))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

func destinationKey(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
