// Package escrowd is the escrow daemon: configuration, the merchant and
// operator HTTP API, rail callback ingestion, the live event stream, the
// daily reconciliation export and process wiring.
package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"btcescrow/gateway/auth"
	"btcescrow/gateway/middleware"
	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
	"btcescrow/services/dispatch"
	"btcescrow/storage/idempotency"
)

const (
	maxRequestBody       = 1 << 20
	headerIdempotencyKey = "Idempotency-Key"
	requestTimeout       = 15 * time.Second
	// Minting may retry the backend for up to 30s.
	mintTimeout = 45 * time.Second

	defaultReplayLimit = 100
	maxReplayLimit     = 1000
)

// Rate limited routes. The names are the keys of Config.RateLimits.
const (
	routeCreateInvoice = "invoices.create"
	routeCallback      = "rails.callback"
	routeSimulate      = "admin.simulate"
)

// Simulator injects payments into the simulated rail backend.
type Simulator interface {
	Pay(targetID string, amountSats int64) (invoice.Method, settlement.Notification, error)
	Confirm(targetID string, confirmations int) (invoice.Method, settlement.Notification, error)
}

// Options carries the collaborators of a Server. Engine, Dispatcher and
// Tokens are required.
type Options struct {
	Engine         *escrow.Engine
	Dispatcher     *dispatch.Dispatcher
	Idempotency    *idempotency.Store
	Reporter       *Reporter
	Simulator      Simulator
	Tokens         *middleware.Authenticator
	Callbacks      *auth.Authenticator
	Limiter        *middleware.RateLimiter
	Observability  *middleware.Observability
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Server exposes the escrow engine over HTTP.
type Server struct {
	engine     *escrow.Engine
	dispatcher *dispatch.Dispatcher
	store      *idempotency.Store
	reporter   *Reporter
	simulator  Simulator
	tokens     *middleware.Authenticator
	callbacks  *auth.Authenticator
	limiter    *middleware.RateLimiter
	obs        *middleware.Observability
	gatherer   prometheus.Gatherer
	origins    []string
	logger     *slog.Logger
	nowFn      func() time.Time
}

// NewServer validates opts and returns a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("escrowd: engine required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("escrowd: dispatcher required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("escrowd: token authenticator required")
	}
	s := &Server{
		engine:     opts.Engine,
		dispatcher: opts.Dispatcher,
		store:      opts.Idempotency,
		reporter:   opts.Reporter,
		simulator:  opts.Simulator,
		tokens:     opts.Tokens,
		callbacks:  opts.Callbacks,
		limiter:    opts.Limiter,
		obs:        opts.Observability,
		gatherer:   opts.Gatherer,
		origins:    opts.AllowedOrigins,
		logger:     opts.Logger,
		nowFn:      opts.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	return s, nil
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.obs != nil {
		r.Use(s.obs.Handler)
	}
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.callbacks != nil {
			chain := alice.New(auth.Middleware(s.callbacks, s.logger), s.limit(routeCallback))
			r.Method(http.MethodPost, "/rails/{method}/callback", chain.ThenFunc(s.handleRailCallback))
		}

		r.Group(func(r chi.Router) {
			r.Use(s.tokens.Middleware())
			r.With(s.limit(routeCreateInvoice)).Post("/invoices", s.handleCreateInvoice)
			r.Get("/invoices/{id}", s.handleGetInvoice)
			r.Get("/invoices/{id}/history", s.handleHistory)
			r.Post("/invoices/{id}/payment-method", s.handleSelectMethod)
			r.Post("/invoices/{id}/deliver", s.handleDeliver)
			r.Post("/invoices/{id}/accept", s.handleAccept)
			r.Post("/invoices/{id}/dispute", s.handleDispute)
			r.Post("/invoices/{id}/cancel", s.handleCancel)
			r.Post("/invoices/{id}/retry", s.handleRetry)
			r.Get("/events", s.handleEvents)
			r.Get("/events/stream", s.handleEventStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.tokens.Middleware(middleware.ScopeOperator))
			r.Post("/admin/invoices/{id}/reconcile", s.handleReconcile)
			r.Post("/admin/invoices/{id}/fail", s.handleFail)
			r.Post("/admin/invoices/{id}/payout/resume", s.handleResumePayout)
			r.Get("/admin/reports", s.handleReport)
			r.With(s.limit(routeSimulate)).Post("/admin/simulate", s.handleSimulate)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", headerIdempotencyKey},
		AllowCredentials: true,
	})
	return otelhttp.NewHandler(c.Handler(r), "escrowd")
}

func (s *Server) limit(route string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(route)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, nil, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"activeWatches": s.engine.ActiveWatches(),
		"subscribers":   s.dispatcher.Subscribers(),
		"lastSequence":  s.dispatcher.LastSequence(),
	})
}

type createInvoiceRequest struct {
	ProjectTitle    string      `json:"projectTitle"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	Note            string      `json:"note"`
	NotificationURL string      `json:"notificationUrl"`
	PayeeID         string      `json:"payeeId"`
}

type createInvoiceResponse struct {
	InvoiceID  string         `json:"invoiceId"`
	Status     invoice.Status `json:"status"`
	AmountSats int64          `json:"amountSats"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	id := identity(r)
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := idempotency.HashRequest(r.Method, r.URL.Path, body)
	if key != "" && s.store != nil {
		cached, err := s.store.Lookup(r.Context(), id.UserID, key, requestHash)
		if err != nil {
			s.fail(w, r, body, err)
			return
		}
		if cached != nil {
			s.write(w, r, body, cached.Status, cached.Body)
			return
		}
	}

	var req createInvoiceRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, body, err)
		return
	}
	if strings.TrimSpace(req.PayeeID) == "" {
		s.fail(w, r, body, &invoice.ValidationError{Field: "payeeId", Reason: "payee is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	inv, err := s.engine.CreateInvoice(ctx, invoice.CreateRequest{
		Title:           req.ProjectTitle,
		Amount:          req.Amount.String(),
		Currency:        req.Currency,
		Note:            req.Note,
		PayerID:         id.UserID,
		PayeeID:         req.PayeeID,
		NotificationURL: req.NotificationURL,
	})
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	payload := encodeJSON(createInvoiceResponse{InvoiceID: inv.ID, Status: inv.Status, AmountSats: inv.AmountSats})
	if key != "" && s.store != nil {
		if err := s.store.Save(r.Context(), id.UserID, key, requestHash, http.StatusCreated, payload); err != nil {
			s.logger.Error("save idempotency key failed", slog.String("invoice_id", inv.ID), slog.Any("error", err))
		}
	}
	s.write(w, r, body, http.StatusCreated, payload)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.visibleInvoice(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	s.respond(w, r, nil, http.StatusOK, inv)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	inv, err := s.visibleInvoice(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	history, err := s.engine.Ledger().History(r.Context(), inv.ID)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	s.respond(w, r, nil, http.StatusOK, map[string]interface{}{
		"invoiceId":   inv.ID,
		"status":      inv.Status,
		"transitions": history,
	})
}

// visibleInvoice loads the invoice named in the path for its payer, its
// payee or an operator.
func (s *Server) visibleInvoice(r *http.Request) (*invoice.Invoice, error) {
	inv, err := s.engine.Ledger().GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	id := identity(r)
	if id.HasScope(middleware.ScopeOperator) || id.UserID == inv.PayerID || id.UserID == inv.PayeeID {
		return inv, nil
	}
	return nil, fmt.Errorf("%w: invoice belongs to other users", invoice.ErrForbidden)
}

type selectMethodRequest struct {
	Method string `json:"method"`
}

func (s *Server) handleSelectMethod(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	var req selectMethodRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, body, err)
		return
	}
	method, err := invoice.ParseMethod(req.Method)
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mintTimeout)
	defer cancel()
	target, err := s.engine.SelectMethod(ctx, chi.URLParam(r, "id"), method, identity(r).UserID)
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	s.respond(w, r, body, http.StatusOK, target)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, _ []byte) (interface{}, error) {
		return s.engine.MarkDelivered(ctx, id, actor)
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, _ []byte) (interface{}, error) {
		split, err := s.engine.AcceptDelivery(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"invoiceId":   id,
			"status":      invoice.StatusAccepted,
			"payoutSplit": split,
		}, nil
	})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, body []byte) (interface{}, error) {
		var req disputeRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.RaiseDispute(ctx, id, actor, req.Reason)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, _ []byte) (interface{}, error) {
		return s.engine.Cancel(ctx, id, actor)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, _ []byte) (interface{}, error) {
		return s.engine.Retry(ctx, id, actor)
	})
}

type lifecycleFunc func(ctx context.Context, invoiceID, actor string, body []byte) (interface{}, error)

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	out, err := fn(ctx, chi.URLParam(r, "id"), identity(r).UserID, body)
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	s.respond(w, r, body, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	limit := defaultReplayLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, r, nil, &invoice.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}
	events, err := s.dispatcher.Replay(r.Context(), subscriberID(r), after, limit)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	s.respond(w, r, nil, http.StatusOK, map[string]interface{}{
		"events": events,
		"cursor": next,
	})
}

// subscriberID is the caller, or every user for operators asking for all.
func subscriberID(r *http.Request) string {
	id := identity(r)
	if id.HasScope(middleware.ScopeOperator) && r.URL.Query().Get("all") == "true" {
		return dispatch.AllUsers
	}
	return id.UserID
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &invoice.ValidationError{Field: "after", Reason: "must be a non-negative integer"}
	}
	return after, nil
}

func identity(r *http.Request) middleware.Identity {
	id, _ := middleware.IdentityFromContext(r.Context())
	return id
}

func decodeBody(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &invoice.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	return nil
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, &invoice.ValidationError{Field: "body", Reason: err.Error()}
	}
	if len(data) > maxRequestBody {
		return nil, &invoice.ValidationError{Field: "body", Reason: fmt.Sprintf("request body exceeds %d bytes", maxRequestBody)}
	}
	return data, nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, v interface{}) {
	s.write(w, r, requestBody, status, encodeJSON(v))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, requestBody []byte, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	s.write(w, r, requestBody, status, encodeJSON(body))
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	if r.Method != http.MethodGet {
		s.audit(r, requestBody, status, payload)
	}
}

func (s *Server) audit(r *http.Request, requestBody []byte, status int, responseBody []byte) {
	if s.store == nil {
		return
	}
	user := identity(r).UserID
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		user = "rail:" + principal.KeyID
	}
	entry := idempotency.AuditEntry{
		UserID:         user,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAudit(context.WithoutCancel(r.Context()), entry); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit insert failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}
