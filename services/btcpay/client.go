// Package btcpay is a rail backend speaking the BTCPay Server Greenfield API.
// It mints Lightning invoices and receive addresses for the settlement rails
// and submits payouts for the splitter.
package btcpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/native/settlement"
	"btcescrow/observability/logging"
)

const (
	cryptoCode         = "BTC"
	maxResponseBytes   = 1 << 20
	defaultHTTPTimeout = 10 * time.Second
)

// Config carries the server URL, store and API key. Nothing is read from the
// environment here.
type Config struct {
	BaseURL string
	StoreID string
	APIKey  string
	Timeout time.Duration
	// ReadRetry bounds retries of idempotent reads. Writes are retried by
	// the caller.
	ReadRetry time.Duration
}

// APIError is a non-2xx Greenfield response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("btcpay: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("btcpay: %d: %s", e.Status, e.Message)
}

// Is treats client errors other than timeouts and throttling as permanent.
func (e *APIError) Is(target error) bool {
	if target != settlement.ErrRejected {
		return false
	}
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements settlement.Backend and payout.Transferer.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.StoreID = strings.TrimSpace(cfg.StoreID)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" || cfg.StoreID == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("btcpay: base url, store id and api key are required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("btcpay: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.ReadRetry <= 0 {
		cfg.ReadRetry = 15 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type lightningInvoiceRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Expiry      int64  `json:"expiry"`
}

type lightningInvoiceResponse struct {
	ID        string `json:"id"`
	BOLT11    string `json:"BOLT11"`
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expiresAt"`
}

// CreateLightningInvoice implements settlement.Backend.
func (c *Client) CreateLightningInvoice(ctx context.Context, req settlement.LightningRequest) (*settlement.LightningInvoice, error) {
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", settlement.ErrRejected)
	}
	body := lightningInvoiceRequest{
		// Greenfield lightning amounts are millisatoshi strings.
		Amount:      strconv.FormatInt(req.AmountSats*1000, 10),
		Description: req.Memo,
		Expiry:      int64(req.Expiry / time.Second),
	}
	var out lightningInvoiceResponse
	if err := c.do(ctx, http.MethodPost, c.storePath("lightning", cryptoCode, "invoices"), nil, body, &out); err != nil {
		return nil, err
	}
	minted := &settlement.LightningInvoice{ID: out.ID, PaymentRequest: out.BOLT11}
	if out.ExpiresAt > 0 {
		minted.ExpiresAt = time.Unix(out.ExpiresAt, 0).UTC()
	}
	return minted, nil
}

type addressResponse struct {
	Address string `json:"address"`
	KeyPath string `json:"keyPath"`
}

// NewAddress implements settlement.Backend. The address doubles as the target
// id since the wallet never reuses it.
func (c *Client) NewAddress(ctx context.Context, label string) (*settlement.OnchainAddress, error) {
	query := url.Values{"forceGenerate": []string{"true"}}
	var out addressResponse
	if err := c.do(ctx, http.MethodGet, c.storePath("payment-methods", "onchain", cryptoCode, "wallet", "address"), query, nil, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("btcpay address allocated",
		slog.String("label", label),
		slog.String("address", logging.MaskDestination(out.Address)),
		slog.String("key_path", out.KeyPath))
	return &settlement.OnchainAddress{ID: out.Address, Address: out.Address}, nil
}

type payoutRequest struct {
	Destination    string            `json:"destination"`
	Amount         string            `json:"amount"`
	PayoutMethodID string            `json:"payoutMethodId"`
	Approved       bool              `json:"approved"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type payoutResponse struct {
	ID       string            `json:"id"`
	State    string            `json:"state"`
	Metadata map[string]string `json:"metadata"`
}

// Transfer implements payout.Transferer. The idempotency key travels in the
// payout metadata and is looked up before submitting, so a retried leg
// returns the payout created by the first attempt.
func (c *Client) Transfer(ctx context.Context, t payout.Transfer) (string, error) {
	if t.AmountSats <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", settlement.ErrRejected)
	}
	if strings.TrimSpace(t.IdempotencyKey) == "" {
		return "", fmt.Errorf("%w: idempotency key required", settlement.ErrRejected)
	}
	existing, err := c.findPayout(ctx, t.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	req := payoutRequest{
		Destination:    t.Destination,
		Amount:         invoice.FormatBTC(t.AmountSats),
		PayoutMethodID: payoutMethod(t.Method),
		Approved:       true,
		Metadata: map[string]string{
			"idempotencyKey": t.IdempotencyKey,
			"invoiceId":      t.InvoiceID,
			"leg":            string(t.Leg),
		},
	}
	var out payoutResponse
	if err := c.do(ctx, http.MethodPost, c.storePath("payouts"), nil, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("btcpay: payout response carried no id")
	}
	return out.ID, nil
}

func (c *Client) findPayout(ctx context.Context, key string) (string, error) {
	var payouts []payoutResponse
	op := func() error {
		err := c.do(ctx, http.MethodGet, c.storePath("payouts"), nil, nil, &payouts)
		if errors.Is(err, settlement.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.cfg.ReadRetry
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	for _, p := range payouts {
		if p.Metadata["idempotencyKey"] == key && !strings.EqualFold(p.State, "Cancelled") {
			return p.ID, nil
		}
	}
	return "", nil
}

func payoutMethod(m invoice.Method) string {
	if m == invoice.MethodLightning {
		return cryptoCode + "-LN"
	}
	return cryptoCode + "-CHAIN"
}

func (c *Client) storePath(parts ...string) string {
	segments := append([]string{"api", "v1", "stores", url.PathEscape(c.cfg.StoreID)}, parts...)
	return "/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("btcpay: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("btcpay: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("btcpay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("btcpay: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("btcpay: decode response: %w", err)
	}
	return nil
}

// decodeError understands both the single error object and the validation
// error array Greenfield returns.
func decodeError(status int, raw []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var single struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Message != "" {
		apiErr.Code = single.Code
		apiErr.Message = single.Message
		return apiErr
	}
	var fields []struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil && len(fields) > 0 {
		msgs := make([]string, 0, len(fields))
		for _, f := range fields {
			msgs = append(msgs, f.Path+": "+f.Message)
		}
		apiErr.Code = "validation-error"
		apiErr.Message = strings.Join(msgs, "; ")
	}
	return apiErr
}
