// Package auth authenticates rail backend callbacks with an HMAC signature
// over the request, a bounded timestamp skew and single-use nonces.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderKey       = "X-Rail-Key"
	HeaderTimestamp = "X-Rail-Timestamp"
	HeaderNonce     = "X-Rail-Nonce"
	HeaderSignature = "X-Rail-Signature"

	// MaxBodyForSignature bounds how much of a callback body is hashed.
	MaxBodyForSignature = 1 << 20

	maxTimestampSkew     = 5 * time.Minute
	defaultTimestampSkew = 2 * time.Minute
	defaultNonceTTL      = 10 * time.Minute
	pruneInterval        = time.Minute
)

// ErrUnauthorized is matched by every authentication failure.
var ErrUnauthorized = errors.New("callback unauthorized")

// Error describes why a callback was refused.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "callback unauthorized: " + e.Reason }

func (e *Error) Is(target error) bool { return target == ErrUnauthorized }

func deny(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Principal identifies the authenticated rail backend.
type Principal struct {
	KeyID string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSkew bounds the accepted clock difference. Values above five minutes
// are clamped.
func WithSkew(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.skew = d
		}
	}
}

// WithNonceTTL sets how long nonces are remembered. It never drops below the
// skew window.
func WithNonceTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.nonceTTL = d
		}
	}
}

// WithNonceStore replaces the in-memory nonce cache.
func WithNonceStore(store NonceStore) Option {
	return func(a *Authenticator) {
		if store != nil {
			a.nonces = store
		}
	}
}

// WithClock overrides the authenticator clock.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.nowFn = now
		}
	}
}

// Authenticator verifies signed callbacks.
type Authenticator struct {
	secrets  map[string][]byte
	skew     time.Duration
	nonceTTL time.Duration
	nonces   NonceStore
	nowFn    func() time.Time

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewAuthenticator builds an Authenticator over keyID to secret pairs.
func NewAuthenticator(secrets map[string]string, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		secrets:  make(map[string][]byte, len(secrets)),
		skew:     defaultTimestampSkew,
		nonceTTL: defaultNonceTTL,
		nowFn:    time.Now,
	}
	for k, v := range secrets {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			return nil, fmt.Errorf("auth: empty callback key or secret")
		}
		a.secrets[k] = []byte(v)
	}
	if len(a.secrets) == 0 {
		return nil, fmt.Errorf("auth: at least one callback secret required")
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.skew > maxTimestampSkew {
		a.skew = maxTimestampSkew
	}
	if a.nonceTTL < a.skew {
		a.nonceTTL = a.skew
	}
	if a.nonces == nil {
		a.nonces = NewMemoryNonces(0)
	}
	return a, nil
}

// Verify authenticates r whose body has already been read into body.
func (a *Authenticator) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, deny("body exceeds %d bytes", MaxBodyForSignature)
	}
	keyID := strings.TrimSpace(r.Header.Get(HeaderKey))
	if keyID == "" {
		return nil, deny("missing %s header", HeaderKey)
	}
	secret, ok := a.secrets[keyID]
	if !ok {
		return nil, deny("unknown key")
	}
	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	secs, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, deny("invalid %s header", HeaderTimestamp)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, deny("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, deny("missing %s header", HeaderNonce)
	}
	provided, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil || len(provided) == 0 {
		return nil, deny("invalid %s header", HeaderSignature)
	}
	expected := ComputeSignature(secret, rawTS, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(provided, expected) {
		return nil, deny("invalid signature")
	}
	if err := a.prune(r.Context(), now); err != nil {
		return nil, err
	}
	fresh, err := a.nonces.Reserve(r.Context(), keyID, nonce, now)
	if err != nil {
		return nil, fmt.Errorf("auth: record nonce: %w", err)
	}
	if !fresh {
		return nil, deny("nonce already used")
	}
	return &Principal{KeyID: keyID}, nil
}

func (a *Authenticator) prune(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < pruneInterval {
		return nil
	}
	if _, err := a.nonces.Prune(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

type principalKey struct{}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects unsigned or replayed callbacks with 401 and passes the
// verified request, body intact, to next.
func Middleware(a *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
			_ = r.Body.Close()
			if err != nil {
				writeDenied(w, http.StatusBadRequest, "unreadable body")
				return
			}
			principal, err := a.Verify(r, body)
			if err != nil {
				logger.Warn("rail callback rejected",
					slog.String("path", r.URL.Path),
					slog.String("key", r.Header.Get(HeaderKey)),
					slog.Any("error", err))
				if errors.Is(err, ErrUnauthorized) {
					writeDenied(w, http.StatusUnauthorized, err.Error())
				} else {
					writeDenied(w, http.StatusServiceUnavailable, "callback authentication unavailable")
				}
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}

// CanonicalRequestPath returns the path and sorted query used for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature returns HMAC-SHA256 over the request metadata and body.
func ComputeSignature(secret []byte, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path}, "\n")))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign sets the callback headers on req for body.
func Sign(req *http.Request, keyID, secret, nonce string, at time.Time, body []byte) {
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(HeaderKey, keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature([]byte(secret), ts, nonce, req.Method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}
