package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"btcescrow/gateway/auth"
	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
)

// railCallback is what a rail transport posts when it observes money moving.
// AmountReceived is either a BTC decimal string or an integer of satoshis.
type railCallback struct {
	TargetID       string          `json:"targetId"`
	Event          string          `json:"event"`
	AmountReceived json.RawMessage `json:"amountReceived"`
	Confirmations  int             `json:"confirmations"`
	Timestamp      string          `json:"timestamp"`
}

func (c railCallback) notification() (settlement.Notification, error) {
	n := settlement.Notification{TargetID: strings.TrimSpace(c.TargetID), Confirmations: c.Confirmations}
	if n.TargetID == "" {
		return n, &invoice.ValidationError{Field: "targetId", Reason: "required"}
	}
	kind, err := settlement.ParseEventKind(strings.ToLower(strings.TrimSpace(c.Event)))
	if err != nil {
		return n, err
	}
	n.Kind = kind
	if c.Confirmations < 0 {
		return n, &invoice.ValidationError{Field: "confirmations", Reason: "must be non-negative"}
	}
	if raw := strings.TrimSpace(string(c.AmountReceived)); raw != "" && raw != "null" {
		sats, err := invoice.ParseReceived(strings.Trim(raw, `"`))
		if err != nil {
			return n, err
		}
		n.AmountSats = sats
	}
	at, err := parseTimestamp(c.Timestamp)
	if err != nil {
		return n, err
	}
	n.At = at
	return n, nil
}

// parseTimestamp accepts RFC 3339 or unix seconds. Empty leaves the time to
// the engine clock.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, &invoice.ValidationError{Field: "timestamp", Reason: "must be RFC 3339 or unix seconds"}
}

type callbackAck struct {
	Status   string `json:"status"`
	TargetID string `json:"targetId"`
	Detail   string `json:"detail,omitempty"`
}

// handleRailCallback forwards an authenticated rail notification to the
// engine. Notifications the engine cannot act on are still acknowledged so
// the transport stops redelivering them.
func (s *Server) handleRailCallback(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	method, err := invoice.ParseMethod(chi.URLParam(r, "method"))
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	var req railCallback
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, body, err)
		return
	}
	n, err := req.notification()
	if err != nil {
		s.fail(w, r, body, err)
		return
	}
	keyID := ""
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		keyID = principal.KeyID
	}
	logger := s.logger.With(
		slog.String("method", string(method)),
		slog.String("target_id", n.TargetID),
		slog.String("kind", string(n.Kind)),
		slog.String("key_id", keyID))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	err = s.engine.Notify(ctx, method, n)
	switch {
	case err == nil:
		s.respond(w, r, body, http.StatusAccepted, callbackAck{Status: "accepted", TargetID: n.TargetID})
	case errors.Is(err, settlement.ErrDuplicate):
		logger.Info("duplicate rail callback")
		s.respond(w, r, body, http.StatusAccepted, callbackAck{Status: "duplicate", TargetID: n.TargetID})
	case errors.Is(err, invoice.ErrNotFound):
		logger.Warn("rail callback for unknown target", slog.Int64("amount_sats", n.AmountSats))
		s.respond(w, r, body, http.StatusAccepted, callbackAck{Status: "unknown_target", TargetID: n.TargetID})
	case errors.Is(err, invoice.ErrValidation):
		logger.Warn("rail callback rejected", slog.Any("error", err))
		s.respond(w, r, body, http.StatusAccepted, callbackAck{Status: "ignored", TargetID: n.TargetID, Detail: err.Error()})
	default:
		logger.Error("rail callback failed", slog.Any("error", err))
		s.fail(w, r, body, err)
	}
}
