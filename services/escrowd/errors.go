package escrowd

import (
	"encoding/json"
	"errors"
	"net/http"

	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/services/dispatch"
	"btcescrow/storage/idempotency"
)

type errorBody struct {
	Error          string                `json:"error"`
	Code           string                `json:"code"`
	Split          *invoice.PayoutSplit  `json:"payoutSplit,omitempty"`
	Reconciliation *reconciliationDetail `json:"reconciliation,omitempty"`
}

type reconciliationDetail struct {
	Reason       string `json:"reason"`
	ExpectedSats int64  `json:"expectedSats"`
	ReceivedSats int64  `json:"receivedSats"`
}

// classify maps engine errors onto an HTTP status and a stable code.
func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var released *invoice.AlreadyReleasedError
	var recon *invoice.ReconciliationError
	switch {
	case errors.As(err, &released):
		split := released.Split
		body.Code = "already_released"
		body.Split = &split
		return http.StatusConflict, body
	case errors.As(err, &recon):
		body.Code = "reconciliation_required"
		body.Reconciliation = &reconciliationDetail{Reason: recon.Reason, ExpectedSats: recon.ExpectedSats, ReceivedSats: recon.ReceivedSats}
		return http.StatusConflict, body
	case errors.Is(err, invoice.ErrValidation):
		body.Code = "validation"
		return http.StatusBadRequest, body
	case errors.Is(err, invoice.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, invoice.ErrForbidden):
		body.Code = "forbidden"
		return http.StatusForbidden, body
	case errors.Is(err, invoice.ErrReconciliationRequired):
		body.Code = "reconciliation_required"
		return http.StatusConflict, body
	case errors.Is(err, invoice.ErrInvalidTransition):
		body.Code = "invalid_transition"
		return http.StatusConflict, body
	case errors.Is(err, payout.ErrDisputed):
		body.Code = "disputed"
		return http.StatusConflict, body
	case errors.Is(err, invoice.ErrConflict):
		body.Code = "conflict"
		return http.StatusConflict, body
	case errors.Is(err, idempotency.ErrMismatch):
		body.Code = "idempotency_mismatch"
		return http.StatusConflict, body
	case errors.Is(err, invoice.ErrRailUnavailable):
		body.Code = "rail_unavailable"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, escrow.ErrClosed), errors.Is(err, dispatch.ErrClosed):
		body.Code = "unavailable"
		return http.StatusServiceUnavailable, body
	default:
		body.Error = "internal error"
		body.Code = "internal"
		return http.StatusInternalServerError, body
	}
}

func encodeJSON(v interface{}) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"encode response","code":"internal"}`)
	}
	return payload
}
