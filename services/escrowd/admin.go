package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
	"btcescrow/services/simrail"
)

type reconcileRequest struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, body []byte) (interface{}, error) {
		var req reconcileRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		s.logger.Info("operator reconciliation",
			slog.String("invoice_id", id),
			slog.String("operator", actor),
			slog.Bool("accept", req.Accept))
		return s.engine.ResolveReconciliation(ctx, id, escrow.Decision{Accept: req.Accept, Note: req.Note})
	})
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, actor string, body []byte) (interface{}, error) {
		var req failRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Reason) == "" {
			return nil, &invoice.ValidationError{Field: "reason", Reason: "required"}
		}
		s.logger.Info("operator failed invoice", slog.String("invoice_id", id), slog.String("operator", actor))
		return s.engine.Fail(ctx, id, req.Reason)
	})
}

func (s *Server) handleResumePayout(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, id, _ string, _ []byte) (interface{}, error) {
		split, err := s.engine.ResumePayout(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"invoiceId": id, "payoutSplit": split}, nil
	})
}

// handleReport writes the reconciliation export for ?date=YYYY-MM-DD, the
// previous UTC day by default, and returns its summary.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		s.fail(w, r, nil, &invoice.NotFoundError{Kind: "reporter", ID: "reports"})
		return
	}
	day := s.nowFn().UTC().AddDate(0, 0, -1)
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(reportDateLayout, raw)
		if err != nil {
			s.fail(w, r, nil, &invoice.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	report, err := s.reporter.Generate(r.Context(), day)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	s.respond(w, r, nil, http.StatusOK, report)
}

// simulateRequest drives the simulated backend. Action is "pay" or
// "confirm"; Amount accepts the same formats as rail callbacks and defaults
// to the requested amount.
type simulateRequest struct {
	TargetID      string `json:"targetId"`
	Action        string `json:"action"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if s.simulator == nil {
		s.fail(w, r, nil, &invoice.NotFoundError{Kind: "simulator", ID: "simulated backend"})
		return
	}
	s.lifecycle(w, r, func(ctx context.Context, _, actor string, body []byte) (interface{}, error) {
		var req simulateRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		var (
			method invoice.Method
			n      settlement.Notification
			err    error
		)
		switch strings.ToLower(strings.TrimSpace(req.Action)) {
		case "pay":
			sats, perr := invoice.ParseReceived(req.Amount)
			if perr != nil {
				return nil, perr
			}
			method, n, err = s.simulator.Pay(req.TargetID, sats)
		case "confirm":
			method, n, err = s.simulator.Confirm(req.TargetID, req.Confirmations)
		default:
			return nil, &invoice.ValidationError{Field: "action", Reason: fmt.Sprintf("unsupported action %q", req.Action)}
		}
		if err != nil {
			return nil, asNotFound(err, req.TargetID)
		}
		s.logger.Info("simulated rail event",
			slog.String("target_id", n.TargetID),
			slog.String("kind", string(n.Kind)),
			slog.String("operator", actor))
		if err := s.engine.Notify(ctx, method, n); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"targetId":      n.TargetID,
			"method":        method,
			"event":         n.Kind,
			"amountSats":    n.AmountSats,
			"confirmations": n.Confirmations,
		}, nil
	})
}

// asNotFound maps the simulator's unknown target error onto the ledger's
// not found error so it becomes a 404.
func asNotFound(err error, targetID string) error {
	if errors.Is(err, simrail.ErrUnknownTarget) {
		return &invoice.NotFoundError{Kind: "payment target", ID: targetID}
	}
	return err
}
