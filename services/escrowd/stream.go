package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"btcescrow/services/dispatch"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventStream upgrades to a websocket that replays the caller's events
// after the cursor and then streams live ones. A client that falls behind is
// closed with StatusTryAgainLater and reconnects from its last sequence.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	userID := subscriberID(r)
	sub, err := s.dispatcher.Subscribe(r.Context(), userID, after)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	defer sub.Close()

	patterns := s.origins
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// The stream is write only; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, sub); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrSlowConsumer):
			_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
		case errors.Is(err, dispatch.ErrClosed):
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		case websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled):
			s.logger.Debug("event stream ended", slog.String("user_id", userID), slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, sub *dispatch.Subscription) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt dispatch.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
