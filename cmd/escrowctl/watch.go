package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const (
	watchPongWait   = 90 * time.Second
	watchReconnect  = 2 * time.Second
	watchMaxRetries = 5
)

type streamEvent struct {
	Sequence  uint64    `json:"sequence"`
	InvoiceID string    `json:"invoiceId"`
	Kind      string    `json:"kind"`
	From      string    `json:"fromStatus"`
	To        string    `json:"toStatus"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

func (e streamEvent) line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", e.Sequence, e.At.UTC().Format(time.RFC3339), e.InvoiceID)
	fmt.Fprintf(&b, " %s", e.Kind)
	if e.To != "" {
		fmt.Fprintf(&b, " %s->%s", e.From, e.To)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	return b.String()
}

// runWatch follows the event stream, reconnecting from the last sequence it
// printed when the server drops a slow or restarting subscriber.
func runWatch(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	var after uint64
	var all, raw bool
	var limit int
	fs.Uint64Var(&after, "after", 0, "start after this sequence")
	fs.BoolVar(&all, "all", false, "every user's events (operator)")
	fs.BoolVar(&raw, "json", false, "print raw JSON events")
	fs.IntVar(&limit, "max", 0, "exit after this many events; 0 streams until interrupted")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	w := &watcher{client: c, all: all, raw: raw, max: limit, cursor: after, stdout: stdout}
	failures := 0
	for {
		err := w.stream(stop)
		switch {
		case err == nil, errors.Is(err, errWatchDone):
			return 0
		case websocket.IsCloseError(err, websocket.CloseTryAgainLater, websocket.CloseGoingAway):
			fmt.Fprintf(stderr, "stream closed (%v); resuming after #%d\n", err, w.cursor)
		default:
			failures++
			if failures > watchMaxRetries {
				return printError(stderr, err.Error())
			}
			fmt.Fprintf(stderr, "stream error: %v; retrying\n", err)
		}
		select {
		case <-stop:
			return 0
		case <-time.After(watchReconnect):
		}
	}
}

var errWatchDone = errors.New("watch finished")

type watcher struct {
	client *client
	all    bool
	raw    bool
	max    int
	seen   int
	cursor uint64
	stdout io.Writer

	stopped atomic.Bool
}

func (w *watcher) streamURL() (string, error) {
	u, err := url.Parse(w.client.baseURL + "/v1/events/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("after", strconv.FormatUint(w.cursor, 10))
	if w.all {
		q.Set("all", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *watcher) stream(stop <-chan os.Signal) error {
	target, err := w.streamURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.client.token)
	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: HTTP %d", target, resp.StatusCode)
		}
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stop:
			w.stopped.Store(true)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.stopped.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(watchPongWait))
		var evt streamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if evt.Sequence <= w.cursor {
			continue
		}
		w.cursor = evt.Sequence
		if w.raw {
			fmt.Fprintln(w.stdout, string(data))
		} else {
			fmt.Fprintln(w.stdout, evt.line())
		}
		w.seen++
		if w.max > 0 && w.seen >= w.max {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return errWatchDone
		}
	}
}
