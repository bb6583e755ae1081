package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/services/webhook"
)

func transition(id string, from, to invoice.Status, recipients ...string) Event {
	return Event{
		InvoiceID:  id,
		Kind:       string(escrow.NoticeTransition),
		From:       from,
		To:         to,
		Recipients: recipients,
		At:         time.Unix(1700000000, 0),
	}
}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(context.Background(), NewMemoryLog(), opts...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestPublishAssignsSequences(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	a1, err := d.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice", "bob"))
	require.NoError(t, err)
	b1, err := d.Publish(ctx, transition("inv-b", "", invoice.StatusPending, "carol"))
	require.NoError(t, err)
	a2, err := d.Publish(ctx, transition("inv-a", invoice.StatusPending, invoice.StatusEscrowed, "alice", "bob"))
	require.NoError(t, err)

	require.Equal(t, []uint64{1, 2, 3}, []uint64{a1.Sequence, b1.Sequence, a2.Sequence})
	require.Equal(t, []uint64{1, 1, 2}, []uint64{a1.InvoiceSeq, b1.InvoiceSeq, a2.InvoiceSeq})
	require.Len(t, a1.ID, 64)
	require.NotEqual(t, a1.ID, a2.ID)
	require.Equal(t, eventID("inv-a", "transition", invoice.StatusEscrowed, 2), a2.ID)
	require.Equal(t, uint64(3), d.LastSequence())

	_, err = d.Publish(ctx, Event{Kind: "transition"})
	require.Error(t, err)
}

func TestDispatcherResumesSequenceFromLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	first, err := NewDispatcher(ctx, log)
	require.NoError(t, err)
	_, err = first.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice"))
	require.NoError(t, err)
	_, err = first.Publish(ctx, transition("inv-a", invoice.StatusPending, invoice.StatusFailed, "alice"))
	require.NoError(t, err)
	first.Close()

	second, err := NewDispatcher(ctx, log)
	require.NoError(t, err)
	defer second.Close()
	evt, err := second.Publish(ctx, transition("inv-a", invoice.StatusFailed, invoice.StatusPending, "alice"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), evt.Sequence)
	require.Equal(t, uint64(3), evt.InvoiceSeq)
}

func TestReplayFiltersByRecipient(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := d.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice"))
		require.NoError(t, err)
		_, err = d.Publish(ctx, transition("inv-b", "", invoice.StatusPending, "bob"))
		require.NoError(t, err)
	}

	events, err := d.Replay(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, evt := range events {
		require.Equal(t, "inv-a", evt.InvoiceID)
	}

	events, err = d.Replay(ctx, "alice", 3, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(5), events[0].Sequence)

	events, err = d.Replay(ctx, AllUsers, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 6)

	_, err = d.Replay(ctx, "", 0, 0)
	require.Error(t, err)
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	_, err := d.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice"))
	require.NoError(t, err)
	_, err = d.Publish(ctx, transition("inv-a", invoice.StatusPending, invoice.StatusEscrowed, "alice"))
	require.NoError(t, err)

	sub, err := d.Subscribe(ctx, "alice", 1)
	require.NoError(t, err)
	defer sub.Close()

	_, err = d.Publish(ctx, transition("inv-x", "", invoice.StatusPending, "mallory"))
	require.NoError(t, err)
	_, err = d.Publish(ctx, transition("inv-a", invoice.StatusEscrowed, invoice.StatusDelivered, "alice"))
	require.NoError(t, err)

	var got []uint64
	for len(got) < 2 {
		select {
		case evt := <-sub.Events():
			got = append(got, evt.Sequence)
		case <-time.After(time.Second):
			t.Fatal("subscription stalled")
		}
	}
	require.Equal(t, []uint64{2, 4}, got)
	require.Equal(t, 1, d.Subscribers())

	sub.Close()
	require.Equal(t, 0, d.Subscribers())
	require.NoError(t, sub.Err())
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	d := newTestDispatcher(t, WithBuffer(2))
	ctx := context.Background()
	sub, err := d.Subscribe(ctx, "alice", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := d.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice"))
		require.NoError(t, err)
	}

	var received int
	for range sub.Events() {
		received++
	}
	require.Equal(t, 2, received)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	require.Equal(t, 0, d.Subscribers())

	// Resuming from the cursor recovers the dropped event.
	resumed, err := d.Subscribe(ctx, "alice", 2)
	require.NoError(t, err)
	defer resumed.Close()
	evt := <-resumed.Events()
	require.Equal(t, uint64(3), evt.Sequence)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	d, err := NewDispatcher(context.Background(), NewMemoryLog())
	require.NoError(t, err)
	sub, err := d.Subscribe(context.Background(), "alice", 0)
	require.NoError(t, err)
	d.Close()

	_, open := <-sub.Events()
	require.False(t, open)
	require.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = d.Publish(context.Background(), transition("inv-a", "", invoice.StatusPending, "alice"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = d.Subscribe(context.Background(), "alice", 0)
	require.ErrorIs(t, err, ErrClosed)
	d.Close()
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return c.fail
}

func (c *captureSink) sequences() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Sequence)
	}
	return out
}

func TestSinksReceiveEventsInOrder(t *testing.T) {
	ok := &captureSink{}
	failing := &captureSink{fail: errors.New("down")}
	d, err := NewDispatcher(context.Background(), NewMemoryLog(), WithSinks(ok, failing, nil))
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := d.Publish(ctx, transition("inv-a", "", invoice.StatusPending, "alice"))
		require.NoError(t, err)
	}
	d.Close()
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, ok.sequences())
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, failing.sequences())
}

func TestPublisherAdaptsNotices(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	pub := d.Publisher()
	err := pub.Publish(ctx, escrow.Notice{
		InvoiceID:       "inv-a",
		Kind:            escrow.NoticePayout,
		To:              invoice.StatusAccepted,
		Recipients:      []string{"alice", "bob"},
		NotificationURL: "https://merchant.example/hook",
		Attributes:      map[string]string{"payee_sats": "4750000"},
	})
	require.NoError(t, err)

	events, err := d.Replay(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "payout", events[0].Kind)
	require.Equal(t, "4750000", events[0].Attributes["payee_sats"])
	require.Equal(t, "https://merchant.example/hook", events[0].NotifyURL)
	require.False(t, events[0].At.IsZero())
}

func TestWebhookSinkEnqueuesWhenURLSet(t *testing.T) {
	queue := webhook.NewQueue()
	sink := NewWebhookSink(queue)
	evt := transition("inv-a", invoice.StatusPending, invoice.StatusEscrowed, "alice")
	require.NoError(t, sink.Deliver(context.Background(), evt))
	require.Equal(t, 0, queue.Len())

	evt.NotifyURL = "https://merchant.example/hook"
	evt.Sequence = 7
	evt.ID = "abc"
	require.NoError(t, sink.Deliver(context.Background(), evt))
	require.Equal(t, 1, queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "https://merchant.example/hook", task.URL)
	require.Equal(t, "escrowed", task.Event.To)
	require.Equal(t, "pending", task.Event.From)
	require.Equal(t, uint64(7), task.Event.Sequence)
	require.Equal(t, "transition", task.Event.Type)
}

type fakeRedis struct {
	mu       sync.Mutex
	messages map[string][]string
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]string)
	}
	f.messages[channel] = append(f.messages[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func TestRedisSinkPublishesPerRecipient(t *testing.T) {
	client := &fakeRedis{}
	sink := NewRedisSink(client, "escrow.events.")
	evt := transition("inv-a", invoice.StatusPending, invoice.StatusEscrowed, "alice", "bob")
	evt.Sequence = 9
	require.NoError(t, sink.Deliver(context.Background(), evt))

	require.Len(t, client.messages["escrow.events.alice"], 1)
	require.Len(t, client.messages["escrow.events.bob"], 1)
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(client.messages["escrow.events.bob"][0]), &decoded))
	require.Equal(t, uint64(9), decoded.Sequence)
	require.Equal(t, invoice.StatusEscrowed, decoded.To)

	client.err = errors.New("connection refused")
	require.Error(t, sink.Deliver(context.Background(), evt))
	require.Equal(t, "btcescrow.events.x", NewRedisSink(client, "").Channel("x"))
}
