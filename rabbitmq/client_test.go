package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/angache/benalsam-sync-bridge/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryCountFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "nil headers", headers: nil, want: 0},
		{name: "missing header", headers: amqp.Table{"other": 1}, want: 0},
		{name: "int32 value", headers: amqp.Table{retryCountHeader: int32(2)}, want: 2},
		{name: "int64 value", headers: amqp.Table{retryCountHeader: int64(3)}, want: 3},
		{name: "int value", headers: amqp.Table{retryCountHeader: 1}, want: 1},
		{name: "float64 value", headers: amqp.Table{retryCountHeader: float64(4)}, want: 4},
		{name: "unexpected type", headers: amqp.Table{retryCountHeader: "2"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, retryCountFrom(tt.headers))
		})
	}
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	t.Parallel()

	base := 4 * time.Second
	for i := 0; i < 100; i++ {
		got := jittered(base)
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+base/4)
	}
}

func TestDoubled_CapsAtMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2*time.Second, doubled(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, doubled(16*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, doubled(30*time.Second, 30*time.Second))
}

func TestDeliveryMode_DefaultsToPersistent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, amqp.Persistent, deliveryMode(0))
	assert.Equal(t, amqp.Transient, deliveryMode(amqp.Transient))
}

// logCapture records the queue attr of every error-level record so
// tests can see which consumers a resubscribe pass touched.
type logCapture struct {
	mu     sync.Mutex
	queues []string
}

func (h *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (h *logCapture) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "queue" {
			h.mu.Lock()
			h.queues = append(h.queues, a.Value.String())
			h.mu.Unlock()
		}
		return true
	})
	return nil
}

func (h *logCapture) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logCapture) WithGroup(string) slog.Handler      { return h }

func TestResubscribe_SkipsCancelledConsumers(t *testing.T) {
	t.Parallel()

	capture := &logCapture{}
	cfg := config.RabbitMQ{ConsumeMaxRetries: 3}
	c, ok := NewClient(cfg, WithLogger(slog.New(capture))).(*client)
	require.True(t, ok)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	handler := func(context.Context, amqp.Delivery) error { return nil }
	c.mu.Lock()
	c.consumers = []consumerEntry{
		{ctx: cancelled, queue: "stale_queue", handler: handler},
		{ctx: context.Background(), queue: "live_queue", handler: handler},
	}
	c.mu.Unlock()

	c.resubscribe()

	// only the live consumer is attempted; with no channel the attempt
	// fails and is logged for that queue alone
	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, []string{"live_queue"}, capture.queues)
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks []bool // requeue flag per nack
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { return nil }

type recordingHandler struct {
	DefaultResponseHandler
	mu          sync.Mutex
	deadLetters []*DeadLetterContext
}

func (h *recordingHandler) OnDeadLetter(ctx *DeadLetterContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadLetters = append(h.deadLetters, ctx)
}

func newDisconnectedClient(t *testing.T, rh ResponseHandler) *client {
	t.Helper()
	cfg := config.RabbitMQ{
		ConsumeMaxRetries: 3,
		PublishRetryDelay: time.Millisecond,
	}
	raw := NewClient(cfg, WithResponseHandler(rh))
	c, ok := raw.(*client)
	require.True(t, ok)
	return c
}

func TestHandleDelivery_SuccessAcks(t *testing.T) {
	t.Parallel()

	c := newDisconnectedClient(t, nil)
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, MessageId: "m1", DeliveryTag: 1}

	c.handleDelivery(context.Background(), "q", d, func(context.Context, amqp.Delivery) error {
		return nil
	})

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.nacks)
}

func TestHandleDelivery_RequeuePublishFailureFallsBackToNackRequeue(t *testing.T) {
	t.Parallel()

	// the client has no live channel, so the retry republish cannot go
	// out and the delivery must be nacked back onto the queue
	c := newDisconnectedClient(t, nil)
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, MessageId: "m2", DeliveryTag: 2}

	c.handleDelivery(context.Background(), "q", d, func(context.Context, amqp.Delivery) error {
		return errors.New("handler boom")
	})

	assert.Zero(t, ack.acks)
	require.Len(t, ack.nacks, 1)
	assert.True(t, ack.nacks[0])
}

// observingAcknowledger samples the client's in-flight set at ack/nack
// time, which is exactly when Disconnect's drain check could race.
type observingAcknowledger struct {
	fakeAcknowledger
	client       *client
	inFlightSeen int
}

func (o *observingAcknowledger) Ack(tag uint64, multiple bool) error {
	o.inFlightSeen = o.client.inFlightCount()
	return o.fakeAcknowledger.Ack(tag, multiple)
}

func (o *observingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	o.inFlightSeen = o.client.inFlightCount()
	return o.fakeAcknowledger.Nack(tag, multiple, requeue)
}

func TestHandleDelivery_RequeuePublishDoesNotReleaseDeliveryInFlight(t *testing.T) {
	t.Parallel()

	c := newDisconnectedClient(t, nil)
	ack := &observingAcknowledger{client: c}
	// same message id the requeue republish will carry
	d := amqp.Delivery{Acknowledger: ack, MessageId: "m4", DeliveryTag: 4}

	c.handleDelivery(context.Background(), "q", d, func(context.Context, amqp.Delivery) error {
		return errors.New("handler boom")
	})

	// the nested republish tracked and released its own message id; the
	// delivery itself must still be in flight when the nack goes out
	assert.Equal(t, 1, ack.inFlightSeen)
	assert.Zero(t, c.inFlightCount())
}

func TestHandleDelivery_ExhaustedRetriesDeadLetters(t *testing.T) {
	t.Parallel()

	rh := &recordingHandler{}
	c := newDisconnectedClient(t, rh)
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "m3",
		DeliveryTag:  3,
		Headers:      amqp.Table{retryCountHeader: int32(3)},
	}

	handlerErr := errors.New("handler boom")
	c.handleDelivery(context.Background(), "q", d, func(context.Context, amqp.Delivery) error {
		return handlerErr
	})

	assert.Zero(t, ack.acks)
	require.Len(t, ack.nacks, 1)
	assert.False(t, ack.nacks[0], "dead-letter nack must not requeue")

	require.Len(t, rh.deadLetters, 1)
	assert.Equal(t, "q", rh.deadLetters[0].Queue)
	assert.Equal(t, "m3", rh.deadLetters[0].MessageID)
	assert.Equal(t, 3, rh.deadLetters[0].RetryCount)
	assert.ErrorIs(t, rh.deadLetters[0].Err, handlerErr)
}
