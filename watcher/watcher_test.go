package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/angache/benalsam-sync-bridge/config"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	mu            sync.Mutex
	notifications chan *pq.Notification
	listenErr     error
	listenedOn    string
	closed        bool
	pings         int
}

func newFakeListener() *fakeListener {
	return &fakeListener{notifications: make(chan *pq.Notification, 8)}
}

func (f *fakeListener) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenedOn = channel
	return f.listenErr
}

func (f *fakeListener) NotificationChannel() <-chan *pq.Notification {
	return f.notifications
}

func (f *fakeListener) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.notifications)
	}
	return nil
}

func newTestWatcher(t *testing.T, fl *fakeListener, handler Handler) *Watcher {
	t.Helper()
	cfg := config.Config{}
	cfg.SetDefault()
	w := New(cfg.Watcher, "postgres://localhost/test", handler, nil)
	w.newListener = func(cb pq.EventCallbackType) listener { return fl }
	return w
}

func TestWatcher_DispatchesNotificationPayloads(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	got := make(chan int64, 4)
	w := newTestWatcher(t, fl, func(_ context.Context, id int64) { got <- id })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, "sync_queue_events", fl.listenedOn)

	fl.notifications <- &pq.Notification{Channel: "sync_queue_events", Extra: "42"}
	fl.notifications <- &pq.Notification{Channel: "sync_queue_events", Extra: "43"}

	assert.Equal(t, int64(42), <-got)
	assert.Equal(t, int64(43), <-got)
}

func TestWatcher_SkipsMalformedPayloadAndNilNotification(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	got := make(chan int64, 4)
	w := newTestWatcher(t, fl, func(_ context.Context, id int64) { got <- id })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	fl.notifications <- nil // reconnect marker
	fl.notifications <- &pq.Notification{Extra: "not-a-number"}
	fl.notifications <- &pq.Notification{Extra: "7"}

	assert.Equal(t, int64(7), <-got)
	assert.Empty(t, got)
}

func TestWatcher_StopWithoutStartIsSafe(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	w := newTestWatcher(t, fl, func(context.Context, int64) {})

	w.Stop()
	w.Stop()
	assert.False(t, w.IsConnected())
}

func TestWatcher_StartTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	w := newTestWatcher(t, fl, func(context.Context, int64) {})

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

func TestWatcher_ListenErrorSurfacesFromStart(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	fl.listenErr = assert.AnError
	w := newTestWatcher(t, fl, func(context.Context, int64) {})

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.False(t, w.IsConnected())
}

func TestWatcher_ConnectionEventsDriveIsConnected(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	w := newTestWatcher(t, fl, func(context.Context, int64) {})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.False(t, w.IsConnected())

	w.onEvent(pq.ListenerEventConnected, nil)
	assert.True(t, w.IsConnected())

	w.onEvent(pq.ListenerEventDisconnected, assert.AnError)
	assert.False(t, w.IsConnected())

	w.onEvent(pq.ListenerEventReconnected, nil)
	assert.True(t, w.IsConnected())
}

func TestWatcher_GivesUpAfterMaxReconnectAttempts(t *testing.T) {
	t.Parallel()

	fl := newFakeListener()
	w := newTestWatcher(t, fl, func(context.Context, int64) {})
	require.NoError(t, w.Start(context.Background()))

	for i := 0; i < 5; i++ {
		w.onEvent(pq.ListenerEventConnectionAttemptFailed, assert.AnError)
	}

	assert.False(t, w.IsConnected())
	assert.Eventually(t, func() bool {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		return fl.closed
	}, 2*time.Second, 10*time.Millisecond)

	// a successful reconnect before giving up resets the attempt counter
	fl2 := newFakeListener()
	w2 := newTestWatcher(t, fl2, func(context.Context, int64) {})
	require.NoError(t, w2.Start(context.Background()))
	defer w2.Stop()
	for i := 0; i < 4; i++ {
		w2.onEvent(pq.ListenerEventConnectionAttemptFailed, assert.AnError)
	}
	w2.onEvent(pq.ListenerEventReconnected, nil)
	for i := 0; i < 4; i++ {
		w2.onEvent(pq.ListenerEventConnectionAttemptFailed, assert.AnError)
	}
	assert.True(t, !w2.gaveUp.Load())
}
