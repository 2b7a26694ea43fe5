package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angache/benalsam-sync-bridge/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const retryCountHeader = "x-retry-count"

var (
	// ErrNotConnected is returned when an operation runs without a live
	// channel and the reconnect loop has not recovered one yet.
	ErrNotConnected = errors.New("rabbitmq: not connected")

	// ErrReconnectExhausted is returned by Connect once the retry budget
	// is spent. The client stays alive and reports unhealthy.
	ErrReconnectExhausted = errors.New("rabbitmq: reconnect attempts exhausted")
)

// DeliveryHandler processes one consumed delivery. A nil return
// acknowledges the message; an error drives the retry/dead-letter flow.
type DeliveryHandler func(ctx context.Context, d amqp.Delivery) error

// consumerEntry remembers a registered consumer so it can be
// re-established on the fresh channel after a reconnect.
type consumerEntry struct {
	ctx     context.Context
	queue   string
	handler DeliveryHandler
}

// Health is a cheap connection-state probe, no network round-trip.
type Health struct {
	Connected         bool
	ReconnectAttempts int
	ReconnectGaveUp   bool
	InFlight          int
}

type Client interface {
	Connect(ctx context.Context) error
	PublishToExchange(ctx context.Context, exchange, routingKey string, msg PublishMessage) error
	PublishToQueue(ctx context.Context, queue string, msg PublishMessage) error
	Consume(ctx context.Context, queue string, handler DeliveryHandler) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck() Health
}

type client struct {
	cfg             config.RabbitMQ
	logger          *slog.Logger
	responseHandler ResponseHandler
	metric          Metric

	mu                sync.RWMutex
	conn              *amqp.Connection
	channel           *amqp.Channel
	connCloseCh       chan *amqp.Error
	chCloseCh         chan *amqp.Error
	connected         bool
	reconnectAttempts int
	reconnectGaveUp   bool
	declaredExchanges map[string]struct{}
	declaredQueues    map[string]struct{}
	consumers         []consumerEntry

	closing   atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

type ClientOption func(*client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *client) { c.logger = logger }
}

func WithResponseHandler(h ResponseHandler) ClientOption {
	return func(c *client) { c.responseHandler = h }
}

func WithMetric(m Metric) ClientOption {
	return func(c *client) { c.metric = m }
}

func NewClient(cfg config.RabbitMQ, options ...ClientOption) Client {
	c := &client{
		cfg:               cfg,
		logger:            slog.Default(),
		metric:            NewMetric(),
		closeCh:           make(chan struct{}),
		declaredExchanges: make(map[string]struct{}),
		declaredQueues:    make(map[string]struct{}),
		inFlight:          make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.responseHandler == nil {
		c.responseHandler = &DefaultResponseHandler{Logger: c.logger}
	}
	return c
}

// Connect dials the broker, retrying with jittered exponential backoff
// up to the configured attempt budget, then starts the close watcher
// that drives reconnection for the lifetime of the client.
func (c *client) Connect(ctx context.Context) error {
	backoff := c.cfg.ReconnectInterval
	var lastErr error

	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		if err := c.connect(); err != nil {
			lastErr = err
			sleep := jittered(backoff)
			c.logger.Warn("rabbitmq connect attempt failed",
				"attempt", attempt, "retry_in", sleep, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			backoff = doubled(backoff, c.cfg.ReconnectMaxInterval)
			continue
		}
		go c.watchClose()
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.cfg.ReconnectMaxAttempts, lastErr)
}

func (c *client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	c.mu.Lock()
	prevCh := c.channel
	prevConn := c.conn
	c.conn = conn
	c.channel = ch
	c.connCloseCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.chCloseCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.connected = true
	c.reconnectAttempts = 0
	c.reconnectGaveUp = false
	// topology declarations do not survive a new channel
	c.declaredExchanges = make(map[string]struct{})
	c.declaredQueues = make(map[string]struct{})
	c.mu.Unlock()

	if prevCh != nil {
		_ = prevCh.Close()
	}
	if prevConn != nil {
		_ = prevConn.Close()
	}
	return nil
}

func (c *client) dial() (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.ConnectionTimeout),
		Properties: amqp.Table{
			"connection_name": c.cfg.ConnectionName,
		},
	}

	if c.cfg.TLS.Enabled {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.cfg.TLS.Insecure, //nolint:gosec
		}
		if len(c.cfg.TLS.CACert) > 0 {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(c.cfg.TLS.CACert)
			tlsCfg.RootCAs = pool
		}
		if len(c.cfg.TLS.Cert) > 0 && len(c.cfg.TLS.Key) > 0 {
			cert, err := tls.X509KeyPair(c.cfg.TLS.Cert, c.cfg.TLS.Key)
			if err != nil {
				return nil, err
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		cfg.TLSClientConfig = tlsCfg
	}

	return amqp.DialConfig(c.cfg.URL, cfg)
}

func (c *client) watchClose() {
	for {
		c.mu.RLock()
		connCh, chCh := c.connCloseCh, c.chCloseCh
		c.mu.RUnlock()

		select {
		case err := <-connCh:
			if err != nil {
				c.logger.Error("rabbitmq connection closed", "error", err)
			}
		case err := <-chCh:
			if err != nil {
				c.logger.Error("rabbitmq channel closed", "error", err)
			}
		case <-c.closeCh:
			return
		}

		if c.closing.Load() {
			return
		}
		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries with jittered exponential backoff. After the attempt
// budget is exhausted it gives up: the client reports unhealthy but the
// process keeps running for operator intervention.
func (c *client) reconnect() bool {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		sleep := jittered(backoff)
		c.logger.Warn("attempting rabbitmq reconnection", "attempt", attempt, "retry_in", sleep)

		select {
		case <-c.closeCh:
			return false
		case <-time.After(sleep):
		}

		c.mu.Lock()
		c.reconnectAttempts = attempt
		c.mu.Unlock()

		if err := c.connect(); err != nil {
			c.logger.Error("rabbitmq reconnect attempt failed", "attempt", attempt, "error", err)
			backoff = doubled(backoff, c.cfg.ReconnectMaxInterval)
			continue
		}
		c.logger.Info("rabbitmq reconnected", "attempts", attempt)
		c.resubscribe()
		return true
	}

	c.mu.Lock()
	c.reconnectGaveUp = true
	c.mu.Unlock()
	c.logger.Error("rabbitmq reconnect attempts exhausted", "max_attempts", c.cfg.ReconnectMaxAttempts)
	return false
}

func (c *client) PublishToExchange(ctx context.Context, exchange, routingKey string, msg PublishMessage) error {
	if err := c.ensureExchange(exchange); err != nil {
		return err
	}
	return c.publish(ctx, exchange, routingKey, msg)
}

// PublishToQueue publishes through the default exchange directly to a
// queue, declaring the queue and its dead-letter pair first.
func (c *client) PublishToQueue(ctx context.Context, queue string, msg PublishMessage) error {
	if err := c.ensureQueue(queue); err != nil {
		return err
	}
	return c.publish(ctx, "", queue, msg)
}

// publish sends one message with publisher confirms and performs exactly
// one internal retry after a fixed delay for transient failures.
func (c *client) publish(ctx context.Context, exchange, routingKey string, msg PublishMessage) error {
	if c.closing.Load() {
		return ErrNotConnected
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c.trackInFlight(msg.MessageID)
	defer c.releaseInFlight(msg.MessageID)

	err := c.publishOnce(ctx, exchange, routingKey, &msg)
	if err != nil && isTransient(err) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PublishRetryDelay):
		}
		err = c.publishOnce(ctx, exchange, routingKey, &msg)
	}

	rhCtx := ResponseHandlerContext{Exchange: exchange, RoutingKey: routingKey, Message: &msg, Err: err}
	if err != nil {
		c.metric.AddErrOp(exchange, routingKey)
		c.responseHandler.OnError(&rhCtx)
		return err
	}
	c.metric.AddSuccessOp(exchange, routingKey)
	c.responseHandler.OnSuccess(&rhCtx)
	return nil
}

func (c *client) publishOnce(ctx context.Context, exchange, routingKey string, msg *PublishMessage) error {
	ch := c.liveChannel()
	if ch == nil {
		return ErrNotConnected
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: deliveryMode(msg.DeliveryMode),
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirm %s/%s: %w", exchange, routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish nacked by broker, exchange=%s routing_key=%s", exchange, routingKey)
	}
	return nil
}

// Consume registers handler on queue after declaring the queue and its
// dead-letter pair. Handler failures below the retry budget requeue the
// message with an incremented retry header; at the budget the delivery
// is nacked without requeue, which the queue's DLX routes to the DLQ.
// Consumers survive reconnects: they are re-established on the new
// channel until their context is cancelled.
func (c *client) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	if err := c.subscribe(ctx, queue, handler); err != nil {
		return err
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, consumerEntry{ctx: ctx, queue: queue, handler: handler})
	c.mu.Unlock()
	return nil
}

func (c *client) subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	if err := c.ensureQueue(queue); err != nil {
		return err
	}

	ch := c.liveChannel()
	if ch == nil {
		return ErrNotConnected
	}

	deliveries, err := ch.Consume(queue, c.cfg.ConnectionName+"-"+queue, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go c.consumeLoop(ctx, queue, deliveries, handler)
	return nil
}

// resubscribe re-establishes registered consumers after a reconnect;
// the old channel's delivery chans closed with the old channel.
func (c *client) resubscribe() {
	c.mu.RLock()
	entries := append([]consumerEntry(nil), c.consumers...)
	c.mu.RUnlock()

	for _, e := range entries {
		if e.ctx.Err() != nil {
			continue
		}
		if err := c.subscribe(e.ctx, e.queue, e.handler); err != nil {
			c.logger.Error("consumer resubscribe failed", "queue", e.queue, "error", err)
		}
	}
}

func (c *client) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case d, open := <-deliveries:
			if !open {
				return
			}
			c.handleDelivery(ctx, queue, d, handler)
		}
	}
}

func (c *client) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	// tracked under the delivery tag, not the message id: the requeue
	// path republishes with the same message id, and that publish's own
	// in-flight release must not free this entry before the ack lands
	token := queue + "/" + strconv.FormatUint(d.DeliveryTag, 10)
	c.trackInFlight(token)
	defer c.releaseInFlight(token)

	err := handler(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", "queue", queue, "message_id", id, "error", ackErr)
			return
		}
		c.metric.AddConsumeAck(queue)
		return
	}

	retries := retryCountFrom(d.Headers)
	if retries < c.cfg.ConsumeMaxRetries {
		// requeue by republishing: nack cannot carry the incremented
		// retry header
		if pubErr := c.requeueDelivery(ctx, queue, d, retries+1); pubErr != nil {
			c.logger.Error("requeue publish failed, nacking with requeue",
				"queue", queue, "message_id", id, "error", pubErr)
			_ = d.Nack(false, true)
			return
		}
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack after requeue failed", "queue", queue, "message_id", id, "error", ackErr)
			return
		}
		c.metric.AddConsumeRequeue(queue)
		c.logger.Warn("delivery requeued after handler failure",
			"queue", queue, "message_id", id, "retry_count", retries+1, "error", err)
		return
	}

	if nackErr := d.Nack(false, false); nackErr != nil {
		c.logger.Error("dead-letter nack failed", "queue", queue, "message_id", id, "error", nackErr)
		return
	}
	c.metric.AddDeadLetter(queue)
	c.responseHandler.OnDeadLetter(&DeadLetterContext{
		Queue:      queue,
		MessageID:  id,
		RetryCount: retries,
		Err:        err,
	})
}

func (c *client) requeueDelivery(ctx context.Context, queue string, d amqp.Delivery, retryCount int) error {
	headers := map[string]any(d.Headers)
	if headers == nil {
		headers = make(map[string]any, 1)
	}
	headers[retryCountHeader] = int32(retryCount)

	return c.publish(ctx, "", queue, PublishMessage{
		Headers:     headers,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Type:        d.Type,
		Body:        d.Body,
	})
}

// Disconnect stops new work, waits up to the drain timeout for in-flight
// acknowledgements, then closes channel and connection.
func (c *client) Disconnect(ctx context.Context) error {
	c.closing.Store(true)
	c.closeOnce.Do(func() { close(c.closeCh) })

	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	if !c.waitDrained(drainCtx) {
		c.logger.Warn("disconnect proceeded with in-flight messages", "remaining", c.inFlightCount())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}

func (c *client) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.inFlightCount() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return c.inFlightCount() == 0
		case <-ticker.C:
		}
	}
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

func (c *client) HealthCheck() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Health{
		Connected:         c.connected && c.conn != nil && !c.conn.IsClosed(),
		ReconnectAttempts: c.reconnectAttempts,
		ReconnectGaveUp:   c.reconnectGaveUp,
		InFlight:          c.inFlightCount(),
	}
}

func (c *client) liveChannel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.channel
}

func (c *client) ensureExchange(name string) error {
	c.mu.RLock()
	_, declared := c.declaredExchanges[name]
	c.mu.RUnlock()
	if declared {
		return nil
	}

	ch := c.liveChannel()
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	c.mu.Lock()
	c.declaredExchanges[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

// ensureQueue declares queue plus its dead-letter pair. Rejected
// deliveries route through the default exchange straight to "<queue>.dlq".
func (c *client) ensureQueue(name string) error {
	c.mu.RLock()
	_, declared := c.declaredQueues[name]
	c.mu.RUnlock()
	if declared {
		return nil
	}

	ch := c.liveChannel()
	if ch == nil {
		return ErrNotConnected
	}

	dlq := name + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	c.mu.Lock()
	c.declaredQueues[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *client) trackInFlight(id string) {
	c.inFlightMu.Lock()
	c.inFlight[id] = struct{}{}
	n := len(c.inFlight)
	c.inFlightMu.Unlock()
	c.metric.SetInFlight(n)
}

func (c *client) releaseInFlight(id string) {
	c.inFlightMu.Lock()
	delete(c.inFlight, id)
	n := len(c.inFlight)
	c.inFlightMu.Unlock()
	c.metric.SetInFlight(n)
}

func (c *client) inFlightCount() int {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	return len(c.inFlight)
}

// ConsumeOne pulls a single delivery off queue, blocking until one
// arrives or ctx expires. Meant for tests and tooling, not the hot path.
func ConsumeOne(ctx context.Context, ch *amqp.Channel, queue string) (amqp.Delivery, error) {
	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return amqp.Delivery{}, err
	}
	select {
	case msg := <-msgs:
		return msg, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

func retryCountFrom(headers amqp.Table) int {
	v, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func deliveryMode(mode uint8) uint8 {
	if mode == 0 {
		return amqp.Persistent
	}
	return mode
}

func jittered(backoff time.Duration) time.Duration {
	return backoff + rand.N(backoff/4+1) //nolint:gosec // G404: jitter does not require cryptographic randomness
}

func doubled(backoff, max time.Duration) time.Duration {
	backoff *= 2
	if backoff > max {
		backoff = max
	}
	return backoff
}
