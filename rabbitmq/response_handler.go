package rabbitmq

import (
	"errors"
	"io"
	"log/slog"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishMessage is the outbound unit handed to the client. Zero values
// get sensible defaults: persistent delivery, a generated message id and
// application/json content type.
type PublishMessage struct {
	Timestamp    time.Time
	Headers      map[string]any
	ContentType  string
	MessageID    string
	Type         string
	Body         []byte
	DeliveryMode uint8
}

type ResponseHandlerContext struct {
	Exchange   string
	RoutingKey string
	Message    *PublishMessage
	Err        error
}

type DeadLetterContext struct {
	Queue      string
	MessageID  string
	RetryCount int
	Err        error
}

// ResponseHandler observes publish outcomes and dead-letter events.
type ResponseHandler interface {
	OnSuccess(ctx *ResponseHandlerContext)
	OnError(ctx *ResponseHandlerContext)
	OnDeadLetter(ctx *DeadLetterContext)
}

// DefaultResponseHandler logs failures and dead-letters. It never stops
// the process: broker trouble is surfaced through health and metrics.
type DefaultResponseHandler struct {
	Logger *slog.Logger
}

func (h *DefaultResponseHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *DefaultResponseHandler) OnSuccess(_ *ResponseHandlerContext) {}

func (h *DefaultResponseHandler) OnError(ctx *ResponseHandlerContext) {
	h.logger().Error("rabbitmq publish failed",
		"exchange", ctx.Exchange, "routing_key", ctx.RoutingKey,
		"message_id", ctx.Message.MessageID, "error", ctx.Err)
}

func (h *DefaultResponseHandler) OnDeadLetter(ctx *DeadLetterContext) {
	h.logger().Error("message routed to dead-letter queue",
		"queue", ctx.Queue, "message_id", ctx.MessageID,
		"retry_count", ctx.RetryCount, "error", ctx.Err)
}

// isTransient reports whether a publish failure is worth one retry.
// Topology errors (missing exchange, refused access, precondition
// mismatch) will not heal on their own; connection-level errors will.
func isTransient(err error) bool {
	var e *amqp.Error
	if errors.As(err, &e) {
		switch e.Code {
		case amqp.NotFound, amqp.AccessRefused, amqp.PreconditionFailed:
			return false
		default:
			return true
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
