// Package amqp carries expense change events between processes sharing one
// database, over a RabbitMQ fanout exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"controlgastos/internal/backoff"
	"controlgastos/internal/expenses"
	"controlgastos/internal/log"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrCircuitOpen is returned by PublishChange while the broker is considered
// unavailable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Client publishes local changes and consumes remote ones. Each process gets
// its own exclusive queue bound to the shared fanout exchange.
type Client struct {
	url          string
	exchangeName string
	logger       *log.Logger

	mu        sync.Mutex
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string

	state        int32
	failureCount int64
	lastFailure  time.Time
	failureMu    sync.Mutex
}

var (
	_ expenses.Notifier = (*Client)(nil)
	_ ChangeSink        = (*expenses.Store)(nil)
)

func NewClient(url, exchangeName string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		logger:       logger.WithComponent(log.ComponentAMQP),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	queue, err := setup(channel, c.exchangeName)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.queueName = queue
	c.mu.Unlock()

	c.logger.Info("Connected to broker", "exchange", c.exchangeName, "queue", queue)
	return nil
}

func setup(ch *amqp091.Channel, exchange string) (string, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare exchange: %w", err)
	}

	// Server-named, exclusive queue: every process sees every change.
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}
	return q.Name, nil
}

func (c *Client) reconnect() error {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	return c.connect()
}

// PublishChange implements expenses.Notifier.
func (c *Client) PublishChange(ctx context.Context, ch expenses.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish change: %w", ErrCircuitOpen)
	}

	body, err := NewExpenseChangeMessage(ch).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		c.recordFailure()
		return fmt.Errorf("publish change: channel not open")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		"",             // routing key, ignored by fanout
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Timestamp:    ch.At,
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published expense change",
		log.FieldOperation, string(ch.Op),
		log.FieldUserID, ch.UserID,
		log.FieldExpenseID, ch.ExpenseID)
	return nil
}

// ChangeSink receives the changes committed by other processes.
type ChangeSink interface {
	ApplyRemoteChange(ctx context.Context, c expenses.Change) error
	// Resync is called once the consumer is attached again after a
	// reconnect. Changes published while no queue was bound are lost.
	Resync(ctx context.Context)
}

// resyncGate fires resync on the first attach after a reconnect.
type resyncGate struct {
	pending bool
	resync  func(context.Context)
}

func (g *resyncGate) reconnected() {
	g.pending = true
}

func (g *resyncGate) attached(ctx context.Context) {
	if !g.pending {
		return
	}
	g.pending = false
	g.resync(ctx)
}

// ConsumeChanges delivers remote changes to sink until ctx is done,
// reconnecting with exponential backoff when the broker goes away.
// Malformed messages are dropped; handler errors requeue the message.
func (c *Client) ConsumeChanges(ctx context.Context, sink ChangeSink) error {
	attempt := 0
	gate := &resyncGate{resync: sink.Resync}
	for {
		err := c.consume(ctx, sink.ApplyRemoteChange, func() {
			attempt = 0
			gate.attached(ctx)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !isConnectionError(err) {
			return err
		}

		delay := backoff.Exponential(attempt)
		c.logger.WarnContext(ctx, "Change consumer disconnected, reconnecting",
			log.FieldAttempt, attempt+1,
			"delay", delay.String(),
			log.FieldError, err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
		attempt++

		gate.reconnected()
		if err := c.reconnect(); err != nil {
			c.logger.ErrorContext(ctx, "Reconnect failed", log.FieldError, err)
		}
	}
}

func (c *Client) consume(ctx context.Context, handler func(context.Context, expenses.Change) error, connected func()) error {
	c.mu.Lock()
	channel, queue := c.channel, c.queueName
	c.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("connection closed")
	}

	msgs, err := channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	connected()

	c.logger.InfoContext(ctx, "Started consuming expense changes", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handle(ctx, delivery, handler)
		}
	}
}

func (c *Client) handle(ctx context.Context, d amqp091.Delivery, handler func(context.Context, expenses.Change) error) {
	msg, err := ExpenseChangeMessageFromJSON(d.Body)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to unmarshal message", log.FieldError, err)
		_ = d.Nack(false, false)
		return
	}

	if err := handler(ctx, msg.Change()); err != nil {
		c.logger.ErrorContext(ctx, "Failed to handle change",
			log.FieldExpenseID, msg.ExpenseID,
			log.FieldError, err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.failureMu.Lock()
	last := c.lastFailure
	c.failureMu.Unlock()

	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)

	c.failureMu.Lock()
	c.lastFailure = time.Now()
	c.failureMu.Unlock()

	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("Circuit breaker opened", "failures", n)
		}
	}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection",
		"eof",
		"broken pipe",
		"channel closed",
		"not open",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
