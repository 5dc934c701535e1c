// Package feed consumes the portal's row-change stream from RabbitMQ,
// folds each change into the local projection store, and republishes it
// on the in-process bus for the push listeners.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shipdesk/inboxsync/internal/bus"
	"github.com/shipdesk/inboxsync/internal/chat"
	"go.uber.org/zap"
)

// Applier persists a row change into the local projection.
type Applier interface {
	ApplyChange(ctx context.Context, c chat.Change) error
}

// Options configure the AMQP consumer.
type Options struct {
	URL           string
	Exchange      string // topic exchange carrying row changes
	Queue         string
	BindingKey    string // defaults to "rowchange.#"
	DialAttempts  int
	DialDelay     time.Duration
	HandleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BindingKey == "" {
		o.BindingKey = "rowchange.#"
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = 5
	}
	if o.DialDelay <= 0 {
		o.DialDelay = time.Second
	}
	if o.HandleTimeout <= 0 {
		o.HandleTimeout = 10 * time.Second
	}
	return o
}

// envelope is the wire form of one row change. Routing keys follow
// "rowchange.<table>.<op>", but the body is authoritative.
type envelope struct {
	Op    string   `json:"op"`
	Table string   `json:"table"`
	Row   chat.Row `json:"row"`
}

const maxDialBackoff = 60 * time.Second

// Feed is the AMQP row-change consumer.
type Feed struct {
	opts    Options
	applier Applier
	bus     *bus.Bus
	logger  *zap.Logger

	conn *amqp091.Connection
	ch   *amqp091.Channel
	done chan struct{}
}

// New creates a change feed consumer. Start must be called before any
// changes flow.
func New(opts Options, applier Applier, b *bus.Bus, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		opts:    opts.withDefaults(),
		applier: applier,
		bus:     b,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start dials the broker with backoff, declares the topology and begins
// consuming. It returns once the consumer loop is running.
func (f *Feed) Start(ctx context.Context) error {
	conn, err := dialWithRetry(ctx, f.opts, f.logger)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	q, err := ch.QueueDeclare(f.opts.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, f.opts.BindingKey, f.opts.Exchange, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume: %w", err)
	}

	f.conn = conn
	f.ch = ch
	go f.loop(msgs)
	f.logger.Info("change feed started",
		zap.String("exchange", f.opts.Exchange), zap.String("queue", q.Name))
	return nil
}

// Close stops the consumer and closes the connection.
func (f *Feed) Close() error {
	close(f.done)
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) loop(msgs <-chan amqp091.Delivery) {
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			f.handle(msg)
		}
	}
}

func (f *Feed) handle(msg amqp091.Delivery) {
	change, err := DecodeChange(msg.Body)
	if err != nil {
		// Malformed payloads are dead on arrival; requeueing cannot fix
		// them.
		f.logger.Warn("bad change payload",
			zap.String("routing_key", msg.RoutingKey), zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.HandleTimeout)
	err = f.applier.ApplyChange(ctx, change)
	cancel()
	if err != nil {
		f.logger.Error("apply change failed",
			zap.String("table", change.Table), zap.String("op", string(change.Op)), zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}

	f.bus.Publish(bus.NewChange(change))
	_ = msg.Ack(false)
}

// DecodeChange parses a wire envelope into a row change.
func DecodeChange(body []byte) (chat.Change, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return chat.Change{}, fmt.Errorf("decode envelope: %w", err)
	}
	c := chat.Change{Op: chat.Op(env.Op), Table: env.Table, Row: env.Row}
	switch c.Op {
	case chat.OpInsert, chat.OpUpdate, chat.OpDelete:
	default:
		return chat.Change{}, fmt.Errorf("unknown op %q", env.Op)
	}
	switch c.Table {
	case chat.TableConversations, chat.TableMessages, chat.TableAttachments:
	default:
		return chat.Change{}, fmt.Errorf("unknown table %q", env.Table)
	}
	if len(c.Row) == 0 {
		return chat.Change{}, errors.New("envelope without row")
	}
	return c, nil
}

func dialWithRetry(ctx context.Context, opts Options, logger *zap.Logger) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.DialAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("broker connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.DialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
		logger.Warn("broker dial failed",
			zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", opts.DialAttempts, lastErr)
}
