package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"contacttrend/internal/telemetry"
)

var rabbitTracer = otel.Tracer("contacttrend/mq")

type Client struct {
	url    string
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewClient returns a lazily connecting client. name is reported to the broker
// as the connection name.
func NewClient(url, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "contacttrend"
	}
	return &Client{url: url, name: name, logger: logger}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// PublishToExchange publishes a message to a fanout exchange.
func (c *Client) PublishToExchange(ctx context.Context, exchange string, body []byte) error {
	ctx, span := rabbitTracer.Start(ctx, "rabbitmq.publish.fanout",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	ch, err := c.channel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer ch.Close()

	if err := declareFanout(ch, exchange); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg := amqp.Publishing{
		Body:        body,
		ContentType: "application/json",
		Headers:     telemetry.InjectAMQP(ctx, amqp.Table{}),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		AppId:       c.name,
	}
	if err := ch.PublishWithContext(ctx, exchange, "", false, false, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// SubscribeFanout creates an exclusive auto-delete queue bound to a fanout
// exchange and consumes from it until ctx is done. Each caller gets its own
// queue so all subscribers receive every message.
func (c *Client) SubscribeFanout(ctx context.Context, exchange string, handler func(context.Context, []byte)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, deliveries, err := c.bindFanout(ctx, exchange)
		if err != nil {
			c.logger.Error("rabbitmq: fanout subscribe failed", "exchange", exchange, "err", err)
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	consume:
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					break consume
				}
				handlerCtx := telemetry.ExtractAMQP(ctx, d.Headers)
				handlerCtx, span := rabbitTracer.Start(handlerCtx, "rabbitmq.consume.fanout",
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(
						attribute.String("messaging.system", "rabbitmq"),
						attribute.String("messaging.destination.name", exchange),
						attribute.String("messaging.operation", "process"),
						attribute.String("messaging.message.id", d.MessageId),
					),
				)
				handler(handlerCtx, d.Body)
				span.End()
			case err := <-closeCh:
				if err != nil {
					c.logger.Warn("rabbitmq: fanout channel closed", "exchange", exchange, "err", err)
				}
				break consume
			case <-ctx.Done():
				ch.Close()
				return ctx.Err()
			}
		}

		ch.Close()
		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Client) bindFanout(ctx context.Context, exchange string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := declareFanout(ch, exchange); err != nil {
		ch.Close()
		return nil, nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare exclusive queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("bind %s to %s: %w", q.Name, exchange, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	return ch, deliveries, nil
}

func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func (c *Client) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	var conn *amqp.Connection
	operation := func() error {
		var err error
		conn, err = amqp.DialConfig(c.url, amqp.Config{
			Properties: amqp.Table{"connection_name": c.name},
			Dial:       amqp.DefaultDial(5 * time.Second),
		})
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 0 // keep retrying until ctx canceled

	if err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return operation()
	}, backoff.WithContext(exp, ctx)); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	c.conn = conn
	c.logger.Info("connected to rabbitmq")
	return conn, nil
}

func declareFanout(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
