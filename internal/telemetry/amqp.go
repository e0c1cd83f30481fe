package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// AMQPCarrier adapts message headers to the otel TextMapCarrier interface.
type AMQPCarrier amqp.Table

func (c AMQPCarrier) Get(key string) string {
	raw, ok := c[key]
	if !ok || raw == nil {
		return ""
	}
	switch value := raw.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return fmt.Sprint(value)
	}
}

func (c AMQPCarrier) Set(key, value string) {
	if c == nil {
		return
	}
	c[key] = value
}

func (c AMQPCarrier) Keys() []string {
	return slices.Collect(maps.Keys(c))
}

// InjectAMQP returns a copy of headers carrying the span context of ctx.
func InjectAMQP(ctx context.Context, headers amqp.Table) amqp.Table {
	out := amqp.Table{}
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, AMQPCarrier(out))
	return out
}

func ExtractAMQP(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, AMQPCarrier(headers))
}
