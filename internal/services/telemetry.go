package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/hanko-field/commerce/internal/services"

var tracer = otel.Tracer(instrumentationName)

type orderMetrics struct {
	ordersCreated     metric.Int64Counter
	checkoutRejected  metric.Int64Counter
	statusTransitions metric.Int64Counter
}

func newOrderMetrics(meter metric.Meter) orderMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return orderMetrics{
		ordersCreated:     counter("orders.created", "Orders committed by checkout"),
		checkoutRejected:  counter("checkout.rejected", "Checkout attempts rejected for stock issues"),
		statusTransitions: counter("orders.status_transitions", "Order status transitions by target status"),
	}
}

func (m orderMetrics) orderCreated(ctx context.Context) {
	m.ordersCreated.Add(ctx, 1)
}

func (m orderMetrics) rejected(ctx context.Context, reason string) {
	m.checkoutRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m orderMetrics) transitioned(ctx context.Context, from, to string) {
	m.statusTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
