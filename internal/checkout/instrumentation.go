package checkout

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/matheusmosca/account-store/internal/checkout"

type instruments struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	attempts, _ := meter.Int64Counter("checkout.attempts",
		metric.WithDescription("Checkout transaction attempts by outcome"))
	duration, _ := meter.Float64Histogram("checkout.duration",
		metric.WithDescription("Checkout latency including retries"),
		metric.WithUnit("ms"))

	return instruments{
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
		duration: duration,
	}
}

// startCheckoutSpan opens the span covering a whole checkout call.
func (i instruments) startCheckoutSpan(ctx context.Context, operation, userID, idempotencyKey string) (context.Context, trace.Span) {
	ctx, span := i.tracer.Start(ctx, "checkout."+operation)
	span.SetAttributes(
		attribute.String("checkout.operation", operation),
		attribute.String("user.id", userID),
		attribute.Bool("checkout.idempotent", idempotencyKey != ""),
		attribute.String("component", "checkout-coordinator"),
	)
	return ctx, span
}

// startAttemptSpan opens a span for one transaction attempt.
func (i instruments) startAttemptSpan(ctx context.Context, attempt int) (context.Context, trace.Span) {
	ctx, span := i.tracer.Start(ctx, "checkout.attempt")
	span.SetAttributes(attribute.Int("checkout.attempt", attempt))
	return ctx, span
}

func (i instruments) recordAttempt(ctx context.Context, operation, outcome string) {
	i.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
