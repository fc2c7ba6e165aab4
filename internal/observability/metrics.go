package observability

import (
	"context"

	"github.com/getsentry/sentry-go"
)

type meterContextKey struct{}

// WithMeter returns a context carrying the given meter. The meter is usually
// seeded by middleware with request-level attributes so that service-layer
// counters inherit them.
func WithMeter(ctx context.Context, meter sentry.Meter) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return context.WithValue(ctx, meterContextKey{}, meter.WithCtx(ctx))
}

// MeterFromContext returns the meter carried by ctx. When no middleware seeded
// one, for example in background sweeps or tests, it returns a fresh meter so
// callers can count unconditionally.
func MeterFromContext(ctx context.Context) sentry.Meter {
	if ctx == nil {
		ctx = context.Background()
	}
	meter, ok := ctx.Value(meterContextKey{}).(sentry.Meter)
	if !ok || meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return meter.WithCtx(ctx)
}
