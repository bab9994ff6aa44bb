// Package telemetry installs an OpenTelemetry meter provider that pushes the
// daemon's metrics over OTLP HTTP.
//
// Export is opt-in, enabled by setting:
//
//	AUTORESUME_OTEL_METRICS_URL  (e.g. http://localhost:8428/opentelemetry/api/v1/push)
//
// Without it the global provider stays the OTel no-op and instruments cost
// nothing. Initialization errors are returned; callers log them and carry on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EnvMetricsURL is the env var naming the OTLP HTTP metrics endpoint.
	EnvMetricsURL = "AUTORESUME_OTEL_METRICS_URL"

	// ExportInterval is how often metrics are pushed.
	ExportInterval = 30 * time.Second
)

var (
	initMu         sync.Mutex
	initDone       bool
	globalProvider *Provider
)

// Provider wraps the SDK meter provider.
type Provider struct {
	mu       sync.Mutex
	shutdown func(context.Context) error
	done     bool
}

// Shutdown flushes pending metrics and stops the exporter. It is nil-safe
// and idempotent. Call it with a deadline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	p.done = true
	if err := p.shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Init installs the OTLP meter provider as the global one.
//
// It returns (nil, nil) when EnvMetricsURL is unset. Later calls return the
// provider from the first call; their arguments are ignored.
func Init(ctx context.Context, serviceName, serviceVersion string) (*Provider, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return globalProvider, nil
	}

	url := os.Getenv(EnvMetricsURL)
	if url == "" {
		initDone = true
		return nil, nil
	}
	if serviceName == "" {
		return nil, errors.New("telemetry: empty service name")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTel resource: %w", err)
	}

	exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(url))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(ExportInterval)),
		),
	)
	otel.SetMeterProvider(mp)

	initDone = true
	globalProvider = &Provider{shutdown: mp.Shutdown}
	return globalProvider, nil
}
