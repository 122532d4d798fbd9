package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/chatforge/meterd/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	eventsCounter      *promreg.CounterVec
	tokensCounter      *promreg.CounterVec
	droppedCounter     promreg.Counter
	sweepClosedCounter promreg.Counter
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("meterd"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		rawEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		endpoint := rawEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "meterd",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "meterd",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		eventsCounter := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "meterd",
				Name:      "usage_events_total",
				Help:      "Usage events processed, by outcome.",
			},
			[]string{"outcome"},
		)
		tokensCounter := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "meterd",
				Name:      "usage_tokens_total",
				Help:      "Input/output tokens metered.",
			},
			[]string{"model", "type"},
		)
		droppedCounter := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "meterd",
				Name:      "usage_events_dropped_total",
				Help:      "Usage events dropped after exhausting storage retries.",
			},
		)
		sweepClosed := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_periods_closed_total",
				Help:      "Accumulator periods closed by the background sweeper.",
			},
		)
		for _, c := range []promreg.Collector{httpRequests, httpLatency, eventsCounter, tokensCounter, droppedCounter, sweepClosed} {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.eventsCounter = eventsCounter
		provider.tokensCounter = tokensCounter
		provider.droppedCounter = droppedCounter
		provider.sweepClosedCounter = sweepClosed
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}

	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// RecordEvent counts one processed usage event by outcome
// (recorded, duplicate, invalid, dropped).
func (p *Provider) RecordEvent(outcome string) {
	if p == nil || p.eventsCounter == nil {
		return
	}
	p.eventsCounter.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordTokens(model string, tokensInput, tokensOutput int64) {
	if p == nil || p.tokensCounter == nil {
		return
	}
	if tokensInput > 0 {
		p.tokensCounter.WithLabelValues(model, "input").Add(float64(tokensInput))
	}
	if tokensOutput > 0 {
		p.tokensCounter.WithLabelValues(model, "output").Add(float64(tokensOutput))
	}
}

func (p *Provider) RecordDroppedEvent() {
	if p == nil || p.droppedCounter == nil {
		return
	}
	p.droppedCounter.Inc()
}

func (p *Provider) RecordSweptPeriods(n int) {
	if p == nil || p.sweepClosedCounter == nil || n <= 0 {
		return
	}
	p.sweepClosedCounter.Add(float64(n))
}
