// Package telemetry records OpenTelemetry metrics and exposes them in the
// Prometheus text format.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "flowlens"

var (
	AttrKind     = attribute.Key("kind")
	AttrSeverity = attribute.Key("severity")
	AttrProvider = attribute.Key("provider")
	AttrOutcome  = attribute.Key("outcome")
	AttrRoute    = attribute.Key("http.route")
	AttrStatus   = attribute.Key("http.status_code")
)

// Telemetry owns a meter provider and its instruments. A nil *Telemetry
// records nothing.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	snapshots    metric.Int64Counter
	pruned       metric.Int64Counter
	analyses     metric.Int64Counter
	findings     metric.Int64Counter
	aiCalls      metric.Int64Counter
	aiDuration   metric.Float64Histogram
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// New builds a meter provider backed by a private Prometheus registry and
// returns the handler serving it.
func New(ctx context.Context, serviceName string) (*Telemetry, http.Handler, error) {
	if serviceName == "" {
		serviceName = "flowlens"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	t := &Telemetry{provider: provider, meter: provider.Meter(meterName)}
	if err := t.initInstruments(); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}
	return t, promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func (t *Telemetry) initInstruments() error {
	var err error
	m := t.meter
	if t.snapshots, err = m.Int64Counter("flowlens_snapshots_recorded_total", metric.WithDescription("Snapshots recorded into history")); err != nil {
		return err
	}
	if t.pruned, err = m.Int64Counter("flowlens_snapshots_pruned_total", metric.WithDescription("Snapshots evicted by the retention window")); err != nil {
		return err
	}
	if t.analyses, err = m.Int64Counter("flowlens_analyses_total", metric.WithDescription("Analyses run by kind")); err != nil {
		return err
	}
	if t.findings, err = m.Int64Counter("flowlens_findings_total", metric.WithDescription("Deterministic findings by kind and severity")); err != nil {
		return err
	}
	if t.aiCalls, err = m.Int64Counter("flowlens_ai_calls_total", metric.WithDescription("AI analyses by provider and outcome")); err != nil {
		return err
	}
	if t.aiDuration, err = m.Float64Histogram("flowlens_ai_call_duration_seconds", metric.WithDescription("AI analysis duration in seconds")); err != nil {
		return err
	}
	if t.httpRequests, err = m.Int64Counter("flowlens_http_requests_total", metric.WithDescription("HTTP requests by route and status")); err != nil {
		return err
	}
	if t.httpDuration, err = m.Float64Histogram("flowlens_http_request_duration_seconds", metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return err
	}
	return nil
}

// ObserveHistory reports the current history length on every scrape.
func (t *Telemetry) ObserveHistory(size func() int) error {
	if t == nil || size == nil {
		return nil
	}
	gauge, err := t.meter.Int64ObservableGauge("flowlens_history_snapshots", metric.WithDescription("Snapshots currently retained"))
	if err != nil {
		return err
	}
	_, err = t.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(size()))
		return nil
	}, gauge)
	return err
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func (t *Telemetry) RecordSnapshot(ctx context.Context, evicted int) {
	if t == nil {
		return
	}
	t.snapshots.Add(ctx, 1)
	if evicted > 0 {
		t.pruned.Add(ctx, int64(evicted))
	}
}

func (t *Telemetry) RecordAnalysis(ctx context.Context, kind string) {
	if t == nil {
		return
	}
	t.analyses.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind)))
}

func (t *Telemetry) RecordFinding(ctx context.Context, kind, severity string) {
	if t == nil {
		return
	}
	t.findings.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrSeverity.String(severity)))
}

func (t *Telemetry) RecordAICall(ctx context.Context, provider string, failed bool, d time.Duration) {
	if t == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	attrs := metric.WithAttributes(AttrProvider.String(provider), AttrOutcome.String(outcome))
	t.aiCalls.Add(ctx, 1, attrs)
	t.aiDuration.Record(ctx, d.Seconds(), attrs)
}

func (t *Telemetry) RecordHTTP(ctx context.Context, route string, status int, d time.Duration) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(AttrRoute.String(route), AttrStatus.Int(status))
	t.httpRequests.Add(ctx, 1, attrs)
	t.httpDuration.Record(ctx, d.Seconds(), attrs)
}
