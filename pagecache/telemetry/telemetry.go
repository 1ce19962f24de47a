// Package telemetry sets up OpenTelemetry metrics for the page cache,
// exported via Prometheus, the way the teacher's pkg/telemetry does for
// the whole server — generalized here to a narrower, cache-scoped surface
// and wired directly into serializer.PerfmonSink instead of being a
// general-purpose tracer/meter bundle.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"github.com/kilndb/pagecache/serializer"
)

// Config holds telemetry configuration.
type Config struct {
	// Enabled toggles metric collection on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies this cache instance in exported metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	// Zero disables the HTTP server (the caller may mount the handler
	// itself, e.g. alongside other endpoints).
	PrometheusPort int `yaml:"prometheus_port"`
}

// ShutdownFunc gracefully shuts down the meter provider.
type ShutdownFunc func(ctx context.Context) error

// Reporter implements serializer.PerfmonSink against OpenTelemetry
// instruments.
type Reporter struct {
	residentPages metric.Int64ObservableGauge
	totalPages    metric.Int64ObservableGauge
	evictions     metric.Int64Counter
	flushLatency  metric.Float64Histogram
	blockCapacity metric.Int64ObservableGauge
	indexCapacity metric.Int64ObservableGauge

	// gaugesMu guards the latest-observed values fed to the observable
	// gauges' callback: ObserveResidency/ObserveThrottlerCapacity are
	// called synchronously from the cache's home context, but the
	// OpenTelemetry SDK invokes the registered callback from whatever
	// goroutine is collecting metrics (e.g. a Prometheus scrape).
	gaugesMu sync.Mutex
	resident, total, blockCap, indexCap int64
}

var _ serializer.PerfmonSink = (*Reporter)(nil)

// New initializes OpenTelemetry metrics with a Prometheus exporter and
// returns a Reporter ready to pass as the cache's PerfmonSink.
func New(config Config) (*Reporter, ShutdownFunc, error) {
	if !config.Enabled {
		r, err := newReporter(noop.NewMeterProvider().Meter(""))
		return r, func(context.Context) error { return nil }, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(config.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	if config.PrometheusPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", config.PrometheusPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				otel.Handle(fmt.Errorf("pagecache telemetry http server failed: %w", err))
			}
		}()
	}

	r, err := newReporter(meterProvider.Meter(config.ServiceName))
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return meterProvider.Shutdown(ctx)
	}
	return r, shutdown, nil
}

func newReporter(meter metric.Meter) (*Reporter, error) {
	r := &Reporter{}

	var err error
	r.residentPages, err = meter.Int64ObservableGauge("pagecache_resident_pages",
		metric.WithDescription("pages currently resident in the cache"))
	if err != nil {
		return nil, err
	}
	r.totalPages, err = meter.Int64ObservableGauge("pagecache_total_pages",
		metric.WithDescription("total pages known to the cache, resident or disk-backed"))
	if err != nil {
		return nil, err
	}
	r.blockCapacity, err = meter.Int64ObservableGauge("pagecache_throttler_block_capacity",
		metric.WithDescription("current throttler block-change capacity"))
	if err != nil {
		return nil, err
	}
	r.indexCapacity, err = meter.Int64ObservableGauge("pagecache_throttler_index_capacity",
		metric.WithDescription("current throttler index-change capacity"))
	if err != nil {
		return nil, err
	}
	r.evictions, err = meter.Int64Counter("pagecache_evictions_total",
		metric.WithDescription("pages evicted from residency"))
	if err != nil {
		return nil, err
	}
	r.flushLatency, err = meter.Float64Histogram("pagecache_flush_latency_seconds",
		metric.WithDescription("flush engine serializer round-trip latency"))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		r.gaugesMu.Lock()
		resident, total, blockCap, indexCap := r.resident, r.total, r.blockCap, r.indexCap
		r.gaugesMu.Unlock()
		o.ObserveInt64(r.residentPages, resident)
		o.ObserveInt64(r.totalPages, total)
		o.ObserveInt64(r.blockCapacity, blockCap)
		o.ObserveInt64(r.indexCapacity, indexCap)
		return nil
	}, r.residentPages, r.totalPages, r.blockCapacity, r.indexCapacity)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ObserveResidency implements serializer.PerfmonSink.
func (r *Reporter) ObserveResidency(residentPages, totalPages int) {
	r.gaugesMu.Lock()
	r.resident = int64(residentPages)
	r.total = int64(totalPages)
	r.gaugesMu.Unlock()
}

// ObserveEviction implements serializer.PerfmonSink.
func (r *Reporter) ObserveEviction() {
	r.evictions.Add(context.Background(), 1)
}

// ObserveFlushLatency implements serializer.PerfmonSink.
func (r *Reporter) ObserveFlushLatency(seconds float64) {
	r.flushLatency.Record(context.Background(), seconds)
}

// ObserveThrottlerCapacity implements serializer.PerfmonSink.
func (r *Reporter) ObserveThrottlerCapacity(blockCapacity, indexCapacity int64) {
	r.gaugesMu.Lock()
	r.blockCap = blockCapacity
	r.indexCap = indexCapacity
	r.gaugesMu.Unlock()
}
