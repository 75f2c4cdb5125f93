// Package metrics exposes coordinator activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smileynet/rendercompare/internal/classify"
	"github.com/smileynet/rendercompare/internal/orchestrator"
)

const Namespace = "rendercompare"

var _ orchestrator.Recorder = (*Collector)(nil)

// Collector records coordinator activity. It implements orchestrator.Recorder.
type Collector struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lines       *prometheus.CounterVec
	misses      prometheus.Counter
	active      prometheus.Gauge
}

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Finished runs by mode and result",
		}, []string{"mode", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"mode"}),
		lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lines_total",
			Help:      "Tester output lines by classification",
		}, []string{"kind"}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attribution_misses_total",
			Help:      "Progress or completion lines that could not be attributed to a test",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_tests",
			Help:      "Tests started and not yet completed",
		}),
	}
}

func (c *Collector) LineClassified(k classify.Kind) {
	c.lines.WithLabelValues(k.String()).Inc()
}

func (c *Collector) AttributionMissed() {
	c.misses.Inc()
}

func (c *Collector) ActiveTests(n int) {
	c.active.Set(float64(n))
}

func (c *Collector) RunFinished(o orchestrator.Outcome) {
	c.runs.WithLabelValues(o.Mode, o.Result()).Inc()
	c.runDuration.WithLabelValues(o.Mode).Observe(o.Duration.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}
	return serve(ctx, ln, g)
}

func serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serving: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serving: %w", err)
	}
	return nil
}
