package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the guardian's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "heartbeat",
			Name:      "cycles_total",
			Help:      "Heartbeat cycles by result.",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "heartbeat",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of heartbeat cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	streams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "streams",
			Help:      "Number of streams being watched.",
		},
	)

	triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "trigger",
			Name:      "pulls_total",
			Help:      "pullTrigger decisions by reason and submission result.",
		},
		[]string{"reason", "result"},
	)

	settled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "trigger",
			Name:      "settled_total",
			Help:      "Watched transactions by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		cycles,
		cycleDuration,
		streams,
		triggers,
		settled,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCycle records one heartbeat cycle.
func RecordCycle(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cycles.WithLabelValues(result).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// SetStreams publishes the watched stream count.
func SetStreams(n int) {
	streams.Set(float64(n))
}

// RecordTrigger counts a trigger decision. result is submitted, failed or dry_run.
func RecordTrigger(reason, result string) {
	triggers.WithLabelValues(reason, result).Inc()
}

// RecordSettled counts a watcher outcome.
func RecordSettled(status string) {
	settled.WithLabelValues(status).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
