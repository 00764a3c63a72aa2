// Package metrics exposes the process-local Prometheus instrumentation
// described in SPEC_FULL.md §4.10. Nothing here is persisted to disk; it
// resets on restart, so it does not widen the "no long-term historical
// analytics" non-goal.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements orchestrator.MetricsRecorder against a private
// Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	cycleDuration     prometheus.Histogram
	candidatesParsed  prometheus.Gauge
	candidatesRaw     prometheus.Gauge
	validationsTotal  *prometheus.CounterVec
	l2ProbesTotal     *prometheus.CounterVec
	poolSize          prometheus.Gauge
	poolScoreAvg      prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stablepool_cycle_duration_seconds",
			Help:    "Wall-clock duration of one validation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		candidatesParsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablepool_candidates_parsed_total",
			Help: "Number of candidates that parsed successfully in the last cycle.",
		}),
		candidatesRaw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablepool_candidates_raw_total",
			Help: "Number of raw candidate lines extracted in the last cycle.",
		}),
		validationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablepool_validations_total",
			Help: "Validations performed, labeled by phase and result.",
		}, []string{"phase", "result"}),
		l2ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablepool_l2_probes_total",
			Help: "L2 live-traffic probes, labeled by result.",
		}, []string{"result"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablepool_pool_size",
			Help: "Number of candidates in the last selection.",
		}),
		poolScoreAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablepool_pool_score_avg",
			Help: "Average composite score of the last selection.",
		}),
	}

	reg.MustRegister(
		r.cycleDuration, r.candidatesParsed, r.candidatesRaw,
		r.validationsTotal, r.l2ProbesTotal, r.poolSize, r.poolScoreAvg,
	)
	return r
}

func (r *Recorder) ObserveCycleDuration(d time.Duration) { r.cycleDuration.Observe(d.Seconds()) }

func (r *Recorder) SetCandidatesCount(raw, parsed int) {
	r.candidatesRaw.Set(float64(raw))
	r.candidatesParsed.Set(float64(parsed))
}

func (r *Recorder) RecordValidation(phase string, ok bool) {
	r.validationsTotal.WithLabelValues(phase, resultLabel(ok)).Inc()
}

func (r *Recorder) RecordProbe(ok bool) {
	r.l2ProbesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

func (r *Recorder) SetPoolSize(n int)          { r.poolSize.Set(float64(n)) }
func (r *Recorder) SetPoolScoreAvg(avg float64) { r.poolScoreAvg.Set(avg) }

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// Serve starts an HTTP server exposing /metrics on addr, returning once ctx
// is canceled or the server fails to start.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
