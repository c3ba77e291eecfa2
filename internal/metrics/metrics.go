// Package metrics exposes the job's transfer counters over Prometheus,
// together with /debug/pprof, on an opt-in listen address.
package metrics

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the per-run collectors. All methods are safe for
// concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	Requests     *prometheus.CounterVec
	Uploads      prometheus.Counter
	UploadErrors prometheus.Counter
	Misses       prometheus.Counter
	Skips        prometheus.Counter
	MissStreak   prometheus.Gauge
	Inflight     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrate_http_requests_total",
			Help: "Source and destination requests by status code.",
		}, []string{"code"}),
		Uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_uploads_total",
			Help: "Successful destination uploads.",
		}),
		UploadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_upload_errors_total",
			Help: "Destination uploads that failed after transport retries.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_source_misses_total",
			Help: "Candidates absent at the source.",
		}),
		Skips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_skipped_total",
			Help: "Candidates already present at the destination.",
		}),
		MissStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrate_consecutive_misses",
			Help: "Current consecutive-miss streak.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrate_inflight",
			Help: "Items currently being processed.",
		}),
	}
	reg.MustRegister(m.Requests, m.Uploads, m.UploadErrors, m.Misses, m.Skips, m.MissStreak, m.Inflight)
	return m
}

// Serve starts the /metrics and /debug/pprof endpoints in the background.
// No-op when addr is empty.
func (m *Metrics) Serve(addr string, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && log != nil {
			log.Warnw("metrics server stopped", "addr", addr, "err", err)
		}
	}()
}

// Handler exposes the registry for tests.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
