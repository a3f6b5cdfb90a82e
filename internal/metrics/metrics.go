// Package metrics holds the Prometheus counters the service exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playhub"

// Recorder owns a private registry so tests can build as many as they like.
type Recorder struct {
	registry          *prometheus.Registry
	versionsPublished *prometheus.CounterVec
	versionConflicts  prometheus.Counter
	analysisFallbacks *prometheus.CounterVec
	syncFiles         *prometheus.CounterVec
	proposals         *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		versionsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_published_total",
			Help:      "Document versions published, by provenance.",
		}, []string{"provenance"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Publish attempts that lost the version race.",
		}),
		analysisFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_fallbacks_total",
			Help:      "Analyzer calls replaced by the mechanical fallback.",
		}, []string{"stage"}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_files_total",
			Help:      "Files visited by fork synchronization, by outcome.",
		}, []string{"outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposal state transitions, by resulting status.",
		}, []string{"status"}),
	}
	r.registry.MustRegister(
		r.versionsPublished,
		r.versionConflicts,
		r.analysisFallbacks,
		r.syncFiles,
		r.proposals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// A nil *Recorder is valid and records nothing.

func (r *Recorder) VersionPublished(provenance string) {
	if r == nil {
		return
	}
	r.versionsPublished.WithLabelValues(provenance).Inc()
}

func (r *Recorder) VersionConflict() {
	if r == nil {
		return
	}
	r.versionConflicts.Inc()
}

func (r *Recorder) AnalysisFallback(stage string) {
	if r == nil {
		return
	}
	r.analysisFallbacks.WithLabelValues(stage).Inc()
}

func (r *Recorder) SyncFiles(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.syncFiles.WithLabelValues(outcome).Add(float64(n))
}

func (r *Recorder) Proposal(status string) {
	if r == nil {
		return
	}
	r.proposals.WithLabelValues(status).Inc()
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
