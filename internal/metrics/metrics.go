// Package metrics exposes Prometheus collectors for the sequence ledger, the
// execution context and the weight loader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nanovllm"

type Metrics struct {
	Registry *prometheus.Registry

	SequencesCreated  prometheus.Counter
	SequencesFinished prometheus.Counter
	TokensAppended    prometheus.Counter

	ContextSets *prometheus.CounterVec
	BatchTokens *prometheus.HistogramVec

	TensorsLoaded     prometheus.Counter
	BytesLoaded       prometheus.Counter
	MissingParameters prometheus.Counter
	LoadFailures      prometheus.Counter
}

// New creates collectors on a private registry so tests and multiple
// engines in one process do not collide.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SequencesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "created_total",
			Help:      "Sequences created",
		}),
		SequencesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "finished_total",
			Help:      "Sequences that reached the finished state",
		}),
		TokensAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "tokens_appended_total",
			Help:      "Completion tokens appended to sequences",
		}),
		ContextSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "sets_total",
			Help:      "Execution context snapshots published",
		}, []string{"mode"}),
		BatchTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "batch_tokens",
			Help:      "Query tokens per published snapshot",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"mode"}),
		TensorsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "tensors_total",
			Help:      "Tensors delivered to the model",
		}),
		BytesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "bytes_total",
			Help:      "Tensor payload bytes delivered to the model",
		}),
		MissingParameters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "missing_parameters_total",
			Help:      "Tensors whose target parameter does not exist in the model",
		}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "failures_total",
			Help:      "Weight loads aborted with an error",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		m.SequencesCreated,
		m.SequencesFinished,
		m.TokensAppended,
		m.ContextSets,
		m.BatchTokens,
		m.TensorsLoaded,
		m.BytesLoaded,
		m.MissingParameters,
		m.LoadFailures,
	)
	return m
}
