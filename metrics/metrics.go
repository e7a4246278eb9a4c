package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tee_prover"

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived         *prometheus.CounterVec
	BatchesProved          prometheus.Counter
	BundlesProved          prometheus.Counter
	BundlesSubmitted       prometheus.Counter
	RetryExhausted         *prometheus.CounterVec
	HandlerFailures        *prometheus.CounterVec
	DecodeFailures         *prometheus.CounterVec
	LastProvedBatchIndex   prometheus.Gauge
	LastSubmittedBundleEnd prometheus.Gauge
	FetchedL1Block         prometheus.Gauge
	TraceCacheHits         prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "L1 events forwarded by the fetcher, by kind.",
		}, []string{"kind"}),
		BatchesProved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_proved_total",
			Help:      "Batch proofs returned by the enclave.",
		}),
		BundlesProved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_proved_total",
			Help:      "Bundle proofs returned by the enclave.",
		}),
		BundlesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_submitted_total",
			Help:      "Bundle proofs finalized on L1.",
		}),
		RetryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Remote operations that ran out of retry attempts.",
		}, []string{"operation"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "State handler failures, by handler.",
		}, []string{"handler"}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "L1 logs dropped because they could not be decoded.",
		}, []string{"kind"}),
		LastProvedBatchIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_proved_batch_index",
			Help:      "Index of the most recently proved batch.",
		}),
		LastSubmittedBundleEnd: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_submitted_bundle_end_index",
			Help:      "End batch index of the most recently submitted bundle.",
		}),
		FetchedL1Block: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetched_l1_block",
			Help:      "Next L1 block the fetcher will read from.",
		}),
		TraceCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_cache_hits_total",
			Help:      "Block traces served from the cache.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	)
}
