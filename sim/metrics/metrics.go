// Package metrics exports scheduler telemetry as Prometheus metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

const namespace = "chunked_prefill"

// Sink is a trace.Sink that folds events into Prometheus collectors.
type Sink struct {
	batches            prometheus.Counter
	prefillTokens      prometheus.Histogram
	decodes            prometheus.Counter
	allocationFailures *prometheus.CounterVec
	migrations         *prometheus.CounterVec
	migrationFailures  prometheus.Counter
	starvation         prometheus.Counter
	preemptions        prometheus.Counter
	finished           *prometheus.CounterVec
	tierAllocated      *prometheus.GaugeVec
	tierCapacity       *prometheus.GaugeVec
}

// NewSink creates the collectors and registers them with reg.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of non-empty batches dispatched",
		}),
		prefillTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_prefill_tokens",
			Help:      "Prefill tokens per dispatched batch",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		}),
		decodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_steps_total",
			Help:      "Total number of decode steps dispatched",
		}),
		allocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Batch entries deferred because the cache was out of memory",
		}, []string{"phase"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Blocks moved between tiers",
		}, []string{"from", "to"}),
		migrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_failures_total",
			Help:      "Migrations that left the source block in place",
		}),
		starvation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_starvation_total",
			Help:      "Decode steps forced into a batch by the starvation bound",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preemptions_total",
			Help:      "Requests paused to make room for forced decodes",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Requests that reached a terminal state",
		}, []string{"state"}),
		tierAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_allocated_blocks",
			Help:      "Allocated blocks per cache tier",
		}, []string{"tier"}),
		tierCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_capacity_blocks",
			Help:      "Block capacity per cache tier",
		}, []string{"tier"}),
	}
	for name, c := range map[string]prometheus.Collector{
		"batches":            s.batches,
		"prefillTokens":      s.prefillTokens,
		"decodes":            s.decodes,
		"allocationFailures": s.allocationFailures,
		"migrations":         s.migrations,
		"migrationFailures":  s.migrationFailures,
		"starvation":         s.starvation,
		"preemptions":        s.preemptions,
		"finished":           s.finished,
		"tierAllocated":      s.tierAllocated,
		"tierCapacity":       s.tierCapacity,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return s, nil
}

// Emit implements trace.Sink. Unknown events are ignored.
func (s *Sink) Emit(ev trace.Event) {
	switch e := ev.(type) {
	case trace.BatchComposed:
		s.batches.Inc()
		s.prefillTokens.Observe(float64(e.PrefillTokens))
		s.decodes.Add(float64(e.Decodes))
	case trace.AllocationFailed:
		s.allocationFailures.WithLabelValues(e.Phase).Inc()
	case trace.Migrated:
		s.migrations.WithLabelValues(e.From, e.To).Inc()
	case trace.MigrationFailed:
		s.migrationFailures.Inc()
	case trace.DecodeStarved:
		s.starvation.Inc()
	case trace.Preempted:
		s.preemptions.Inc()
	case trace.RequestFinished:
		s.finished.WithLabelValues(e.State).Inc()
	}
}

// ObserveTiers sets the tier gauges from a cache snapshot.
func (s *Sink) ObserveTiers(stats []kv.TierStats) {
	for _, st := range stats {
		s.tierAllocated.WithLabelValues(st.Tier.String()).Set(float64(st.Allocated))
		s.tierCapacity.WithLabelValues(st.Tier.String()).Set(float64(st.Capacity))
	}
}
