package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/engine"
	"github.com/inference-sim/chunked-prefill/sim/metrics"
	"github.com/inference-sim/chunked-prefill/sim/trace"
	"github.com/inference-sim/chunked-prefill/sim/workload"
)

// runOptions is everything a run needs once flags and files are resolved.
type runOptions struct {
	Config    sim.Config
	Workload  workload.Spec
	MaxCycles int64
	Vocab     int
	Trace     trace.TraceLevel
	Metrics   bool
}

// simulate submits the generated workload at its arrival cycles and steps
// the scheduler until every request finished or MaxCycles is reached.
func simulate(ctx context.Context, opts runOptions) (*Report, error) {
	arrivals, err := workload.Generate(opts.Workload)
	if err != nil {
		return nil, fmt.Errorf("generating workload: %w", err)
	}

	registry := prometheus.NewRegistry()
	promSink, err := metrics.NewSink(registry)
	if err != nil {
		return nil, err
	}
	recorder := trace.NewRecorder()
	sinks := trace.Multi{recorder, promSink}
	if opts.Trace == trace.TraceLevelEvents {
		sinks = append(sinks, trace.LogSink{})
	}

	s, err := sim.NewScheduler(opts.Config, engine.NewCausal(opts.Vocab), sim.WithSink(sinks))
	if err != nil {
		return nil, err
	}
	defer s.Close()

	logrus.Infof("Starting run: %d requests, chunk=%d, budget=%d, tiers=%d/%d/%d blocks of %d tokens",
		len(arrivals), opts.Config.Batch.ChunkSize, opts.Config.Batch.MaxBatchTokens,
		opts.Config.Cache.FastBlocks, opts.Config.Cache.MediumBlocks, opts.Config.Cache.SlowBlocks,
		opts.Config.Cache.BlockSizeTokens)

	started := time.Now()
	report := newReport(opts)
	next := 0
	for cycle := int64(0); opts.MaxCycles == 0 || cycle < opts.MaxCycles; cycle++ {
		for next < len(arrivals) && arrivals[next].Cycle <= cycle {
			if err := s.SubmitRequest(arrivals[next].Request); err != nil {
				return nil, fmt.Errorf("submitting %s: %w", arrivals[next].Request.ID, err)
			}
			next++
		}
		if next == len(arrivals) && s.Idle() {
			break
		}
		step, err := s.Step(ctx)
		if err != nil {
			return nil, err
		}
		report.observeStep(step)
		tiers := s.Stats().Tiers
		report.observeTiers(tiers)
		promSink.ObserveTiers(tiers)
	}

	for _, a := range arrivals[:next] {
		r, ok := s.Request(a.Request.ID)
		if !ok {
			continue
		}
		report.observeRequest(r)
	}
	report.Unsubmitted = len(arrivals) - next
	report.WallTime = time.Since(started)
	report.Trace = trace.Summarize(recorder)
	if opts.Metrics {
		families, err := registry.Gather()
		if err != nil {
			return nil, fmt.Errorf("gathering metrics: %w", err)
		}
		report.Metrics = families
	}
	return report, nil
}
