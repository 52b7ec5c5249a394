package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/trace"
	"github.com/inference-sim/chunked-prefill/sim/workload"
)

var (
	// CLI flags for the scheduler
	configPath       string // YAML scheduler config; flags below override it
	logLevel         string // Log verbosity level
	chunkSize        int    // Max prompt tokens per chunk
	maxBatchTokens   int    // Max prefill tokens per batch
	maxActivePrompts int    // Prompts with prefill in progress
	starvation       int    // Cycles before a decode is forced
	maxDecodeSlots   int    // Decode steps per batch
	bypassThreshold  int    // Prompts shorter than this skip chunking
	fairness         string // Prefill fairness policy
	decodeOrder      string // Decode slot ordering
	fastBlocks       int    // Fast tier capacity in blocks
	mediumBlocks     int    // Medium tier capacity in blocks
	slowBlocks       int    // Slow tier capacity in blocks
	blockSizeTokens  int    // Tokens per KV block

	// CLI flags for the synthetic workload
	workloadPath string  // YAML workload spec; flags below override it
	seed         int64   // Seed for request generation
	numRequests  int     // Number of requests
	rate         float64 // Mean arrivals per cycle

	// CLI flags for the run itself
	maxCycles  int64  // Stop after this many cycles (0 = until drained)
	vocabSize  int    // Logits per engine output
	traceLevel string // Telemetry logging level: none, events
	printProm  bool   // Print Prometheus metrics after the run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "chunked-prefill",
	Short: "Chunked-prefill scheduler with a tiered paged KV cache",
}

// runCmd drives a synthetic workload through the scheduler with the causal stub engine
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		opts, err := resolveOptions(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		report, err := simulate(ctx, opts)
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		report.Print(os.Stdout)
		logrus.Info("Simulation complete.")
	},
}

// resolveOptions loads the config files and applies only the flags the user set.
func resolveOptions(cmd *cobra.Command) (runOptions, error) {
	cfg := sim.DefaultConfig()
	if configPath != "" {
		loaded, err := sim.LoadConfig(configPath)
		if err != nil {
			return runOptions{}, err
		}
		cfg = *loaded
	}
	spec := workload.DefaultSpec()
	if workloadPath != "" {
		loaded, err := workload.LoadSpec(workloadPath)
		if err != nil {
			return runOptions{}, err
		}
		spec = loaded
	}

	flags := cmd.Flags()
	overrides := []struct {
		name string
		set  func()
	}{
		{"chunk-size", func() { cfg.Batch.ChunkSize = chunkSize }},
		{"max-batch-tokens", func() { cfg.Batch.MaxBatchTokens = maxBatchTokens }},
		{"max-active-prompts", func() { cfg.Batch.MaxActivePrompts = maxActivePrompts }},
		{"decode-starvation-threshold", func() { cfg.Batch.DecodeStarvationThreshold = starvation }},
		{"max-decode-slots", func() { cfg.Batch.MaxDecodeSlots = maxDecodeSlots }},
		{"bypass-threshold", func() { cfg.Batch.BypassThreshold = bypassThreshold }},
		{"fairness", func() { cfg.Policy.Fairness = fairness }},
		{"decode-order", func() { cfg.Policy.DecodeOrder = decodeOrder }},
		{"fast-blocks", func() { cfg.Cache.FastBlocks = fastBlocks }},
		{"medium-blocks", func() { cfg.Cache.MediumBlocks = mediumBlocks }},
		{"slow-blocks", func() { cfg.Cache.SlowBlocks = slowBlocks }},
		{"block-size-in-tokens", func() { cfg.Cache.BlockSizeTokens = blockSizeTokens }},
		{"seed", func() { spec.Seed = seed }},
		{"requests", func() { spec.Requests = numRequests }},
		{"rate", func() { spec.Rate = rate }},
	}
	for _, o := range overrides {
		if flags.Changed(o.name) {
			o.set()
		}
	}
	if err := cfg.Validate(); err != nil {
		return runOptions{}, err
	}
	if err := spec.Validate(); err != nil {
		return runOptions{}, err
	}
	if !trace.IsValidTraceLevel(traceLevel) {
		return runOptions{}, fmt.Errorf("unknown trace level %q (valid: none, events)", traceLevel)
	}
	return runOptions{
		Config:    cfg,
		Workload:  spec,
		MaxCycles: maxCycles,
		Vocab:     vocabSize,
		Trace:     trace.TraceLevel(traceLevel),
		Metrics:   printProm,
	}, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addSchedulerFlags registers the flags shared by run and serve.
func addSchedulerFlags(cmd *cobra.Command) {
	defaults := sim.DefaultConfig()
	flags := cmd.Flags()

	flags.StringVar(&configPath, "config", "", "Path to a scheduler YAML config")
	flags.StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.IntVar(&vocabSize, "vocab", 32, "Logits per engine output")
	flags.StringVar(&traceLevel, "trace", string(trace.TraceLevelNone), "Telemetry event logging (none, events)")

	// Batch formation
	flags.IntVar(&chunkSize, "chunk-size", defaults.Batch.ChunkSize, "Max prompt tokens per prefill chunk")
	flags.IntVar(&maxBatchTokens, "max-batch-tokens", defaults.Batch.MaxBatchTokens, "Max prefill tokens per batch")
	flags.IntVar(&maxActivePrompts, "max-active-prompts", defaults.Batch.MaxActivePrompts, "Prompts with prefill in progress (0 = unlimited)")
	flags.IntVar(&starvation, "decode-starvation-threshold", defaults.Batch.DecodeStarvationThreshold, "Cycles a decode may wait before it is forced (0 = never)")
	flags.IntVar(&maxDecodeSlots, "max-decode-slots", defaults.Batch.MaxDecodeSlots, "Decode steps per batch, forced decodes excluded")
	flags.IntVar(&bypassThreshold, "bypass-threshold", defaults.Batch.BypassThreshold, "Prompts shorter than this run as a single chunk (0 = off)")
	flags.StringVar(&fairness, "fairness", defaults.Policy.Fairness, "Prefill fairness policy (fcfs, longest-remaining, priority-fcfs)")
	flags.StringVar(&decodeOrder, "decode-order", defaults.Policy.DecodeOrder, "Decode slot ordering (priority, recency)")

	// KV cache
	flags.IntVar(&fastBlocks, "fast-blocks", defaults.Cache.FastBlocks, "Fast tier capacity in blocks")
	flags.IntVar(&mediumBlocks, "medium-blocks", defaults.Cache.MediumBlocks, "Medium tier capacity in blocks")
	flags.IntVar(&slowBlocks, "slow-blocks", defaults.Cache.SlowBlocks, "Slow tier capacity in blocks")
	flags.IntVar(&blockSizeTokens, "block-size-in-tokens", defaults.Cache.BlockSizeTokens, "Number of tokens contained in a KV cache block")
}

// init sets up CLI flags and subcommands
func init() {
	spec := workload.DefaultSpec()
	addSchedulerFlags(runCmd)

	// Workload
	runCmd.Flags().StringVar(&workloadPath, "workload", "", "Path to a workload YAML spec")
	runCmd.Flags().Int64Var(&seed, "seed", spec.Seed, "Seed for random request generation")
	runCmd.Flags().IntVar(&numRequests, "requests", spec.Requests, "Number of requests")
	runCmd.Flags().Float64Var(&rate, "rate", spec.Rate, "Mean request arrivals per cycle (0 = all at once)")

	// Run
	runCmd.Flags().Int64Var(&maxCycles, "max-cycles", 0, "Stop after this many cycles (0 = until drained)")
	runCmd.Flags().BoolVar(&printProm, "metrics", false, "Print Prometheus metrics after the run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
