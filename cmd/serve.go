package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/chunked-prefill/server"
	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/engine"
	"github.com/inference-sim/chunked-prefill/sim/metrics"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

var (
	listenAddr string        // HTTP listen address
	idlePoll   time.Duration // Idle loop wait between polls
)

// serveCmd runs the scheduler loop behind the HTTP API until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scheduler over HTTP with the causal stub engine",
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
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, opts, listenAddr); err != nil {
			logrus.Fatalf("Server failed: %v", err)
		}
	},
}

// serve runs Scheduler.Run and the HTTP server side by side until ctx ends
// or either of them fails.
func serve(ctx context.Context, opts runOptions, addr string) error {
	registry := prometheus.NewRegistry()
	promSink, err := metrics.NewSink(registry)
	if err != nil {
		return err
	}
	var sink trace.Sink = promSink
	if opts.Trace == trace.TraceLevelEvents {
		sink = trace.Multi{promSink, trace.LogSink{}}
	}
	sched, err := sim.NewScheduler(opts.Config, engine.NewCausal(opts.Vocab), sim.WithSink(sink), sim.WithIdlePoll(idlePoll))
	if err != nil {
		return err
	}
	defer sched.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewServer(sched, registry).GenerateRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				promSink.ObserveTiers(sched.Stats().Tiers)
			}
		}
	})
	g.Go(func() error {
		logrus.Infof("Listening on %s", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "127.0.0.1:8400", "HTTP listen address")
	serveCmd.Flags().DurationVar(&idlePoll, "idle-poll", 10*time.Millisecond, "How long the idle loop waits for new work")
	addSchedulerFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
