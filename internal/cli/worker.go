package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow"
	"github.com/petrijr/approvalflow/pkg/metrics"
	"github.com/petrijr/approvalflow/pkg/worker"
)

func newSweepCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals of every active instance once.",
		Long: `
Runs a single expiry pass, marking pending approvals past their deadline as
expired and applying each affected step's policy. Useful from cron when no
worker is running.
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				s := worker.NewScheduler(e.engine, nil, worker.SchedulerConfig{Logger: e.logger})
				n, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(o.out, "expired overdue approvals on %d instance(s)\n", n)
				return nil
			})
		},
	}
}

type workerOptions struct {
	metricsAddr string
	concurrency int
}

func newWorkerCmd(o *rootOptions) *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications and expire overdue approvals until interrupted.",
		Long: `
Runs the notification worker and the expiry scheduler against the configured
store. With --metrics-addr the engine, cache and queue metrics are served on
/metrics in the Prometheus text format.
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			reg := prometheus.NewRegistry()
			observer, err := metrics.NewPrometheusObserver(reg)
			if err != nil {
				return err
			}

			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				return runWorker(ctx, e, reg, opts)
			}, approvalflow.WithAdditionalObserver(observer))
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Worker goroutines (default worker.concurrency from config)")

	return cmd
}

func runWorker(ctx context.Context, e *env, reg *prometheus.Registry, opts *workerOptions) error {
	reg.MustRegister(
		metrics.NewCacheCollector(e.engine),
		metrics.NewQueueDepthGauge(e.queue),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	concurrency := e.cfg.Worker.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}

	w := worker.NewWithConfig(e.engine, e.queue, worker.Config{
		Sink: worker.LogSink{Logger: e.logger},
		Retry: worker.RetryPolicy{
			MaxAttempts:       e.cfg.Worker.MaxAttempts,
			InitialBackoff:    e.cfg.Worker.InitialBackoff,
			BackoffMultiplier: 2,
			MaxBackoff:        time.Minute,
		},
		Concurrency: concurrency,
		Logger:      e.logger,
	})
	s := worker.NewScheduler(e.engine, e.queue, worker.SchedulerConfig{
		Interval: e.cfg.Worker.SweepInterval,
		Logger:   e.logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return s.Run(ctx) })

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			e.logger.Info("serving metrics", "addr", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	e.logger.Info("worker started", "backend", e.cfg.Store.Backend, "concurrency", concurrency)
	err := g.Wait()
	e.logger.Info("worker stopped")
	return err
}
