// Package serve runs jobgate as a long-lived submission service
package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/cmdcontext"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/observability"
	"github.com/sciencegateway/jobgate/pkg/server"
	"github.com/sciencegateway/jobgate/pkg/tasks"
	"github.com/sciencegateway/jobgate/pkg/terminal"
	"github.com/sciencegateway/jobgate/pkg/worker"
)

const drainTimeout = 30 * time.Second

var serveLong = `Accept submissions over HTTP, run them on a bounded worker pool and poll
the schedulers of accepted jobs until they finish. Prometheus metrics are
served at /metrics.`

func NewCmdServe(t *terminal.Terminal, envs util.EnvProvider) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:                   "serve",
		DisableFlagsInUseLine: true,
		Short:                 "Run the submission service",
		Long:                  serveLong,
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics, handler, err := observability.NewMetrics(ctx)
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			env, err := envs(ctx, cmdcontext.WithMetrics(metrics))
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			if listenAddr != "" {
				env.Config.ListenAddr = listenAddr
			}
			t.Vprintf("serving on %s\n", t.Green(env.Config.ListenAddr))

			if err := Serve(ctx, env, metrics, handler); err != nil {
				return errors.WrapAndTrace(err)
			}
			return errors.WrapAndTrace(metrics.Shutdown(context.Background()))
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on (default from config)")

	return cmd
}

// Serve runs the HTTP server, the worker pool and the status monitor until
// ctx is done. Accepted submissions keep running until the pool drains.
func Serve(ctx context.Context, env *cmdcontext.Env, metrics *observability.Metrics, metricsHandler http.Handler) error {
	cfg := env.Config
	log := env.Log

	monitor := tasks.NewStatusMonitor(env.Orchestrator, cfg.MonitorSchedule, log)
	pool := worker.New(worker.Config{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, env.Orchestrator, log,
		worker.WithResultHook(func(r worker.Result) {
			monitor.Track(r.Request.Target, r.Job)
		}))
	pool.Start(context.WithoutCancel(ctx))

	var opts []server.Option
	if metrics != nil {
		if err := metrics.ObserveQueueDepth(func() int64 { return int64(pool.Stats().QueueDepth) }); err != nil {
			return errors.WrapAndTrace(err)
		}
		opts = append(opts, server.WithMetrics(metricsHandler, metrics))
	}
	srv := server.NewServer(cfg.ListenAddr, pool, env.Registry, log, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return tasks.NewTaskRunner([]tasks.Task{monitor}, log).Run(gctx)
	})
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pool.Close(drainCtx); err != nil {
		log.Error("worker pool did not drain", zap.Error(err), zap.Any("stats", pool.Stats()))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
