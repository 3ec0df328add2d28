package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/rollr/internal/app/agent"
	"github.com/slok/rollr/internal/app/cleanup"
	"github.com/slok/rollr/internal/app/jobs"
	"github.com/slok/rollr/internal/app/rollouts"
	"github.com/slok/rollr/internal/app/stats"
	"github.com/slok/rollr/internal/app/tasks"
	"github.com/slok/rollr/internal/dispatch"
	"github.com/slok/rollr/internal/httpapi"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/provision"
	"github.com/slok/rollr/internal/reconcile"
	"github.com/slok/rollr/internal/steplog"
	"github.com/slok/rollr/internal/storage"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	sandbox *sandboxFlags

	listenAddress   string
	callbackURL     string
	appHost         string
	workers         int
	memoryStore     bool
	statsLimit      int
	shutdownTimeout time.Duration
	noCleanup       bool
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the rollout control plane HTTP server.")
	c.Cmd.Flag("listen-address", "Address the HTTP server listens on.").Default(":8000").StringVar(&c.listenAddress)
	c.Cmd.Flag("callback-url", "Control plane base URL as reachable from the sandbox workers.").Default("http://host.docker.internal:8000").StringVar(&c.callbackURL)
	c.Cmd.Flag("app-host", "Host the sandbox application ports are published on.").Default("127.0.0.1").StringVar(&c.appHost)
	c.Cmd.Flag("workers", "Number of sandboxes provisioned in parallel.").Default("4").IntVar(&c.workers)
	c.Cmd.Flag("memory-store", "Use an ephemeral in-memory store instead of SQLite.").BoolVar(&c.memoryStore)
	c.Cmd.Flag("stats-limit", "Max number of rollouts on each stats list.").Default(fmt.Sprint(stats.DefaultLimit)).IntVar(&c.statsLimit)
	c.Cmd.Flag("shutdown-timeout", "Max time waiting for in-flight provisionings on shutdown.").Default("60s").DurationVar(&c.shutdownTimeout)
	c.Cmd.Flag("no-cleanup", "Don't remove the sandboxes and close the active rollouts on shutdown.").BoolVar(&c.noCleanup)
	c.sandbox = registerSandboxFlags(c.Cmd)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	repo, closeRepo, err := newRepository(ctx, *c.rootCmd, c.memoryStore)
	if err != nil {
		return err
	}
	defer closeRepo()

	deps, err := c.sandbox.build(ctx, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	stepLogs, err := steplog.NewStore(steplog.StoreConfig{Dir: c.rootCmd.StepLogsDir(), Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create step log store: %w", err)
	}

	pipeline, err := provision.NewPipeline(provision.PipelineConfig{
		Control: deps.control,
		Seeder:  deps.seeder,
		Ports:   deps.ports,
		Profile: deps.profile,
		AppHost: c.appHost,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create provisioning pipeline: %w", err)
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Repository:  repo,
		Pipeline:    pipeline,
		Teardown:    deps.teardown,
		StepLogs:    stepLogs,
		CallbackURL: c.callbackURL,
		Workers:     c.workers,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create dispatcher: %w", err)
	}

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Repository: repo,
		Containers: deps.control,
		Teardown:   deps.teardown,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create reconciler: %w", err)
	}

	cleanupSvc, err := cleanup.NewService(cleanup.ServiceConfig{
		Repository: repo,
		Control:    deps.control,
		Teardown:   deps.teardown,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create cleanup service: %w", err)
	}

	handler, err := c.newHandler(repo, dispatcher, reconciler, deps, stepLogs, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              c.listenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var g run.Group

	// HTTP server.
	{
		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": c.listenAddress}).Infof("HTTP server listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(sctx); err != nil {
					logger.Warningf("Could not shut down HTTP server gracefully: %v", err)
				}
			},
		)
	}

	// Termination.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	runErr := g.Run()

	// Shutdown: drain the in-flight provisionings, then release every sandbox.
	logger.Infof("Shutting down control plane")
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(dctx); err != nil {
		logger.Warningf("Could not wait for in-flight provisionings: %v", err)
	}

	if !c.noCleanup {
		if _, err := cleanupSvc.Run(ctx); err != nil {
			logger.Errorf("Could not clean up sandboxes: %v", err)
		}
	}

	return runErr
}

func (c ServeCommand) newHandler(repo storage.Repository, dispatcher *dispatch.Dispatcher, reconciler *reconcile.Reconciler, deps *sandboxDeps, stepLogs *steplog.Store, logger log.Logger) (http.Handler, error) {
	tasksSvc, err := tasks.NewService(tasks.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create tasks service: %w", err)
	}

	jobsSvc, err := jobs.NewService(jobs.ServiceConfig{Repository: repo, Teardown: deps.teardown, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create jobs service: %w", err)
	}

	rolloutsSvc, err := rollouts.NewService(rollouts.ServiceConfig{
		Repository: repo,
		Spawner:    dispatcher,
		Reconciler: reconciler,
		Teardown:   deps.teardown,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create rollouts service: %w", err)
	}

	agentSvc, err := agent.NewService(agent.ServiceConfig{
		Repository: repo,
		Teardown:   deps.teardown,
		StepLogs:   stepLogs,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create agent service: %w", err)
	}

	statsSvc, err := stats.NewService(stats.ServiceConfig{
		Repository: repo,
		Reconciler: reconciler,
		Limit:      c.statsLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create stats service: %w", err)
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Tasks:    tasksSvc,
		Jobs:     jobsSvc,
		Rollouts: rolloutsSvc,
		Agent:    agentSvc,
		Stats:    statsSvc,
		StepLogs: stepLogs,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create HTTP handler: %w", err)
	}

	return handler, nil
}
