// Package di assembles the control plane from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskplane/internal/app/approval"
	"taskplane/internal/app/executor"
	"taskplane/internal/app/orchestrator"
	"taskplane/internal/app/planner"
	"taskplane/internal/app/replan"
	"taskplane/internal/app/scheduler"
	"taskplane/internal/app/toolruntime"
	"taskplane/internal/domain/tool"
	"taskplane/internal/infra/store"
	"taskplane/internal/infra/tools/builtin"
	"taskplane/internal/observability"
	"taskplane/internal/shared/async"
	"taskplane/internal/shared/config"
	"taskplane/internal/shared/logging"
	id "taskplane/internal/shared/utils/id"
)

// approvalRetention is how long resolved approvals stay queryable.
const approvalRetention = time.Hour

// Container holds every long-lived component of the process.
type Container struct {
	Config       config.Config
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	Tracer       *observability.TracerProvider
	Store        *store.Backend
	Approvals    *approval.Manager
	Tools        *toolruntime.Registry
	Runtime      *toolruntime.Runtime
	Planner      *planner.StaticPlanner
	Replanner    *replan.Replanner
	Executor     *executor.Executor
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler

	builtins *builtin.Set
	logger   logging.Logger
	stop     context.CancelFunc
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	version string
	tools   []tool.Tool
	skipLog bool
}

// WithVersion is reported as the tracing service version.
func WithVersion(version string) Option {
	return func(o *buildOptions) { o.version = version }
}

// WithTools registers extra tools next to the built-ins.
func WithTools(tools ...tool.Tool) Option {
	return func(o *buildOptions) { o.tools = append(o.tools, tools...) }
}

// WithoutLogConfigure leaves the process-wide log handler untouched.
func WithoutLogConfigure() Option {
	return func(o *buildOptions) { o.skipLog = true }
}

// Build wires the container. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (c *Container, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := buildOptions{version: "dev"}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.skipLog {
		logging.Configure(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	}
	id.SetStrategy(id.ParseStrategy(cfg.IDs.Strategy))

	c = &Container{Config: cfg, logger: logging.NewComponentLogger("DI")}
	defer func() {
		if err != nil {
			_ = c.Shutdown(context.Background())
			c = nil
		}
	}()

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = observability.MustNewMetrics(c.Registry)

	if c.Tracer, err = observability.NewTracerProvider(cfg.Tracing, options.version); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if c.Store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, err
	}

	c.Approvals = approval.NewManager(
		approval.WithTTL(cfg.Approval.TTL()),
		approval.WithSink(c.Store.Sink),
		approval.WithLogger(logging.NewComponentLogger("Approvals")),
	)
	c.Approvals.AddListener(approval.ListenerFuncs{
		OnResolved: func(req *tool.ApprovalRequest) {
			c.Metrics.ApprovalResolved(string(req.Kind), string(req.Status))
		},
	})

	c.Tools = toolruntime.NewRegistry()
	if c.builtins, err = builtin.Register(c.Tools, cfg.Tools); err != nil {
		return nil, err
	}
	for _, t := range options.tools {
		if err = c.Tools.Register(t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	c.Runtime = toolruntime.New(c.Tools, c.Approvals,
		toolruntime.WithTimeout(cfg.Tools.Timeout),
		toolruntime.WithTracer(c.Tracer),
		toolruntime.WithMetrics(c.Metrics),
		toolruntime.WithLogger(logging.NewComponentLogger("ToolRuntime")),
	)

	if c.Planner, err = planner.Load(cfg.Planner.PlansFile); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	c.Replanner = replan.New(replan.Config{
		Alternatives: cfg.Tools.Alternatives,
		Available:    c.Tools.Has,
		Planner:      c.Planner,
		Backoff: replan.Backoff{
			Initial: cfg.Recovery.Backoff.Initial,
			Max:     cfg.Recovery.Backoff.Max,
			Factor:  cfg.Recovery.Backoff.Factor,
		},
		LogRecovery: cfg.Recovery.LogRecovery,
	},
		replan.WithSink(c.Store.Sink),
		replan.WithMetrics(c.Metrics),
		replan.WithTracer(c.Tracer),
		replan.WithLogger(logging.NewComponentLogger("Replanner")),
	)

	c.Executor = executor.New(c.Runtime, c.Planner, c.Replanner, executor.Config{
		Limits: replan.Limits{
			MaxRetries:      cfg.Recovery.MaxRetries,
			MaxAlternatives: cfg.Recovery.MaxAlternatives,
			GlobalTimeout:   cfg.Recovery.GlobalTimeout(),
		},
		AutoRetry: cfg.Recovery.AutoRetry,
	},
		executor.WithTracer(c.Tracer),
		executor.WithLogger(logging.NewComponentLogger("Executor")),
	)

	c.Orchestrator, err = orchestrator.New(c.Executor, orchestrator.Config{
		MaxQueueDepth:    cfg.Queue.MaxDepth,
		RatePerMinute:    float64(cfg.Queue.RatePerMinute),
		Burst:            cfg.Queue.Burst,
		MaxTerminalTasks: cfg.Retention.MaxTerminalTasks,
	},
		orchestrator.WithApprovals(c.Approvals),
		orchestrator.WithHistory(c.Runtime),
		orchestrator.WithArchive(c.Store.Archive),
		orchestrator.WithSink(c.Store.Sink),
		orchestrator.WithMetrics(c.Metrics),
		orchestrator.WithLogger(logging.NewComponentLogger("Orchestrator")),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	triggers := make([]scheduler.Trigger, 0, len(cfg.Scheduler.Triggers))
	for _, tc := range cfg.Scheduler.Triggers {
		triggers = append(triggers, scheduler.Trigger{Name: tc.Name, Schedule: tc.Schedule, Message: tc.Message})
	}
	c.Scheduler = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Triggers: triggers,
	}, c.Orchestrator, logging.NewComponentLogger("Scheduler"))

	c.logger.Info("container built: store=%s tools=%v", cfg.Store.Driver, c.Tools.List())
	return c, nil
}

// Start launches background components. They stop when ctx is done or on
// Shutdown.
func (c *Container) Start(ctx context.Context) error {
	ctx, c.stop = context.WithCancel(ctx)
	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}
	async.Go(c.logger, "approval-janitor", func() {
		ticker := time.NewTicker(approvalRetention / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := c.Approvals.Forget(now.Add(-approvalRetention)); n > 0 {
					c.logger.Debug("forgot %d resolved approvals", n)
				}
			}
		}
	})
	return nil
}

// Shutdown stops components in reverse dependency order.
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down container...")
	if c.stop != nil {
		c.stop()
	}
	var errs []error
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	c.builtins.Close()
	if c.Store != nil {
		c.Store.Close()
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
