package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskplane/internal/app/di"
	"taskplane/internal/delivery/server"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/config"
	"taskplane/internal/shared/logging"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket channel and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("Serve")
	container, err := di.Build(ctx, cfg, di.WithVersion(Version))
	if err != nil {
		return err
	}

	hub := server.NewHub(logging.NewComponentLogger("WebSocketHub"))
	if err := container.Orchestrator.RegisterObserver(hub); err != nil {
		_ = container.Shutdown(context.Background())
		return err
	}
	push := func(_ *task.Task, req *tool.ApprovalRequest) { hub.PushApproval(req) }
	container.Orchestrator.OnApprovalRequest(push)
	container.Orchestrator.OnApprovalResolved(push)

	if err := container.Start(ctx); err != nil {
		_ = container.Shutdown(context.Background())
		return err
	}

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, container.Orchestrator, container.Approvals, hub,
		server.WithGatherer(container.Registry),
		server.WithLogger(logging.NewComponentLogger("HTTPServer")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return container.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
