package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskplane/internal/app/di"
	"taskplane/internal/app/orchestrator"
	"taskplane/internal/delivery/channels/terminal"
	"taskplane/internal/domain/task"
	"taskplane/internal/shared/config"
	"taskplane/internal/shared/logging"
)

// errTaskUnsuccessful marks a task that ended FAILED or ABORTED. The result
// has already been printed.
var errTaskUnsuccessful = errors.New("task did not complete")

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		userID      string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one task on the terminal channel and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ch := terminal.New(terminal.Config{
				UserID:      userID,
				AutoApprove: autoApprove,
				In:          cmd.InOrStdin(),
				Out:         cmd.OutOrStdout(),
			}, nil, logging.NewComponentLogger("Terminal"))
			return runOnce(cmd.Context(), cfg, ch, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "operator", "User id that owns the session")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve every request without prompting")
	return cmd
}

func runOnce(ctx context.Context, cfg config.Config, ch *terminal.Channel, message string) error {
	container, err := di.Build(ctx, cfg, di.WithVersion(Version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = container.Shutdown(shutdownCtx)
	}()

	ch.SetResponder(container.Approvals)
	if err := container.Orchestrator.RegisterObserver(ch); err != nil {
		return err
	}
	container.Orchestrator.OnApprovalRequest(ch.HandleApprovalRequest)
	if err := container.Start(ctx); err != nil {
		return err
	}

	created, err := container.Orchestrator.CreateTask(ctx, message, ch.SessionID(), orchestrator.WithUserID(ch.UserID()))
	if err != nil {
		return err
	}
	fmt.Fprintln(ch.Out(), gray("task "+created.ID+" queued"))

	resp, err := ch.Wait(ctx, created.ID)
	if err != nil {
		// Interrupted: abort and give delivery a moment to report it.
		_, _ = container.Orchestrator.AbortTask(context.Background(), created.ID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if resp, err = ch.Wait(waitCtx, created.ID); err != nil {
			return fmt.Errorf("task %s: %w", created.ID, err)
		}
	}
	if resp.Status != task.ResponseDone {
		return fmt.Errorf("%w: %s", errTaskUnsuccessful, resp.Status)
	}
	return nil
}
