package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/gatekeeper/internal/daemon"
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run loads the tenant layout, replays trigger events from the spool
directory and sweeps the pipelines until interrupted. A second interrupt
exits immediately.`,
		Args: cobra.NoArgs,
		RunE: a.runDaemon,
	}
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().Bool("metrics", false, "serve Prometheus metrics")
	cmd.Flags().Bool("relative-priority", false, "rank node requests within shared queues")
	_ = a.v.BindPFlag("logging.level", cmd.Flags().Lookup("log-level"))
	_ = a.v.BindPFlag("metrics.enabled", cmd.Flags().Lookup("metrics"))
	_ = a.v.BindPFlag("scheduler.relative_priority", cmd.Flags().Lookup("relative-priority"))
	return cmd
}

func (a *app) runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(*cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		cancel()
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "received second signal, forcing exit")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	return d.Run(ctx)
}
