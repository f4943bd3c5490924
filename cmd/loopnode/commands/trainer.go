// Package commands holds the loopnode CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
	"github.com/zauberzeug/loopnode/restart"
	"github.com/zauberzeug/loopnode/trainer"
	"github.com/zauberzeug/loopnode/trainer/mocktrainer"
)

// NewTrainerCommand runs a trainer node. Without a real trainer plugged in
// it serves the mocked implementation, which exercises the whole lifecycle
// against a loop instance.
func NewTrainerCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "trainer",
		Short: "Run a trainer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			n, err := trainer.NewNode(name, cfg, mocktrainer.New())
			if err != nil {
				return errors.Wrap(err, "failed to create trainer node")
			}
			return runNode(cmd.Context(), cfg, n)
		},
	}
	cmd.Flags().StringVar(&name, "name", "mocked trainer", "node name reported to the loop")
	return cmd
}

// lifecycleNode is what runNode needs from a worker node.
type lifecycleNode interface {
	Stop()
}

type startableNode interface {
	lifecycleNode
	Start(ctx context.Context) error
}

// runNode starts the node and blocks until a signal or, with MANUAL_RESTART
// set, until the operator touches the restart folder.
func runNode(ctx context.Context, cfg *config.Config, n startableNode) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.Start(runCtx); err != nil {
		return err
	}
	defer n.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if cfg.ManualRestart {
		restartRequested := make(chan struct{})
		go func() {
			if err := restart.Watch(runCtx, filepath.Join(cfg.DataFolder, "restart")); err == nil {
				close(restartRequested)
			}
		}()
		select {
		case sig := <-signals:
			logger.Infow("shutting down", "signal", sig.String())
			return nil
		case <-restartRequested:
			logger.Infow("restart requested, exiting for supervisor")
			return nil
		}
	}

	sig := <-signals
	logger.Infow("shutting down", "signal", sig.String())
	return nil
}
