package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zauberzeug/loopnode/cmd/loopnode/commands"
	"github.com/zauberzeug/loopnode/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loopnode",
	Short: "loopnode - Learning Loop worker node",
	Long: `loopnode - worker nodes for the Zauberzeug Learning Loop.

A node connects to the Learning Loop over a persistent event channel,
receives commands (begin training, stop training, save, detect), executes
them while supervising the actual trainer process and reports status and
artifacts back to the loop.

Available commands:
  trainer  - Run a trainer node
  detector - Run a detector node
  version  - Show build information

Configuration comes from the environment: LOOP_HOST, LOOP_ORGANIZATION,
LOOP_PROJECT, LOOP_USERNAME, LOOP_PASSWORD, DATA_FOLDER and the restart
flags MANUAL_RESTART / RESTART_AFTER_TRAINING / KEEP_OLD_TRAININGS.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit structured JSON logs")
	rootCmd.AddCommand(commands.NewTrainerCommand())
	rootCmd.AddCommand(commands.NewDetectorCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
