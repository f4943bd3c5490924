package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/detector"
	"github.com/zauberzeug/loopnode/detector/mockdetector"
	"github.com/zauberzeug/loopnode/errors"
)

// NewDetectorCommand runs a detector node with the mocked detector.
func NewDetectorCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "detector",
		Short: "Run a detector node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			n, err := detector.NewNode(name, cfg, mockdetector.New())
			if err != nil {
				return errors.Wrap(err, "failed to create detector node")
			}
			return runNode(cmd.Context(), cfg, detectorAdapter{n})
		},
	}
	cmd.Flags().StringVar(&name, "name", "mocked detector", "node name reported to the loop")
	return cmd
}

// detectorAdapter lifts the detector node's Start (which cannot fail) into
// the runNode contract.
type detectorAdapter struct {
	*detector.DetectorNode
}

func (a detectorAdapter) Start(ctx context.Context) error {
	a.DetectorNode.Start(ctx)
	return nil
}
