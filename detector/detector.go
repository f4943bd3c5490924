// Package detector provides the detector node variant: it keeps a deployed
// model in sync with the loop's target and answers detect requests with the
// Detector hook. It shares the node base and the artifact transport with the
// trainer.
package detector

import (
	"context"

	"github.com/zauberzeug/loopnode/types"
)

// Detector is the capability interface a concrete detector implementation
// fills in.
type Detector interface {
	// ModelFormat names the archive format this detector consumes.
	ModelFormat() string

	// LoadModel activates the model unpacked in modelFolder.
	LoadModel(modelFolder string, info *types.ModelInformation) error

	// Detect runs inference on one jpeg image.
	Detect(ctx context.Context, image []byte) (types.Detections, error)
}
