// Package trainer contains the trainer node and the state machine that
// drives a training run from data download through training, model upload,
// detection and cleanup. The actual ML work is behind the Trainer interface;
// this package owns the lifecycle.
package trainer

import (
	"context"

	"github.com/zauberzeug/loopnode/executor"
	"github.com/zauberzeug/loopnode/types"
)

// Trainer is the capability interface a concrete trainer implementation
// fills in. All methods are pure with respect to the arguments they are
// given; the state machine owns every piece of shared state.
type Trainer interface {
	// ModelFormat names the format the trainer uploads by default, used in
	// loop model paths (e.g. "yolo", "mocked").
	ModelFormat() string

	// ModelArchitecture describes the network for status reports.
	ModelArchitecture() string

	// StartTraining launches the subprocess via exec.Start, continuing from
	// the downloaded base model in the training folder.
	StartTraining(ctx context.Context, exec *executor.Executor, training *types.Training) error

	// StartTrainingFromScratch launches the subprocess from a pretrained
	// starting point. name is one of ProvidedPretrainedModels.
	StartTrainingFromScratch(ctx context.Context, exec *executor.Executor, training *types.Training, name string) error

	// CanResume reports whether a previously published snapshot exists that
	// the trainer can continue from. When true, Resume is called instead of
	// StartTraining.
	CanResume(training *types.Training) bool

	// Resume continues a training from the last published snapshot.
	Resume(ctx context.Context, exec *executor.Executor, training *types.Training) error

	// GetExecutorErrorFromLog parses the tail of the training log and
	// returns a non-empty error message when the subprocess has failed.
	GetExecutorErrorFromLog(log string) string

	// GetNewModel inspects the training directory and returns the current
	// best snapshot, or nil when nothing new is available.
	GetNewModel(training *types.Training) (*types.BasicModel, error)

	// OnModelPublished is called after a snapshot has been accepted by the
	// loop; the trainer retains the snapshot's files under a stable name
	// for GetLatestModelFiles.
	OnModelPublished(training *types.Training, model *types.BasicModel) error

	// GetLatestModelFiles returns the files to upload for the final model,
	// per format. A nil map means there is nothing worth uploading.
	GetLatestModelFiles(training *types.Training) (map[string][]string, error)

	// Detect runs inference over the given image files with the model in
	// modelFolder.
	Detect(ctx context.Context, info *types.ModelInformation, images []string, modelFolder string) ([]types.Detections, error)

	// ClearTrainingData deletes scratch data below the training folder,
	// keeping what must be retained.
	ClearTrainingData(trainingFolder string) error

	// ProvidedPretrainedModels lists the named starting points this trainer
	// ships.
	ProvidedPretrainedModels() []types.PretrainedModel

	// TrainingProgress reports the subprocess's progress for status
	// reports, or nil when unknown.
	TrainingProgress() *float64
}
