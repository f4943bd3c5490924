// Package mocktrainer is an in-memory trainer implementation. It exercises
// the whole training lifecycle without a GPU: the subprocess is a shell
// sleep, snapshots are deterministic confusion matrices over the training's
// categories and detections are synthesized per image. Used by the package
// tests and the `loopnode trainer` command.
package mocktrainer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/executor"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

// errorMarker is the log prefix the mock treats as a fatal trainer error.
const errorMarker = "ERROR:"

// MockTrainer implements trainer.Trainer.
type MockTrainer struct {
	// TrainCommand is what the executor runs; tests shorten it.
	TrainCommand string

	// provideNewModel gates GetNewModel; SetProvideNewModel controls
	// whether a snapshot appears.
	mu              sync.Mutex
	provideNewModel bool
	published       []*types.BasicModel
	progress        float64
	launches        []string
}

// New returns a mock trainer whose subprocess idles until stopped.
func New() *MockTrainer {
	return &MockTrainer{
		TrainCommand:    `sh -c "echo training started; sleep 86400"`,
		provideNewModel: true,
	}
}

// SetProvideNewModel controls whether GetNewModel reports a snapshot.
func (m *MockTrainer) SetProvideNewModel(provide bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provideNewModel = provide
}

// PublishedModels returns every snapshot accepted by the loop so far.
func (m *MockTrainer) PublishedModels() []*types.BasicModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.BasicModel(nil), m.published...)
}

func (m *MockTrainer) ModelFormat() string       { return "mocked" }
func (m *MockTrainer) ModelArchitecture() string { return "mocked" }

func (m *MockTrainer) StartTraining(_ context.Context, exec *executor.Executor, _ *types.Training) error {
	m.recordLaunch("base")
	return exec.Start(m.TrainCommand)
}

func (m *MockTrainer) StartTrainingFromScratch(_ context.Context, exec *executor.Executor, _ *types.Training, name string) error {
	m.recordLaunch("scratch:" + name)
	return exec.Start(m.TrainCommand)
}

func (m *MockTrainer) recordLaunch(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches = append(m.launches, mode)
}

// Launches returns how every training run was started ("base" or
// "scratch:<name>").
func (m *MockTrainer) Launches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.launches...)
}

func (m *MockTrainer) CanResume(_ *types.Training) bool { return false }

func (m *MockTrainer) Resume(context.Context, *executor.Executor, *types.Training) error {
	return errors.New("mock trainer cannot resume")
}

// GetExecutorErrorFromLog returns the first line marked as an error.
func (m *MockTrainer) GetExecutorErrorFromLog(log string) string {
	for _, line := range strings.Split(log, "\n") {
		if strings.HasPrefix(line, errorMarker) {
			return strings.TrimSpace(strings.TrimPrefix(line, errorMarker))
		}
	}
	return ""
}

// GetNewModel reports a snapshot with one deterministic counter set per
// category.
func (m *MockTrainer) GetNewModel(training *types.Training) (*types.BasicModel, error) {
	m.mu.Lock()
	provide := m.provideNewModel
	m.mu.Unlock()
	if !provide || training == nil || training.Data == nil {
		return nil, nil
	}

	matrix := types.ConfusionMatrix{}
	for _, c := range training.Data.Categories {
		matrix[c.ID] = types.CategoryCounts{TP: 10, FP: 2, FN: 1}
	}
	return &types.BasicModel{
		ConfusionMatrix: matrix,
		MetaInformation: map[string]interface{}{"weightfile": "latest.mocked"},
	}, nil
}

// OnModelPublished retains the accepted snapshot and pins its weight file
// under a stable name for the final upload. Like a real trainer process it
// also leaves a fresh model.json describing the snapshot in the training
// folder.
func (m *MockTrainer) OnModelPublished(training *types.Training, model *types.BasicModel) error {
	m.mu.Lock()
	m.published = append(m.published, model)
	m.mu.Unlock()

	info := types.ModelInformation{ID: training.ID}
	if training.Data != nil {
		info.Categories = training.Data.Categories
		if training.Data.Hyperparameter != nil {
			info.Resolution = training.Data.Hyperparameter.Resolution
		}
	}
	if err := persist.WriteJSONAtomic(filepath.Join(training.TrainingFolder, "model.json"), info); err != nil {
		return err
	}

	path := filepath.Join(training.TrainingFolder, "published", "latest.mocked")
	return persist.WriteFileAtomic(path, []byte("mocked weights"))
}

// GetLatestModelFiles returns the pinned weight file, creating it if the
// training never published (a very short run can finish before any sync).
func (m *MockTrainer) GetLatestModelFiles(training *types.Training) (map[string][]string, error) {
	if training == nil {
		return nil, errors.New("no training to gather files from")
	}
	path := filepath.Join(training.TrainingFolder, "published", "latest.mocked")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist.WriteFileAtomic(path, []byte("mocked weights")); err != nil {
			return nil, err
		}
	}
	return map[string][]string{"mocked": {path}}, nil
}

// Detect produces one box per image and category.
func (m *MockTrainer) Detect(_ context.Context, info *types.ModelInformation, images []string, _ string) ([]types.Detections, error) {
	detections := make([]types.Detections, 0, len(images))
	for range images {
		d := types.Detections{}
		for _, c := range info.Categories {
			d.BoxDetections = append(d.BoxDetections, types.BoxDetection{
				CategoryName: c.Name,
				X:            10, Y: 10, Width: 100, Height: 100,
				ModelName:  "mocked",
				Confidence: 0.42,
			})
		}
		detections = append(detections, d)
	}
	return detections, nil
}

// ClearTrainingData removes the training's scratch files.
func (m *MockTrainer) ClearTrainingData(trainingFolder string) error {
	entries, err := os.ReadDir(trainingFolder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to list %s", trainingFolder)
	}
	for _, entry := range entries {
		if entry.Name() == "last_training.json" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(trainingFolder, entry.Name())); err != nil {
			return errors.Wrapf(err, "failed to remove %s", entry.Name())
		}
	}
	return nil
}

// ProvidedPretrainedModels lists the mock's starting points; "tiny" is the
// one the demos use.
func (m *MockTrainer) ProvidedPretrainedModels() []types.PretrainedModel {
	return []types.PretrainedModel{
		{Name: "tiny", Label: "Tiny", Description: "smallest mocked network"},
		{Name: "small", Label: "Small", Description: "small mocked network"},
	}
}

// TrainingProgress reports the mock's synthetic progress.
func (m *MockTrainer) TrainingProgress() *float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress
	return &p
}

// SetTrainingProgress updates the synthetic progress.
func (m *MockTrainer) SetTrainingProgress(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = p
}
