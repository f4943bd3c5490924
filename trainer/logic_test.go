package trainer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/internal/testloop"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/trainer"
	"github.com/zauberzeug/loopnode/trainer/mocktrainer"
	"github.com/zauberzeug/loopnode/types"
)

var testCategories = []types.Category{{ID: "c1", Name: "A"}}

type fixture struct {
	node *trainer.TrainerNode
	stub *testloop.Stub
	mock *mocktrainer.MockTrainer
	cfg  *config.Config
}

// newFixture prepares an in-process loop stub and a mock trainer; start
// wires the trainer node against them with the periodic check-state pass
// suspended.
func newFixture(t *testing.T) *fixture {
	stub := testloop.New(t)
	cfg := &config.Config{
		Host:         stub.URL(),
		Organization: "zauberzeug",
		Project:      "pytest",
		DataFolder:   t.TempDir(),
	}
	mock := mocktrainer.New()
	mock.TrainCommand = `sh -c "echo training done"`

	f := &fixture{stub: stub, mock: mock, cfg: cfg}
	stub.SetModelInformation(testCategories, 800)
	stub.ImageIDsByState["complete"] = []string{"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222", "33333333-3333-4333-8333-333333333333"}
	stub.TestImageIDs["33333333-3333-4333-8333-333333333333"] = true
	return f
}

// start creates and connects the node; call after adjusting the fixture.
func (f *fixture) start(t *testing.T) {
	n, err := trainer.NewNode("test trainer", f.cfg, f.mock)
	require.NoError(t, err)
	n.SkipCheckState = true
	f.node = n

	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	require.Eventually(t, n.Channel.Connected, 10*time.Second, 10*time.Millisecond, "node never connected")
}

func (f *fixture) beginTraining(t *testing.T, details types.TrainingDetails) types.SocketResponse {
	return f.stub.CallNode("begin_training", []interface{}{"zauberzeug", "pytest", details})
}

func defaultDetails() types.TrainingDetails {
	return types.TrainingDetails{
		ID:             "917d5c7f-403d-4e92-b95f-577f79c2273a",
		TrainingNumber: 0,
		Categories:     testCategories,
		Resolution:     800,
	}
}

func (f *fixture) waitForCompletion(t *testing.T) {
	require.Eventually(t, func() bool {
		return !f.node.Logic.TrainingActive()
	}, 90*time.Second, 50*time.Millisecond, "training never completed")
}

func (f *fixture) projectFolder() string {
	return filepath.Join(f.cfg.DataFolder, "zauberzeug", "pytest")
}

func TestHappyPathReachesCleanup(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	resp := f.beginTraining(t, defaultDetails())
	require.True(t, resp.Success, "begin_training rejected: %s", resp.Error)

	// While the pipeline runs, the published snapshot leaves a model.json
	// in the training folder describing categories and resolution.
	var published types.ModelInformation
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(f.projectFolder(), "trainings", "*", "model.json"))
		if len(matches) == 0 {
			return false
		}
		return persist.ReadJSON(matches[0], &published) == nil
	}, 90*time.Second, 10*time.Millisecond, "no model.json appeared in the training folder")
	require.Len(t, published.Categories, 1)
	assert.Equal(t, "c1", published.Categories[0].ID)
	assert.Equal(t, 800, published.Resolution)

	f.waitForCompletion(t)

	// The loop saw at least one confusion-matrix sync from this node.
	updates := f.stub.TrainingUpdates()
	require.NotEmpty(t, updates)
	assert.Equal(t, f.node.UUID, updates[0].TrainerID)
	assert.Contains(t, updates[0].ConfusionMatrix, "c1")
	assert.Equal(t, 2, updates[0].TrainImageCount)
	assert.Equal(t, 1, updates[0].TestImageCount)

	// Exactly one model upload for training number 0.
	uploads := f.stub.ModelUploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "/zauberzeug/projects/pytest/trainings/0/models/latest/mocked/file", uploads[0])

	// One detection batch covering the three images, reconciled to ids.
	batches := f.stub.DetectionBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	require.NotEmpty(t, batches[0][0].BoxDetections)
	assert.Equal(t, "c1", batches[0][0].BoxDetections[0].CategoryID)
	assert.Equal(t, "A", batches[0][0].BoxDetections[0].CategoryName)

	// Cleanup removed the resume marker.
	assert.False(t, persist.NewLastTrainingIO(f.projectFolder()).Exists())

	// Images stayed on disk for the next training.
	_, err := os.Stat(filepath.Join(f.projectFolder(), "images", "11111111-1111-4111-8111-111111111111.jpg"))
	assert.NoError(t, err)
}

func TestPretrainedStartSkipsModelDownload(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	details := defaultDetails()
	details.ID = "tiny"
	resp := f.beginTraining(t, details)
	require.True(t, resp.Success)
	f.waitForCompletion(t)

	launches := f.mock.Launches()
	require.NotEmpty(t, launches)
	assert.Equal(t, "scratch:tiny", launches[0])
}

func TestUnknownBaseModelSetsStartTrainingError(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	details := defaultDetails()
	details.ID = "no-such-pretrained-model"
	resp := f.beginTraining(t, details)
	require.True(t, resp.Success) // accepted; failure surfaces via the error map

	require.Eventually(t, func() bool {
		return f.node.Logic.Errors.Get("start_training") != ""
	}, 30*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.mock.Launches())
}

func TestPrepareFailureRollsBackAndRetries(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// Three 500s exhaust the HTTP client's own retries, so the first
	// prepare attempt fails and the state machine rolls back one step.
	f.stub.FailNext("/data", 3)

	resp := f.beginTraining(t, defaultDetails())
	require.True(t, resp.Success)

	sawPrepareError := false
	require.Eventually(t, func() bool {
		if f.node.Logic.Errors.Get("prepare") != "" {
			sawPrepareError = true
		}
		return sawPrepareError && f.node.Logic.TrainingState().AtLeast(types.TrainerStateDataDownloaded)
	}, 60*time.Second, 5*time.Millisecond, "prepare never failed and recovered")

	f.waitForCompletion(t)
	assert.Empty(t, f.node.Logic.Errors.Get("prepare"))
}

// seedTraining persists a training at the given state, as a crashed process
// would have left it.
func seedTraining(t *testing.T, f *fixture, state types.TrainerState) *types.Training {
	projectFolder := f.projectFolder()
	id := types.NewUUID4()
	training := &types.Training{
		ID:             id,
		Context:        types.Context{Organization: "zauberzeug", Project: "pytest"},
		TrainingNumber: 1,
		ProjectFolder:  projectFolder,
		ImagesFolder:   filepath.Join(projectFolder, "images"),
		TrainingFolder: filepath.Join(projectFolder, "trainings", id),
		BaseModelID:    "tiny",
		Data: &types.TrainingData{
			Categories:     testCategories,
			Hyperparameter: &types.Hyperparameter{Resolution: 800},
			ImageData:      []types.ImageMetadata{{ID: "img-a", Set: "train"}},
		},
		TrainingState: state,
	}
	require.NoError(t, os.MkdirAll(training.ImagesFolder, 0o755))
	require.NoError(t, os.MkdirAll(training.TrainingFolder, 0o755))
	require.NoError(t, persist.NewLastTrainingIO(projectFolder).Save(training))
	return training
}

func TestResumeAfterCrashAtTrainingFinished(t *testing.T) {
	f := newFixture(t)
	seedTraining(t, f, types.TrainerStateTrainingFinished)
	f.start(t)

	f.waitForCompletion(t)

	// No second training run was started; the pipeline continued from the
	// persisted state.
	assert.Empty(t, f.mock.Launches())
	assert.NotEmpty(t, f.stub.TrainingUpdates())
	assert.Len(t, f.stub.ModelUploads(), 1)
	assert.False(t, persist.NewLastTrainingIO(f.projectFolder()).Exists())
}

func TestDetectionUploadResumesAtProgressMarker(t *testing.T) {
	f := newFixture(t)
	training := seedTraining(t, f, types.TrainerStateDetected)

	activeIO := persist.NewActiveTrainingIO(training.TrainingFolder)
	for i := 0; i < 10; i++ {
		batch := []types.Detections{{ImageID: fmt.Sprintf("img-%d", i)}}
		require.NoError(t, activeIO.SaveDetections(batch, i))
	}
	// Batches 0..2 made it before the crash.
	require.NoError(t, activeIO.SaveDetectionUploadProgress(2))

	f.start(t)
	f.waitForCompletion(t)

	batches := f.stub.DetectionBatches()
	require.Len(t, batches, 7)
	assert.Equal(t, "img-3", batches[0][0].ImageID)
	assert.Equal(t, "img-9", batches[6][0].ImageID)
}

func TestExecutorErrorRevertsToTrainModelDownloaded(t *testing.T) {
	f := newFixture(t)
	f.mock.TrainCommand = `sh -c "echo ERROR: CUDA OOM; sleep 30"`
	f.start(t)

	details := defaultDetails()
	details.ID = "tiny"
	resp := f.beginTraining(t, details)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		return f.node.Logic.Errors.Get("run_training") == "CUDA OOM"
	}, 60*time.Second, 10*time.Millisecond)

	// The rollback target is observable between retries.
	require.Eventually(t, func() bool {
		state := f.node.Logic.TrainingState()
		return state == types.TrainerStateTrainModelDownloaded || state == types.TrainerStateTrainingRunning
	}, 10*time.Second, 5*time.Millisecond)
	assert.False(t, f.node.Logic.TrainingState().AtLeast(types.TrainerStateTrainingFinished))
}

func TestSecondBeginTrainingIsRejected(t *testing.T) {
	f := newFixture(t)
	f.mock.TrainCommand = `sh -c "sleep 60"`
	f.start(t)

	require.True(t, f.beginTraining(t, defaultDetails()).Success)
	require.Eventually(t, func() bool {
		return f.node.Logic.TrainingActive()
	}, 10*time.Second, 10*time.Millisecond)

	resp := f.beginTraining(t, defaultDetails())
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "already active")
}

func TestStopDuringStuckStateCleansUp(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// Keep prepare failing so the machine oscillates before any subprocess
	// exists.
	f.stub.FailNext("/data", 100000)
	require.True(t, f.beginTraining(t, defaultDetails()).Success)
	require.Eventually(t, func() bool {
		return f.node.Logic.Errors.Get("prepare") != ""
	}, 60*time.Second, 10*time.Millisecond)

	resp := f.stub.CallNode("stop_training", nil)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		return !f.node.Logic.TrainingActive()
	}, 30*time.Second, 20*time.Millisecond)
	assert.False(t, persist.NewLastTrainingIO(f.projectFolder()).Exists())
}

func TestStopWithRunningExecutorFinishesPipeline(t *testing.T) {
	f := newFixture(t)
	f.mock.TrainCommand = `sh -c "sleep 60"`
	f.start(t)

	details := defaultDetails()
	details.ID = "tiny"
	require.True(t, f.beginTraining(t, details).Success)
	require.Eventually(t, func() bool {
		return f.node.Logic.ExecutorRunning()
	}, 30*time.Second, 20*time.Millisecond)

	// stop_training with a live subprocess stops the process and lets the
	// pipeline save what was trained.
	require.True(t, f.stub.CallNode("stop_training", nil).Success)
	f.waitForCompletion(t)

	assert.Len(t, f.stub.ModelUploads(), 1)
	assert.NotEmpty(t, f.stub.DetectionBatches())
}

func TestStatusHeartbeatCarriesTrainerShape(t *testing.T) {
	f := newFixture(t)
	f.mock.TrainCommand = `sh -c "sleep 60"`
	f.start(t)

	details := defaultDetails()
	details.ID = "tiny"
	require.True(t, f.beginTraining(t, details).Success)

	require.Eventually(t, func() bool {
		for _, status := range f.stub.TrainerStatuses() {
			if status.State == types.NodeStateRunning && status.TrainImageCount != nil {
				return true
			}
		}
		return false
	}, 60*time.Second, 20*time.Millisecond)

	statuses := f.stub.TrainerStatuses()
	last := statuses[len(statuses)-1]
	assert.Equal(t, f.node.UUID, last.ID)
	assert.Equal(t, "test trainer", last.Name)
	assert.Equal(t, "mocked", last.Architecture)
	assert.Len(t, last.PretrainedModels, 2)
}

func TestStatusRefusalAbortsTraining(t *testing.T) {
	f := newFixture(t)
	f.mock.TrainCommand = `sh -c "sleep 60"`
	f.stub.RejectTrainerStatus = true
	f.start(t)

	require.True(t, f.beginTraining(t, defaultDetails()).Success)

	require.Eventually(t, func() bool {
		return !f.node.Logic.TrainingActive()
	}, 60*time.Second, 20*time.Millisecond, "refused status should abort the training")
}

func TestPersistedStateIsMonotonicPerHandler(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.True(t, f.beginTraining(t, defaultDetails()).Success)

	lastIO := persist.NewLastTrainingIO(f.projectFolder())
	var states []types.TrainerState
	require.Eventually(t, func() bool {
		if !f.node.Logic.TrainingActive() {
			return true
		}
		if lastIO.Exists() {
			if tr, err := lastIO.Load(); err == nil {
				states = append(states, tr.TrainingState)
			}
		}
		return false
	}, 90*time.Second, 10*time.Millisecond)

	// Observed persisted states never move backwards on the happy path.
	for i := 1; i < len(states); i++ {
		assert.True(t, states[i].AtLeast(states[i-1]),
			"state went backwards: %s -> %s", states[i-1], states[i])
	}
}
