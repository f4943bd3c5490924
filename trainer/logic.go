package trainer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/exchanger"
	"github.com/zauberzeug/loopnode/executor"
	"github.com/zauberzeug/loopnode/logger"
	"github.com/zauberzeug/loopnode/loop"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

// Error keys of the current-error map, one per state handler.
const (
	errorKeyStartTraining       = "start_training"
	errorKeyPrepare             = "prepare"
	errorKeyDownloadModel       = "download_model"
	errorKeyRunTraining         = "run_training"
	errorKeySyncConfusionMatrix = "sync_confusion_matrix"
	errorKeyUploadModel         = "upload_model"
	errorKeyDetecting           = "detecting"
	errorKeyUploadDetections    = "upload_detections"
	errorKeyClearTrainingData   = "clear_training_data"
	errorKeyTrainingError       = "training_error"
	errorKeyGetNewModel         = "get_new_model"
	errorKeySaveModel           = "save_model"
)

const (
	// stateIterationPause is the deliberate pause between state-machine
	// iterations; it yields to the event channel and keeps retry loops calm.
	stateIterationPause = 600 * time.Millisecond

	// livenessPollInterval is how often the running subprocess is probed.
	livenessPollInterval = 100 * time.Millisecond

	// syncInterval paces log inspection and confusion-matrix syncs while
	// the subprocess runs.
	syncInterval = 5 * time.Second
)

// osExit is swapped out by tests covering the restart-after-training path.
var osExit = os.Exit

// Logic drives a training through its persisted states. One training is
// active at a time; a single goroutine (the training task) owns all state
// transitions.
type Logic struct {
	cfg      *config.Config
	client   *loop.Client
	channel  *loop.Channel
	trainer  Trainer
	nodeUUID string

	Errors *errors.Map
	log    *zap.SugaredLogger

	exchanger *exchanger.Exchanger

	// syncLimiter paces confusion-matrix syncs; shared between the training
	// task and the check-state ticker so they never double-sync.
	syncLimiter *rate.Limiter

	// notify is called after every state transition (status dispatch).
	notify func()

	mu       sync.Mutex
	training *types.Training
	lastIO   *persist.LastTrainingIO
	activeIO *persist.ActiveTrainingIO
	exec     *executor.Executor
	cancel   context.CancelFunc
	runDone  chan struct{}

	shuttingDown      atomic.Bool
	detectionProgress atomic.Uint64 // float64 bits
}

// NewLogic creates the state machine for one trainer implementation.
func NewLogic(cfg *config.Config, client *loop.Client, channel *loop.Channel, trainer Trainer, nodeUUID string) *Logic {
	return &Logic{
		cfg:         cfg,
		client:      client,
		channel:     channel,
		trainer:     trainer,
		nodeUUID:    nodeUUID,
		Errors:      errors.NewMap(),
		log:         logger.Named("trainer"),
		exchanger:   exchanger.New(client, types.Context{}),
		syncLimiter: rate.NewLimiter(rate.Every(syncInterval), 1),
	}
}

// OnStateChange registers the hook invoked after every persisted state
// transition; the trainer node uses it to push a status.
func (l *Logic) OnStateChange(fn func()) { l.notify = fn }

// InitNewTraining builds a fresh Training record for a begin_training
// command and persists it. Rejected while another training is active.
func (l *Logic) InitNewTraining(c types.Context, details types.TrainingDetails) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.training != nil {
		return errors.New("a training is already active")
	}

	projectFolder := c.ProjectFolder(l.cfg.DataFolder)
	if !l.cfg.KeepOldTrainings {
		// Stale training folders are scratch space of finished runs.
		deleteAllTrainingFolders(projectFolder)
	}

	id := types.NewUUID4()
	training := &types.Training{
		ID:             id,
		Context:        c,
		TrainingNumber: details.TrainingNumber,
		ProjectFolder:  projectFolder,
		ImagesFolder:   filepath.Join(projectFolder, "images"),
		TrainingFolder: filepath.Join(projectFolder, "trainings", id),
		BaseModelID:    details.ID,
		Data: &types.TrainingData{
			Categories:     details.Categories,
			Hyperparameter: details.Hyperparameter(),
		},
		TrainingState: types.TrainerStateInitialized,
	}
	for _, dir := range []string{training.ImagesFolder, training.TrainingFolder} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	l.attachLocked(training)
	if err := l.lastIO.Save(training); err != nil {
		l.training = nil
		return err
	}
	l.log.Infow("training initialized", "training_id", id, "base_model", details.ID,
		"training_number", details.TrainingNumber, "categories", len(details.Categories))
	return nil
}

// TryContinueRunIfIncomplete resumes a persisted training after a restart.
// Returns true when a run was scheduled.
func (l *Logic) TryContinueRunIfIncomplete(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.training != nil {
		l.mu.Unlock()
		return false, nil
	}
	projectFolder := types.Context{Organization: l.cfg.Organization, Project: l.cfg.Project}.ProjectFolder(l.cfg.DataFolder)
	lastIO := persist.NewLastTrainingIO(projectFolder)
	if !lastIO.Exists() {
		l.mu.Unlock()
		return false, nil
	}

	training, err := lastIO.Load()
	if err != nil {
		l.mu.Unlock()
		return false, errors.Wrap(err, "failed to restore last training")
	}
	l.attachLocked(training)
	l.mu.Unlock()

	l.log.Infow("found incomplete training, continuing", "training_id", training.ID, "state", training.TrainingState)
	l.Run(ctx)
	return true, nil
}

// attachLocked wires the per-training helpers. Caller holds l.mu.
func (l *Logic) attachLocked(training *types.Training) {
	l.training = training
	l.lastIO = persist.NewLastTrainingIO(training.ProjectFolder)
	l.activeIO = persist.NewActiveTrainingIO(training.TrainingFolder)
	l.exchanger.SetContext(training.Context)
}

// Run schedules the training task. It returns immediately; progress is
// observable through the persisted state and the status heartbeats.
func (l *Logic) Run(ctx context.Context) {
	l.mu.Lock()
	if l.training == nil || l.runDone != nil {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.runDone = done
	l.mu.Unlock()

	l.Errors.ResetAll()
	go func() {
		defer close(done)
		defer func() {
			l.mu.Lock()
			l.cancel = nil
			l.runDone = nil
			l.mu.Unlock()
		}()
		l.runTrainingLoop(runCtx)
	}()
}

// runTrainingLoop repeatedly inspects the persisted state and performs the
// matching handler until the training is cleaned up or the task is
// cancelled.
func (l *Logic) runTrainingLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		training := l.training
		l.mu.Unlock()
		if training == nil {
			return
		}

		select {
		case <-ctx.Done():
			l.handleCancellation()
			return
		case <-time.After(stateIterationPause):
		}

		state := l.TrainingState()
		l.log.Debugw("state loop", "state", state, "errors", l.Errors.Snapshot())

		// A transitioning state is only found here after a restart that
		// interrupted its handler; the handler is run again.
		var err error
		switch state {
		case types.TrainerStateInitialized, types.TrainerStateDataDownloading:
			err = l.performState(ctx, errorKeyPrepare,
				types.TrainerStateDataDownloading, types.TrainerStateDataDownloaded, l.prepare)
		case types.TrainerStateDataDownloaded, types.TrainerStateTrainModelDownloading:
			err = l.performState(ctx, errorKeyDownloadModel,
				types.TrainerStateTrainModelDownloading, types.TrainerStateTrainModelDownloaded, l.downloadModel)
		case types.TrainerStateTrainModelDownloaded, types.TrainerStateTrainingRunning:
			err = l.performState(ctx, errorKeyRunTraining,
				types.TrainerStateTrainingRunning, types.TrainerStateTrainingFinished, l.train)
		case types.TrainerStateTrainingFinished, types.TrainerStateConfusionMatrixSyncing:
			err = l.performState(ctx, errorKeySyncConfusionMatrix,
				types.TrainerStateConfusionMatrixSyncing, types.TrainerStateConfusionMatrixSynced, l.syncConfusionMatrix)
		case types.TrainerStateConfusionMatrixSynced, types.TrainerStateTrainModelUploading:
			err = l.uploadModel(ctx)
		case types.TrainerStateTrainModelUploaded, types.TrainerStateDetecting:
			err = l.performState(ctx, errorKeyDetecting,
				types.TrainerStateDetecting, types.TrainerStateDetected, l.doDetections)
		case types.TrainerStateDetected, types.TrainerStateDetectionUploading:
			err = l.performState(ctx, errorKeyUploadDetections,
				types.TrainerStateDetectionUploading, types.TrainerStateReadyForCleanup, l.uploadDetections)
		case types.TrainerStateReadyForCleanup:
			l.clearTraining()
			l.mayRestart()
			return
		default:
			l.log.Errorw("unknown training state, cleaning up", "state", state)
			l.setTrainingState(types.TrainerStateReadyForCleanup)
		}

		if err != nil {
			// Only cancellation escapes performState.
			l.handleCancellation()
			return
		}
	}
}

// performState wraps one state handler: record the transitioning state,
// persist, run, then either record the completed state or roll back one
// step with the failure stored under key. Cancellation is never swallowed.
func (l *Logic) performState(ctx context.Context, key string, transitioning, completed types.TrainerState, fn func(context.Context) error) error {
	previous := l.TrainingState()
	l.setTrainingState(transitioning)

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		l.log.Errorw("state failed", "key", key, "error", err)
		l.Errors.Set(key, err.Error())
		l.setTrainingState(previous)
		return nil
	}

	l.setTrainingState(completed)
	l.Errors.Reset(key)
	return nil
}

// handleCancellation funnels a cancelled run into the regular cleanup path.
// During shutdown the artifacts stay on disk so the next start resumes.
func (l *Logic) handleCancellation() {
	if l.shuttingDown.Load() {
		l.log.Infow("training task cancelled by shutdown, keeping state for resume")
		return
	}
	l.log.Infow("training task cancelled, cleaning up")
	l.stopExecutor()
	l.setTrainingState(types.TrainerStateReadyForCleanup)
	l.clearTraining()
}

// Stop stops the active training. With a live subprocess only the process is
// stopped — the training task then finishes the pipeline (sync, upload,
// detect) with what was trained so far. Without one, the task itself is
// cancelled. Idempotent.
func (l *Logic) Stop() {
	l.mu.Lock()
	active := l.training != nil
	exec := l.exec
	cancel := l.cancel
	done := l.runDone
	l.mu.Unlock()

	if !active {
		return
	}
	if exec != nil && exec.IsProcessRunning() {
		exec.Stop()
		return
	}
	if cancel != nil {
		l.log.Infow("cancelling training task")
		cancel()
		<-done
		l.log.Infow("cancelled training task")
		l.mayRestart()
	}
}

// Abort tears the training down without saving or detecting: the subprocess
// is stopped and the task cancelled. Used when the loop refuses our status.
func (l *Logic) Abort() {
	l.mu.Lock()
	exec := l.exec
	cancel := l.cancel
	done := l.runDone
	l.mu.Unlock()

	if exec != nil && exec.IsProcessRunning() {
		exec.Stop()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown stops the node's training work for process exit. The first stop
// may only stop the subprocess; the second cancels the task. State stays on
// disk for the resume path.
func (l *Logic) Shutdown() {
	l.shuttingDown.Store(true)
	l.Stop()
	l.Stop()
}

// mayRestart exits the process after a finished training when the
// environment asks for it (a supervising container restarts us fresh).
func (l *Logic) mayRestart() {
	if l.cfg.RestartAfterTraining && !l.cfg.ManualRestart {
		l.log.Infow("restarting after training")
		osExit(0)
	}
}

func (l *Logic) stopExecutor() {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec != nil && exec.IsProcessRunning() {
		exec.Stop()
	}
}

// setTrainingState records and persists a state transition.
func (l *Logic) setTrainingState(state types.TrainerState) {
	l.mu.Lock()
	training := l.training
	lastIO := l.lastIO
	if training != nil {
		training.TrainingState = state
	}
	l.mu.Unlock()
	if training == nil {
		return
	}
	if err := lastIO.Save(training); err != nil {
		l.log.Errorw("could not persist training state", "state", state, "error", err)
	}
	l.notifyStateChange()
}

func (l *Logic) notifyStateChange() {
	if l.notify != nil {
		l.notify()
	}
}

// --- snapshot accessors used by the trainer node's status reports ---

// TrainingActive reports whether a training record is attached.
func (l *Logic) TrainingActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.training != nil
}

// TrainingState returns the current state, or "" without a training.
func (l *Logic) TrainingState() types.TrainerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.training == nil {
		return ""
	}
	return l.training.TrainingState
}

// TrainingContext returns the active training's context.
func (l *Logic) TrainingContext() (types.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.training == nil {
		return types.Context{}, false
	}
	return l.training.Context, true
}

// ImageCounts returns train/test/skipped counts of the active training.
func (l *Logic) ImageCounts() (train, test, skipped int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.training == nil || l.training.Data == nil {
		return 0, 0, 0, false
	}
	return l.training.Data.TrainImageCount(), l.training.Data.TestImageCount(), l.training.Data.SkippedImageCount, true
}

// Hyperparameters returns the active training's parameters for status
// reports.
func (l *Logic) Hyperparameters() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.training == nil {
		return nil
	}
	return l.training.Hyperparameters()
}

// ExecutorRunning reports whether the supervised subprocess is alive.
func (l *Logic) ExecutorRunning() bool {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	return exec != nil && exec.IsProcessRunning()
}

// GetLog returns the subprocess log of the active training.
func (l *Logic) GetLog() string {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec == nil {
		return ""
	}
	return exec.GetLog()
}

// GeneralProgress reports the progress fraction of the current state, or nil
// when the state has none.
func (l *Logic) GeneralProgress() *float64 {
	switch l.TrainingState() {
	case types.TrainerStateDataDownloading:
		p := l.exchanger.Progress()
		return &p
	case types.TrainerStateTrainingRunning:
		return l.trainer.TrainingProgress()
	case types.TrainerStateDetecting:
		p := math.Float64frombits(l.detectionProgress.Load())
		return &p
	}
	return nil
}

func (l *Logic) setDetectionProgress(p float64) {
	l.detectionProgress.Store(math.Float64bits(p))
}

// deleteAllTrainingFolders removes the training scratch folders of finished
// runs below a project folder.
func deleteAllTrainingFolders(projectFolder string) {
	trainings := filepath.Join(projectFolder, "trainings")
	entries, err := os.ReadDir(trainings)
	if err != nil {
		return
	}
	for _, entry := range entries {
		os.RemoveAll(filepath.Join(trainings, entry.Name()))
	}
}
