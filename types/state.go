package types

// TrainerState is the persisted state of a training run. The values are
// ordered; a training only ever moves forward except when a failed handler
// rolls it back exactly one step.
type TrainerState string

const (
	TrainerStateInitialized            TrainerState = "initialized"
	TrainerStateDataDownloading        TrainerState = "data_downloading"
	TrainerStateDataDownloaded         TrainerState = "data_downloaded"
	TrainerStateTrainModelDownloading  TrainerState = "train_model_downloading"
	TrainerStateTrainModelDownloaded   TrainerState = "train_model_downloaded"
	TrainerStateTrainingRunning        TrainerState = "training_running"
	TrainerStateTrainingFinished       TrainerState = "training_finished"
	TrainerStateConfusionMatrixSyncing TrainerState = "confusion_matrix_syncing"
	TrainerStateConfusionMatrixSynced  TrainerState = "confusion_matrix_synced"
	TrainerStateTrainModelUploading    TrainerState = "train_model_uploading"
	TrainerStateTrainModelUploaded     TrainerState = "train_model_uploaded"
	TrainerStateDetecting              TrainerState = "detecting"
	TrainerStateDetected               TrainerState = "detected"
	TrainerStateDetectionUploading     TrainerState = "detection_uploading"
	TrainerStateReadyForCleanup        TrainerState = "ready_for_cleanup"
)

var trainerStateOrder = map[TrainerState]int{
	TrainerStateInitialized:            0,
	TrainerStateDataDownloading:        1,
	TrainerStateDataDownloaded:         2,
	TrainerStateTrainModelDownloading:  3,
	TrainerStateTrainModelDownloaded:   4,
	TrainerStateTrainingRunning:        5,
	TrainerStateTrainingFinished:       6,
	TrainerStateConfusionMatrixSyncing: 7,
	TrainerStateConfusionMatrixSynced:  8,
	TrainerStateTrainModelUploading:    9,
	TrainerStateTrainModelUploaded:     10,
	TrainerStateDetecting:              11,
	TrainerStateDetected:               12,
	TrainerStateDetectionUploading:     13,
	TrainerStateReadyForCleanup:        14,
}

// Valid reports whether s is one of the enumerated states.
func (s TrainerState) Valid() bool {
	_, ok := trainerStateOrder[s]
	return ok
}

// AtLeast reports whether s has reached other in the lifecycle order.
func (s TrainerState) AtLeast(other TrainerState) bool {
	a, okA := trainerStateOrder[s]
	b, okB := trainerStateOrder[other]
	return okA && okB && a >= b
}
