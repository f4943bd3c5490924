package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrainerStateOrdering(t *testing.T) {
	assert.True(t, TrainerStateTrainingFinished.AtLeast(TrainerStateInitialized))
	assert.True(t, TrainerStateReadyForCleanup.AtLeast(TrainerStateDetected))
	assert.False(t, TrainerStateDataDownloaded.AtLeast(TrainerStateTrainingRunning))
	assert.True(t, TrainerStateDetecting.AtLeast(TrainerStateDetecting))

	assert.True(t, TrainerStateConfusionMatrixSynced.Valid())
	assert.False(t, TrainerState("bogus").Valid())
	assert.False(t, TrainerState("bogus").AtLeast(TrainerStateInitialized))
}

func TestIsUUID4(t *testing.T) {
	assert.True(t, IsUUID4("917d5c7f-403d-4e92-b95f-577f79c2273a"))
	assert.True(t, IsUUID4(NewUUID4()))
	assert.False(t, IsUUID4("tiny"))
	assert.False(t, IsUUID4(""))
	// valid uuid but version 1
	assert.False(t, IsUUID4("f47ac10b-58cc-1372-a567-0e02b2c3d479"))
}

func TestTrainingDataCounts(t *testing.T) {
	data := &TrainingData{ImageData: []ImageMetadata{
		{ID: "a", Set: "train"},
		{ID: "b", Set: "train"},
		{ID: "c", Set: "test"},
	}}
	assert.Equal(t, 2, data.TrainImageCount())
	assert.Equal(t, 1, data.TestImageCount())
}

func TestReconcileCategoryIDs(t *testing.T) {
	categories := []Category{{ID: "c1", Name: "dirt"}, {ID: "c2", Name: "crack"}}
	d := Detections{
		BoxDetections:   []BoxDetection{{CategoryName: "crack"}},
		PointDetections: []PointDetection{{CategoryName: "dirt"}, {CategoryName: "unknown"}},
	}
	d.ReconcileCategoryIDs(categories)
	assert.Equal(t, "c2", d.BoxDetections[0].CategoryID)
	assert.Equal(t, "c1", d.PointDetections[0].CategoryID)
	assert.Empty(t, d.PointDetections[1].CategoryID)
}

func TestTrainingHyperparameters(t *testing.T) {
	tr := &Training{}
	assert.Nil(t, tr.Hyperparameters())

	tr.Data = &TrainingData{Hyperparameter: &Hyperparameter{Resolution: 800, FlipRl: true}}
	h := tr.Hyperparameters()
	assert.Equal(t, 800, h["resolution"])
	assert.Equal(t, true, h["flipRl"])
	assert.Equal(t, false, h["flipUd"])
}
