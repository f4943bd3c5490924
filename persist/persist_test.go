package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zauberzeug/loopnode/types"
)

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "record.json")
	require.NoError(t, WriteFileAtomic(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNodeUUIDSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first, err := NodeUUID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := NodeUUID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNodeUUIDRejectsCorruptIdentity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uuid.txt"), []byte("not-a-uuid"), 0o644))
	_, err := NodeUUID(dir)
	require.Error(t, err)
}

func newTestTraining(t *testing.T, projectFolder string) *types.Training {
	tr := &types.Training{
		ID:             types.NewUUID4(),
		Context:        types.Context{Organization: "zauberzeug", Project: "pytest"},
		ProjectFolder:  projectFolder,
		ImagesFolder:   filepath.Join(projectFolder, "images"),
		TrainingState:  types.TrainerStateInitialized,
		TrainingNumber: 7,
	}
	tr.TrainingFolder = filepath.Join(projectFolder, "trainings", tr.ID)
	require.NoError(t, os.MkdirAll(tr.TrainingFolder, 0o755))
	return tr
}

func TestLastTrainingIORoundtrip(t *testing.T) {
	projectFolder := t.TempDir()
	io := NewLastTrainingIO(projectFolder)
	assert.False(t, io.Exists())

	tr := newTestTraining(t, projectFolder)
	tr.TrainingState = types.TrainerStateTrainingFinished
	require.NoError(t, io.Save(tr))
	assert.True(t, io.Exists())

	loaded, err := io.Load()
	require.NoError(t, err)
	assert.Equal(t, tr.ID, loaded.ID)
	assert.Equal(t, types.TrainerStateTrainingFinished, loaded.TrainingState)
	assert.Equal(t, 7, loaded.TrainingNumber)

	require.NoError(t, io.Delete(tr))
	assert.False(t, io.Exists())
	require.NoError(t, io.Delete(tr)) // idempotent
}

func TestLastTrainingIORejectsUnknownState(t *testing.T) {
	projectFolder := t.TempDir()
	io := NewLastTrainingIO(projectFolder)
	tr := newTestTraining(t, projectFolder)
	tr.TrainingState = "warp_drive"
	require.NoError(t, io.Save(tr))

	_, err := io.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestActiveTrainingIODetectionBatches(t *testing.T) {
	folder := t.TempDir()
	io := NewActiveTrainingIO(folder)

	indices, err := io.DetectionBatchIndices()
	require.NoError(t, err)
	assert.Empty(t, indices)

	for idx := 0; idx < 12; idx++ {
		batch := []types.Detections{{ImageID: types.NewUUID4()}}
		require.NoError(t, io.SaveDetections(batch, idx))
	}

	indices, err = io.DetectionBatchIndices()
	require.NoError(t, err)
	// Numerically sorted, not lexically (10 after 9)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, indices)

	batch, err := io.LoadDetections(3)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	require.NoError(t, io.DeleteDetections())
	indices, err = io.DetectionBatchIndices()
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestActiveTrainingIOUploadProgress(t *testing.T) {
	folder := t.TempDir()
	io := NewActiveTrainingIO(folder)

	idx, err := io.LoadDetectionUploadProgress()
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	require.NoError(t, io.SaveDetectionUploadProgress(4))
	idx, err = io.LoadDetectionUploadProgress()
	require.NoError(t, err)
	assert.Equal(t, 4, idx)

	require.NoError(t, io.DeleteDetectionUploadProgress())
	idx, err = io.LoadDetectionUploadProgress()
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	formats, err := io.LoadModelUploadProgress()
	require.NoError(t, err)
	assert.Empty(t, formats)

	require.NoError(t, io.SaveModelUploadProgress([]string{"pytorch"}))
	require.NoError(t, io.SaveModelUploadProgress([]string{"pytorch", "wts"}))
	formats, err = io.LoadModelUploadProgress()
	require.NoError(t, err)
	assert.Equal(t, []string{"pytorch", "wts"}, formats)
}
