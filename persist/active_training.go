package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/types"
)

const (
	detectionsDir               = "detections"
	detectionUploadProgressFile = "detection_upload_progress.json"
	modelUploadProgressFile     = "model_upload_progress.json"
)

// ActiveTrainingIO manages the per-training artifacts that make detection
// and model uploads idempotent under retry: detection batches awaiting
// upload and the two progress markers.
type ActiveTrainingIO struct {
	trainingFolder string
}

// NewActiveTrainingIO creates the artifact store for one training folder.
func NewActiveTrainingIO(trainingFolder string) *ActiveTrainingIO {
	return &ActiveTrainingIO{trainingFolder: trainingFolder}
}

// DetectionsFolder returns the directory holding the batch files.
func (io *ActiveTrainingIO) DetectionsFolder() string {
	return filepath.Join(io.trainingFolder, detectionsDir)
}

// SaveDetections writes one batch under its index. Batches are written as
// soon as inference produces them, so a crash loses at most one batch.
func (io *ActiveTrainingIO) SaveDetections(batch []types.Detections, idx int) error {
	return WriteJSONAtomic(io.batchPath(idx), batch)
}

// LoadDetections reads the batch with the given index.
func (io *ActiveTrainingIO) LoadDetections(idx int) ([]types.Detections, error) {
	var batch []types.Detections
	if err := ReadJSON(io.batchPath(idx), &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// DetectionBatchIndices returns the indices of all persisted batches in
// ascending order. Upload walks them in exactly this order.
func (io *ActiveTrainingIO) DetectionBatchIndices() ([]int, error) {
	entries, err := os.ReadDir(io.DetectionsFolder())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to scan %s", io.DetectionsFolder())
	}

	var indices []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// DeleteDetections removes all batch files.
func (io *ActiveTrainingIO) DeleteDetections() error {
	if err := os.RemoveAll(io.DetectionsFolder()); err != nil {
		return errors.Wrap(err, "failed to delete detection batches")
	}
	return nil
}

// SaveDetectionUploadProgress records the highest already-uploaded batch
// index. Re-runs skip every index at or below it.
func (io *ActiveTrainingIO) SaveDetectionUploadProgress(idx int) error {
	return WriteJSONAtomic(filepath.Join(io.trainingFolder, detectionUploadProgressFile), idx)
}

// LoadDetectionUploadProgress returns the highest already-uploaded batch
// index, or -1 when nothing has been uploaded yet.
func (io *ActiveTrainingIO) LoadDetectionUploadProgress() (int, error) {
	path := filepath.Join(io.trainingFolder, detectionUploadProgressFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return -1, nil
	}
	var idx int
	if err := ReadJSON(path, &idx); err != nil {
		return -1, err
	}
	return idx, nil
}

// DeleteDetectionUploadProgress removes the progress marker.
func (io *ActiveTrainingIO) DeleteDetectionUploadProgress() error {
	err := os.Remove(filepath.Join(io.trainingFolder, detectionUploadProgressFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete detection upload progress")
	}
	return nil
}

// SaveModelUploadProgress records the formats already uploaded for the final
// model, so a retried upload_model pass uploads each format at most once.
func (io *ActiveTrainingIO) SaveModelUploadProgress(formats []string) error {
	return WriteJSONAtomic(filepath.Join(io.trainingFolder, modelUploadProgressFile), formats)
}

// LoadModelUploadProgress returns the already-uploaded format names.
func (io *ActiveTrainingIO) LoadModelUploadProgress() ([]string, error) {
	path := filepath.Join(io.trainingFolder, modelUploadProgressFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var formats []string
	if err := ReadJSON(path, &formats); err != nil {
		return nil, err
	}
	return formats, nil
}

func (io *ActiveTrainingIO) batchPath(idx int) string {
	return filepath.Join(io.DetectionsFolder(), fmt.Sprintf("%d.json", idx))
}
