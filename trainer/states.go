package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/executor"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

// detectionBatchSize is how many images one inference batch (and one batch
// file) holds.
const detectionBatchSize = 200

// detectionStates are the loop image states swept for the detection pass,
// with the progress fraction reported while fetching each.
var detectionStates = []struct {
	state    string
	progress float64
}{
	{"inbox", 0.1},
	{"annotate", 0.2},
	{"review", 0.3},
	{"complete", 0.4},
}

// prepare fetches the image records of the project and downloads the image
// blobs. Idempotent: blobs already on disk are skipped.
func (l *Logic) prepare(ctx context.Context) error {
	l.mu.Lock()
	training := l.training
	l.mu.Unlock()

	imageData, skipped, err := l.exchanger.DownloadTrainingData(ctx, training.ImagesFolder)
	if err != nil {
		return err
	}

	l.mu.Lock()
	training.Data.ImageData = imageData
	training.Data.SkippedImageCount = skipped
	l.mu.Unlock()
	return nil
}

// downloadModel fetches the base model when it is a loop-hosted uuid. The
// archive's model.json becomes base_model.json so the subprocess writes a
// fresh model.json for its own snapshots.
func (l *Logic) downloadModel(ctx context.Context) error {
	l.mu.Lock()
	training := l.training
	l.mu.Unlock()

	modelID := training.BaseModelID
	if !types.IsUUID4(modelID) {
		l.log.Infow("base model is not a uuid4, skipping download", "base_model", modelID)
		return nil
	}

	format := l.trainer.ModelFormat()
	l.log.Infow("downloading base model from loop", "model_id", modelID, "format", format)
	if err := l.exchanger.DownloadModel(ctx, training.TrainingFolder, modelID, format); err != nil {
		return err
	}
	return os.Rename(
		filepath.Join(training.TrainingFolder, "model.json"),
		filepath.Join(training.TrainingFolder, "base_model.json"),
	)
}

// train supervises the subprocess until it exits. Every five seconds the log
// is inspected for a trainer-reported failure and the confusion matrix is
// synced opportunistically; liveness is polled every 100ms in between.
func (l *Logic) train(ctx context.Context) error {
	l.mu.Lock()
	training := l.training
	exec := executor.New(training.TrainingFolder)
	l.exec = exec
	l.mu.Unlock()

	if err := l.startTraining(ctx, exec, training); err != nil {
		return err
	}

	ticker := time.NewTicker(livenessPollInterval)
	defer ticker.Stop()

	for exec.IsProcessRunning() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !l.syncLimiter.Allow() {
			continue
		}
		if msg := l.trainer.GetExecutorErrorFromLog(exec.GetLog()); msg != "" {
			break
		}
		l.Errors.Reset(errorKeyRunTraining)
		if err := l.syncConfusionMatrix(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// Opportunistic sync only; the final sync after
			// TrainingFinished still guarantees delivery.
		}
	}

	if msg := l.trainer.GetExecutorErrorFromLog(exec.GetLog()); msg != "" {
		if exec.IsProcessRunning() {
			exec.Stop()
		}
		return errors.New(msg)
	}
	return nil
}

// startTraining picks the launch path: resume a previous snapshot, continue
// from a loop-hosted base model, or start from a provided pretrained model.
func (l *Logic) startTraining(ctx context.Context, exec *executor.Executor, training *types.Training) error {
	if l.trainer.CanResume(training) {
		l.log.Infow("resuming training from previous snapshot")
		return l.trainer.Resume(ctx, exec, training)
	}

	base := training.BaseModelID
	if types.IsUUID4(base) {
		return l.trainer.StartTraining(ctx, exec, training)
	}
	if types.ProvidesPretrainedModel(l.trainer.ProvidedPretrainedModels(), base) {
		l.log.Infow("starting training from scratch", "pretrained_model", base)
		return l.trainer.StartTrainingFromScratch(ctx, exec, training, base)
	}

	err := errors.Newf("base model %q is neither a model uuid nor a provided pretrained model", base)
	l.Errors.Set(errorKeyStartTraining, err.Error())
	return err
}

// syncConfusionMatrix pushes the current best snapshot's confusion matrix to
// the loop. An accepted snapshot is handed to OnModelPublished so its files
// are retained for the final upload.
func (l *Logic) syncConfusionMatrix(ctx context.Context) error {
	l.mu.Lock()
	training := l.training
	l.mu.Unlock()

	model, err := l.trainer.GetNewModel(training)
	if err != nil {
		err = errors.Wrap(err, "could not get new model")
		l.Errors.Set(errorKeySyncConfusionMatrix, err.Error())
		return err
	}
	if model == nil {
		return nil
	}

	train, test, _, _ := l.ImageCounts()
	out := types.TrainingOut{
		TrainerID:       l.nodeUUID,
		ConfusionMatrix: model.ConfusionMatrix,
		TrainImageCount: train,
		TestImageCount:  test,
		Hyperparameters: l.Hyperparameters(),
	}

	resp, err := l.channel.Call(ctx, "update_training",
		[]interface{}{training.Context.Organization, training.Context.Project, out})
	if err != nil {
		l.Errors.Set(errorKeySyncConfusionMatrix, err.Error())
		return err
	}
	if !resp.Success {
		err := errors.Newf("loop rejected update_training: %s", resp.Error)
		l.Errors.Set(errorKeySyncConfusionMatrix, err.Error())
		return err
	}

	l.log.Infow("confusion matrix synced", "categories", len(model.ConfusionMatrix))
	if err := l.trainer.OnModelPublished(training, model); err != nil {
		return errors.Wrap(err, "on_model_published failed")
	}
	l.Errors.Reset(errorKeySyncConfusionMatrix)
	return nil
}

// uploadModel uploads the final model files format by format. Unlike the
// other handlers it may shortcut straight to cleanup: a trainer without
// files to upload means the training produced nothing worth keeping.
func (l *Logic) uploadModel(ctx context.Context) error {
	previous := l.TrainingState()
	l.setTrainingState(types.TrainerStateTrainModelUploading)

	newModelID, err := l.uploadModelReturnNewModelUUID(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		l.log.Errorw("model upload failed", "error", err)
		l.Errors.Set(errorKeyUploadModel, err.Error())
		l.setTrainingState(previous)
		return nil
	}
	if newModelID == "" {
		l.log.Errorw("trainer provided no model files, cleaning up")
		l.setTrainingState(types.TrainerStateReadyForCleanup)
		return nil
	}

	l.log.Infow("uploaded model", "model_id", newModelID)
	l.mu.Lock()
	l.training.ModelIDForDetecting = newModelID
	l.mu.Unlock()
	l.Errors.Reset(errorKeyUploadModel)
	l.setTrainingState(types.TrainerStateTrainModelUploaded)
	return nil
}

// uploadModelReturnNewModelUUID uploads every not-yet-uploaded format and
// returns the loop's uuid for the last one. The upload-progress file makes
// retries skip formats that already made it.
func (l *Logic) uploadModelReturnNewModelUUID(ctx context.Context) (string, error) {
	l.mu.Lock()
	training := l.training
	activeIO := l.activeIO
	l.mu.Unlock()

	files, err := l.trainer.GetLatestModelFiles(training)
	if err != nil {
		return "", errors.Wrap(err, "could not gather model files")
	}
	if files == nil {
		return "", nil
	}

	alreadyUploaded, err := activeIO.LoadModelUploadProgress()
	if err != nil {
		return "", err
	}
	uploadedSet := map[string]bool{}
	for _, format := range alreadyUploaded {
		uploadedSet[format] = true
	}

	formats := make([]string, 0, len(files))
	for format := range files {
		formats = append(formats, format)
	}
	sort.Strings(formats)

	newModelID := ""
	for _, format := range formats {
		if uploadedSet[format] {
			continue
		}
		formatFiles := files[format]
		for _, f := range formatFiles {
			if filepath.Base(f) == "model.json" {
				return "", errors.New("uploading model.json is not allowed, it is added automatically")
			}
		}

		categoriesFile, err := l.dumpCategoriesToJSON()
		if err != nil {
			return "", err
		}
		id, err := l.exchanger.UploadModel(ctx, append(formatFiles, categoriesFile), training.TrainingNumber, format)
		if err != nil {
			return "", err
		}
		newModelID = id

		alreadyUploaded = append(alreadyUploaded, format)
		if err := activeIO.SaveModelUploadProgress(alreadyUploaded); err != nil {
			return "", err
		}
	}
	return newModelID, nil
}

// dumpCategoriesToJSON writes the model.json sent along with every upload:
// the trainer may train with different classes, so the loop always gets the
// authoritative category list.
func (l *Logic) dumpCategoriesToJSON() (string, error) {
	l.mu.Lock()
	var categories []types.Category
	if l.training != nil && l.training.Data != nil {
		categories = l.training.Data.Categories
	}
	l.mu.Unlock()

	dir, err := os.MkdirTemp("", "model-upload-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp folder")
	}
	path := filepath.Join(dir, "model.json")
	if err := persist.WriteJSONAtomic(path, map[string]interface{}{"categories": categories}); err != nil {
		return "", err
	}
	return path, nil
}

// doDetections downloads the just-uploaded model again and runs inference
// over all project images. Every 200-image batch is written to disk before
// the next one starts, so a crash loses at most one batch.
func (l *Logic) doDetections(ctx context.Context) error {
	l.mu.Lock()
	training := l.training
	activeIO := l.activeIO
	l.mu.Unlock()

	modelID := training.ModelIDForDetecting
	if modelID == "" {
		return errors.New("no model id for detecting")
	}
	format := l.trainer.ModelFormat()

	modelFolder := filepath.Join(os.TempDir(), fmt.Sprintf("model_for_auto_detections_%s_%s", modelID, format))
	if err := os.RemoveAll(modelFolder); err != nil {
		return errors.Wrap(err, "failed to clear detection model folder")
	}
	if err := os.MkdirAll(modelFolder, 0o755); err != nil {
		return errors.Wrap(err, "failed to create detection model folder")
	}
	defer os.RemoveAll(modelFolder)

	l.log.Infow("downloading detection model", "model_id", modelID, "folder", modelFolder)
	if err := l.exchanger.DownloadModel(ctx, modelFolder, modelID, format); err != nil {
		return err
	}

	var info types.ModelInformation
	if err := persist.ReadJSON(filepath.Join(modelFolder, "model.json"), &info); err != nil {
		return err
	}

	var imageIDs []string
	for _, ds := range detectionStates {
		l.setDetectionProgress(ds.progress)
		ids, err := l.exchanger.FetchImageIDs(ctx, "state="+ds.state)
		if err != nil {
			return err
		}
		imageIDs = append(imageIDs, ids...)
		if err := l.exchanger.DownloadImages(ctx, ids, training.ImagesFolder); err != nil {
			return err
		}
	}
	l.setDetectionProgress(0.42)

	images := imagesForIDs(imageIDs, training.ImagesFolder)
	l.log.Infow("running detections", "images", len(images))
	if len(images) == 0 {
		return activeIO.SaveDetections([]types.Detections{}, 0)
	}

	idx := 0
	for start := 0; start < len(images); start += detectionBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.setDetectionProgress(0.5 + float64(start)/float64(len(images))*0.5)
		end := start + detectionBatchSize
		if end > len(images) {
			end = len(images)
		}
		batchImages := images[start:end]

		detections, err := l.trainer.Detect(ctx, &info, batchImages, modelFolder)
		if err != nil {
			return err
		}
		for i := range detections {
			if detections[i].ImageID == "" && i < len(batchImages) {
				detections[i].ImageID = imageStem(batchImages[i])
			}
			detections[i].ReconcileCategoryIDs(info.Categories)
		}
		if err := activeIO.SaveDetections(detections, idx); err != nil {
			return err
		}
		idx++
	}
	return nil
}

// uploadDetections walks the persisted batches in index order. The progress
// marker advances after every accepted batch, so a retried pass re-uploads
// nothing.
func (l *Logic) uploadDetections(ctx context.Context) error {
	l.mu.Lock()
	activeIO := l.activeIO
	l.mu.Unlock()

	indices, err := activeIO.DetectionBatchIndices()
	if err != nil {
		return err
	}
	progress, err := activeIO.LoadDetectionUploadProgress()
	if err != nil {
		return err
	}

	for _, idx := range indices {
		if idx <= progress {
			continue
		}
		batch, err := activeIO.LoadDetections(idx)
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := l.exchanger.UploadDetections(ctx, batch); err != nil {
				return err
			}
		}
		if err := activeIO.SaveDetectionUploadProgress(idx); err != nil {
			return err
		}
		l.log.Infow("uploaded detection batch", "index", idx, "detections", len(batch))
	}
	return nil
}

// clearTraining removes all per-training artifacts and the marker, ending
// the lifecycle. Failures are recorded but never block the node from
// returning to idle.
func (l *Logic) clearTraining() {
	l.mu.Lock()
	training := l.training
	activeIO := l.activeIO
	lastIO := l.lastIO
	l.mu.Unlock()
	if training == nil {
		return
	}

	if err := activeIO.DeleteDetections(); err != nil {
		l.log.Warnw("could not delete detection batches", "error", err)
	}
	if err := activeIO.DeleteDetectionUploadProgress(); err != nil {
		l.log.Warnw("could not delete detection upload progress", "error", err)
	}
	if err := l.trainer.ClearTrainingData(training.TrainingFolder); err != nil {
		l.log.Errorw("could not clear training data", "error", err)
		l.Errors.Set(errorKeyClearTrainingData, err.Error())
	} else {
		l.Errors.Reset(errorKeyClearTrainingData)
	}
	if err := lastIO.Delete(training); err != nil {
		l.log.Errorw("could not delete last training marker", "error", err)
	}

	l.mu.Lock()
	l.training = nil
	l.exec = nil
	l.mu.Unlock()
	l.log.Infow("training cleaned up", "training_id", training.ID)
	l.notifyStateChange()
}

// imagesForIDs returns the image files below imageFolder whose stem is one
// of the given ids.
func imagesForIDs(imageIDs []string, imageFolder string) []string {
	wanted := make(map[string]bool, len(imageIDs))
	for _, id := range imageIDs {
		wanted[id] = true
	}

	var images []string
	entries, err := os.ReadDir(imageFolder)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if wanted[imageStem(entry.Name())] {
			images = append(images, filepath.Join(imageFolder, entry.Name()))
		}
	}
	sort.Strings(images)
	return images
}

func imageStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
