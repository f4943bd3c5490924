package trainer

import (
	"context"
	"sort"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/exchanger"
	"github.com/zauberzeug/loopnode/types"
)

// SaveModel uploads the trainer's latest model files under an existing model
// id. The save command may address any project, not necessarily the active
// training's, so the upload runs over its own exchanger.
func (l *Logic) SaveModel(ctx context.Context, c types.Context, modelID string) error {
	l.mu.Lock()
	training := l.training
	l.mu.Unlock()

	files, err := l.trainer.GetLatestModelFiles(training)
	if err != nil {
		return errors.Wrap(err, "could not gather model files")
	}
	if len(files) == 0 {
		return errors.Newf("no model files available to save for model %s", modelID)
	}

	formats := make([]string, 0, len(files))
	for format := range files {
		formats = append(formats, format)
	}
	sort.Strings(formats)

	ex := exchanger.New(l.client, c)
	for _, format := range formats {
		if err := ex.UploadModelFiles(ctx, modelID, format, files[format]); err != nil {
			return err
		}
	}
	l.log.Infow("saved model", "model_id", modelID, "formats", formats)
	return nil
}
