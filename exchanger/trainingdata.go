package exchanger

import (
	"context"

	"github.com/zauberzeug/loopnode/types"
)

// DownloadTrainingData assembles the dataset for a new training: all
// completed image ids, their per-image records and the jpeg blobs. Images
// the loop no longer serves records for are skipped and counted instead of
// failing the whole preparation.
func (e *Exchanger) DownloadTrainingData(ctx context.Context, imageFolder string) ([]types.ImageMetadata, int, error) {
	ids, err := e.FetchImageIDs(ctx, "state=complete")
	if err != nil {
		return nil, 0, err
	}

	imageData, err := e.FetchImageMetadata(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	skipped := len(ids) - len(imageData)

	downloadIDs := make([]string, 0, len(imageData))
	for _, img := range imageData {
		downloadIDs = append(downloadIDs, img.ID)
	}
	if err := e.DownloadImages(ctx, downloadIDs, imageFolder); err != nil {
		return nil, 0, err
	}

	e.log.Infow("training data ready", "images", len(imageData), "skipped", skipped)
	return imageData, skipped, nil
}
