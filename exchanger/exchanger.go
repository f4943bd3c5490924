// Package exchanger moves training data, model archives and detections
// between the node's disk and the Learning Loop.
package exchanger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
	"github.com/zauberzeug/loopnode/loop"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

const (
	// imageDownloadConcurrency bounds how many image blobs are in flight.
	imageDownloadConcurrency = 10

	// imageMetadataBatchSize is the loop's limit on /images?ids=... queries.
	imageMetadataBatchSize = 100
)

// Exchanger transfers artifacts for one project context.
type Exchanger struct {
	client *loop.Client
	log    *zap.SugaredLogger

	ctx types.Context

	// progress is the fraction of the current image download, stored as
	// float64 bits.
	progress atomic.Uint64
}

// New creates an exchanger bound to a project context.
func New(client *loop.Client, ctx types.Context) *Exchanger {
	return &Exchanger{client: client, log: logger.Named("exchanger"), ctx: ctx}
}

// SetContext rebinds the exchanger to another project.
func (e *Exchanger) SetContext(ctx types.Context) {
	e.ctx = ctx
}

// Progress returns the fraction [0..1] of the running image download.
func (e *Exchanger) Progress() float64 {
	return math.Float64frombits(e.progress.Load())
}

func (e *Exchanger) setProgress(f float64) {
	e.progress.Store(math.Float64bits(f))
}

// FetchImageIDs returns the ids matching the query, e.g. "state=complete".
func (e *Exchanger) FetchImageIDs(ctx context.Context, query string) ([]string, error) {
	path := fmt.Sprintf("/%s/projects/%s/data", e.ctx.Organization, e.ctx.Project)
	if query != "" {
		path += "?" + query
	}
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := resp.CheckOK("fetch image ids"); err != nil {
		return nil, err
	}

	var payload struct {
		ImageIDs []string `json:"image_ids"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode image id response")
	}
	return payload.ImageIDs, nil
}

// FetchImageMetadata returns the per-image records for the given ids,
// querying the loop in batches of 100.
func (e *Exchanger) FetchImageMetadata(ctx context.Context, ids []string) ([]types.ImageMetadata, error) {
	var images []types.ImageMetadata
	for start := 0; start < len(ids); start += imageMetadataBatchSize {
		end := start + imageMetadataBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		path := fmt.Sprintf("/%s/projects/%s/images?ids=%s",
			e.ctx.Organization, e.ctx.Project, url.QueryEscape(strings.Join(ids[start:end], ",")))
		resp, err := e.client.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := resp.CheckOK("fetch image metadata"); err != nil {
			return nil, err
		}

		var payload struct {
			Images []types.ImageMetadata `json:"images"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, errors.Wrap(err, "failed to decode image metadata response")
		}
		images = append(images, payload.Images...)
	}
	return images, nil
}

// DownloadImages fetches the jpegs for all ids that are not on disk yet,
// ten at a time. Existing files are never re-downloaded, so a resumed
// download only pays for what is missing.
func (e *Exchanger) DownloadImages(ctx context.Context, ids []string, imageFolder string) error {
	if err := os.MkdirAll(imageFolder, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create image folder %s", imageFolder)
	}

	missing := filterExistingImages(ids, imageFolder)
	e.log.Infow("downloading images", "requested", len(ids), "missing", len(missing))
	if len(missing) == 0 {
		e.setProgress(1)
		return nil
	}
	e.setProgress(0)

	var done atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(imageDownloadConcurrency)
	for _, id := range missing {
		id := id
		group.Go(func() error {
			if err := e.downloadImage(groupCtx, id, imageFolder); err != nil {
				return err
			}
			e.setProgress(float64(done.Add(1)) / float64(len(missing)))
			return nil
		})
	}
	return group.Wait()
}

func (e *Exchanger) downloadImage(ctx context.Context, id, imageFolder string) error {
	path := fmt.Sprintf("/%s/projects/%s/images/%s/main", e.ctx.Organization, e.ctx.Project, id)
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := resp.CheckOK("download image " + id); err != nil {
		return err
	}
	return persist.WriteFileAtomic(filepath.Join(imageFolder, id+".jpg"), resp.Body)
}

// filterExistingImages drops every id whose jpg is already on disk.
func filterExistingImages(ids []string, imageFolder string) []string {
	existing := map[string]bool{}
	entries, err := os.ReadDir(imageFolder)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".jpg") {
				existing[strings.TrimSuffix(name, ".jpg")] = true
			}
		}
	}

	var missing []string
	for _, id := range ids {
		if !existing[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

