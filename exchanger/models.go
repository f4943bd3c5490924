package exchanger

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/types"
)

// DownloadModel fetches a model archive and unpacks it into targetFolder.
// The zip is extracted to a temp folder first and moved file-by-file, so a
// crashed download never leaves a half-unpacked model behind.
func (e *Exchanger) DownloadModel(ctx context.Context, targetFolder, modelID, format string) error {
	path := fmt.Sprintf("/%s/projects/%s/models/%s/%s/file", e.ctx.Organization, e.ctx.Project, modelID, format)
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := resp.CheckOK("download model " + modelID); err != nil {
		return err
	}
	e.log.Infow("downloaded model archive", "model_id", modelID, "format", format, "bytes", len(resp.Body))

	tmpFolder, err := os.MkdirTemp("", "model-download-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp folder")
	}
	defer os.RemoveAll(tmpFolder)

	if err := extractZip(resp.Body, tmpFolder); err != nil {
		return err
	}

	if err := os.MkdirAll(targetFolder, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model folder %s", targetFolder)
	}
	entries, err := os.ReadDir(tmpFolder)
	if err != nil {
		return errors.Wrap(err, "failed to list extracted files")
	}
	for _, entry := range entries {
		src := filepath.Join(tmpFolder, entry.Name())
		dst := filepath.Join(targetFolder, entry.Name())
		if err := moveFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// UploadModel uploads the files of one format as the latest model of a
// training and returns the model uuid minted by the loop.
func (e *Exchanger) UploadModel(ctx context.Context, files []string, trainingNumber int, format string) (string, error) {
	path := fmt.Sprintf("/%s/projects/%s/trainings/%d/models/latest/%s/file",
		e.ctx.Organization, e.ctx.Project, trainingNumber, format)
	resp, err := e.client.PutFiles(ctx, path, files)
	if err != nil {
		return "", err
	}
	if err := resp.CheckOK(fmt.Sprintf("upload model format %s", format)); err != nil {
		return "", err
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &uploaded); err != nil {
		return "", errors.Wrap(err, "failed to decode upload response")
	}
	if uploaded.ID == "" {
		return "", errors.Newf("upload response carries no model id: %s", resp.Body)
	}
	e.log.Infow("uploaded model", "format", format, "training_number", trainingNumber, "model_id", uploaded.ID)
	return uploaded.ID, nil
}

// UploadModelFiles uploads files for an existing model id (the save
// command), as opposed to minting a new model for a training.
func (e *Exchanger) UploadModelFiles(ctx context.Context, modelID, format string, files []string) error {
	path := fmt.Sprintf("/%s/projects/%s/models/%s/%s/file", e.ctx.Organization, e.ctx.Project, modelID, format)
	resp, err := e.client.PutFiles(ctx, path, files)
	if err != nil {
		return err
	}
	return resp.CheckOK(fmt.Sprintf("save model %s as %s", modelID, format))
}

// UploadDetections posts one batch of detection records.
func (e *Exchanger) UploadDetections(ctx context.Context, batch []types.Detections) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "failed to marshal detections")
	}
	path := fmt.Sprintf("/%s/projects/%s/detections", e.ctx.Organization, e.ctx.Project)
	resp, err := e.client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	return resp.CheckOK("upload detections")
}

// extractZip unpacks the archive into dir. Entry names must stay below dir.
func extractZip(data []byte, dir string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrap(err, "model archive is not a zip")
	}

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(file.Name)
		if strings.Contains(file.Name, "..") {
			return errors.Newf("model archive entry %q escapes target folder", file.Name)
		}
		src, err := file.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open archive entry %s", file.Name)
		}
		dst, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			src.Close()
			return errors.Wrapf(err, "failed to create %s", name)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to extract %s", name)
		}
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+remove across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", dst)
	}
	return os.Remove(src)
}
