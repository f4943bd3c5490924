package persist

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/types"
)

const lastTrainingFile = "last_training.json"

// LastTrainingIO manages the last-training marker of one project. The marker
// lives inside the training folder it describes; its presence is the node's
// "there is work to resume" flag.
type LastTrainingIO struct {
	projectFolder string
}

// NewLastTrainingIO creates the marker store for a project folder.
func NewLastTrainingIO(projectFolder string) *LastTrainingIO {
	return &LastTrainingIO{projectFolder: projectFolder}
}

// TrainingsFolder returns the directory holding all training folders.
func (io *LastTrainingIO) TrainingsFolder() string {
	return filepath.Join(io.projectFolder, "trainings")
}

// Save persists the training record next to its artifacts. Called at every
// state transition.
func (io *LastTrainingIO) Save(t *types.Training) error {
	return WriteJSONAtomic(filepath.Join(t.TrainingFolder, lastTrainingFile), t)
}

// Exists reports whether any training folder carries a marker.
func (io *LastTrainingIO) Exists() bool {
	path, _ := io.find()
	return path != ""
}

// Load reads the persisted training. At most one marker exists per node
// (one active training at a time); with none present an error is returned.
func (io *LastTrainingIO) Load() (*types.Training, error) {
	path, err := io.find()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("no last training marker found")
	}
	var t types.Training
	if err := ReadJSON(path, &t); err != nil {
		return nil, err
	}
	if !t.TrainingState.Valid() {
		return nil, errors.Newf("last training marker %s holds unknown state %q", path, t.TrainingState)
	}
	return &t, nil
}

// Delete removes the marker of the given training.
func (io *LastTrainingIO) Delete(t *types.Training) error {
	err := os.Remove(filepath.Join(t.TrainingFolder, lastTrainingFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete last training marker")
	}
	return nil
}

// find scans trainings/*/last_training.json. Folder names are walked in
// sorted order so a (never expected) multi-marker state stays deterministic.
func (io *LastTrainingIO) find() (string, error) {
	entries, err := os.ReadDir(io.TrainingsFolder())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to scan %s", io.TrainingsFolder())
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		candidate := filepath.Join(io.TrainingsFolder(), name, lastTrainingFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}
