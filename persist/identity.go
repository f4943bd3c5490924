package persist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zauberzeug/loopnode/errors"
)

// NodeUUID returns the node's persistent identity. On first start a fresh
// uuid is generated and written to <dataFolder>/uuid.txt; subsequent starts
// read it back, so the identity survives restarts and container rebuilds that
// keep the data volume.
func NodeUUID(dataFolder string) (string, error) {
	path := filepath.Join(dataFolder, "uuid.txt")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		return "", errors.Newf("corrupt node identity in %s: %q", path, id)
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}

	id := uuid.NewString()
	if err := WriteFileAtomic(path, []byte(id+"\n")); err != nil {
		return "", errors.Wrap(err, "failed to persist node identity")
	}
	return id, nil
}
