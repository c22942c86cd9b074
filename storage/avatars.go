package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Avatars stores faction avatar assets on the local filesystem, one
// webp file per faction.
type Avatars struct {
	dir string
}

// NewAvatars creates the avatar directory if needed.
func NewAvatars(dir string) (*Avatars, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: avatar dir: %w", err)
	}
	return &Avatars{dir: dir}, nil
}

// Path returns where a faction's avatar lives on disk.
func (a *Avatars) Path(fid int64) string {
	return filepath.Join(a.dir, fmt.Sprintf("%d.webp", fid))
}

// Remove deletes a faction's avatar. A missing file is not an error.
func (a *Avatars) Remove(fid int64) error {
	err := os.Remove(a.Path(fid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
