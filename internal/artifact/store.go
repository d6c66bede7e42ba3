// Package artifact manages rendered audio files: where the engine writes them
// and how they are moved into the public directory.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const dirPermissions = 0o750

// Store places artifacts on a filesystem. Temporary files live under tmpDir
// until they are promoted to their final path.
type Store struct {
	fs     afero.Fs
	tmpDir string
}

// NewStore returns a store on fs that stages files in tmpDir.
func NewStore(fs afero.Fs, tmpDir string) *Store {
	return &Store{fs: fs, tmpDir: tmpDir}
}

// EnsureDirs creates each directory if it does not exist yet.
func (s *Store) EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		err := s.fs.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Exists reports whether a file is present at path.
func (s *Store) Exists(path string) (bool, error) {
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return exists, nil
}

// TempPath returns a fresh path in the staging directory with the same
// extension as dest.
func (s *Store) TempPath(dest string) string {
	return filepath.Join(s.tmpDir, uuid.NewString()+filepath.Ext(dest))
}

// Promote moves tmp to dest so that dest appears complete or not at all. When
// the two paths are on different devices the file is first copied next to
// dest and then renamed over it.
func (s *Store) Promote(tmp, dest string) error {
	err := s.fs.Rename(tmp, dest)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s to %s: %w", tmp, dest, err)
	}

	err = s.copyInto(tmp, dest)
	if err != nil {
		return err
	}

	return s.Discard(tmp)
}

// Discard removes a staged file. A file that was never written is not an error.
func (s *Store) Discard(tmp string) error {
	err := s.fs.Remove(tmp)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", tmp, err)
	}

	return nil
}

// ReadFile returns the content of a promoted artifact.
func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}

func (s *Store) copyInto(tmp, dest string) error {
	src, err := s.fs.Open(tmp)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	defer src.Close()

	staging, err := afero.TempFile(s.fs, filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("failed to create staging file for %s: %w", dest, err)
	}

	_, err = io.Copy(staging, src)
	closeErr := staging.Close()

	if err == nil {
		err = closeErr
	}

	if err == nil {
		err = s.fs.Rename(staging.Name(), dest)
	}

	if err != nil {
		_ = s.fs.Remove(staging.Name())

		return fmt.Errorf("failed to copy %s to %s: %w", tmp, dest, err)
	}

	return nil
}
