package store

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"spot-trader/internal/errors"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

const (
	stateFileMode os.FileMode = 0o600
	tempSuffix                = ".tmp"
)

// FileStateStore keeps each state record in its own JSON file under dir.
type FileStateStore struct {
	dir string
}

// NewFileStateStore creates the directory if needed and clears temp files
// an interrupted save left behind.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}
	if _, err := removeStaleTemps(dir); err != nil {
		return nil, errors.Wrapf(err, "clean state dir %s", dir)
	}
	return &FileStateStore{dir: dir}, nil
}

// Path returns the file backing key.
func (s *FileStateStore) Path(key string) string {
	return filepath.Join(s.dir, "state_"+unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

// LoadState reads the record for key.
func (s *FileStateStore) LoadState(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if os.IsNotExist(err) {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read state %s", key)
	}
	return data, nil
}

// SaveState replaces the record for key atomically.
func (s *FileStateStore) SaveState(_ context.Context, key string, data []byte) error {
	if err := replaceFile(s.Path(key), data); err != nil {
		return errors.Wrapf(err, "write state %s", key)
	}
	return nil
}

// replaceFile swaps path's content for data. The bytes go to a sibling temp
// file that is synced before it is renamed over path, so a reader sees either
// the old record or the new one. The directory is synced afterwards to make
// the rename itself durable.
func replaceFile(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, base+".*"+tempSuffix)
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmp.Name())
		}
	}()

	steps := []struct {
		op string
		fn func() error
	}{
		{"write", func() error { _, err := tmp.Write(data); return err }},
		{"chmod", func() error { return tmp.Chmod(stateFileMode) }},
		{"sync", tmp.Sync},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			tmp.Close()
			return errors.Wrapf(err, "%s %s", st.op, tmp.Name())
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	renamed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// removeStaleTemps deletes temp files left by a crash between create and
// rename. It returns how many were removed.
func removeStaleTemps(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "state_*"+tempSuffix))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}
	return len(matches), nil
}
