package stagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// localMetaSuffix names the sidecar file holding an object's metadata.
const localMetaSuffix = ".sfcmeta"

// LocalStore stores objects in a directory on the client machine. It backs
// LOCAL_FS stages used by tests and on-premise deployments.
type LocalStore struct {
	dir string
}

// NewLocalStore returns a store rooted at the location path.
func NewLocalStore(loc Location) (*LocalStore, error) {
	if loc.Path == "" {
		return nil, errors.New("stagestore: LOCAL_FS location has no path")
	}
	return &LocalStore{dir: expandHome(loc.Path)}, nil
}

// Put writes body into the directory, creating it if needed, and records the
// metadata in a sidecar file.
func (s *LocalStore) Put(ctx context.Context, name string, body io.Reader, size int64, meta FileMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("stagestore: create %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stagestore: %w", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stagestore: write %s: %w", path, err)
	}
	meta.Size = n
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path+localMetaSuffix, raw, 0o644)
}

// Get opens an object and reads its metadata.
func (s *LocalStore) Get(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error) {
	meta, err := s.Stat(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	return f, meta, nil
}

// Stat returns the metadata of an object, or ErrNotFound. Objects written
// without a sidecar report only their size.
func (s *LocalStore) Stat(ctx context.Context, name string) (*FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, s.wrap(name, err)
	}
	meta := &FileMetadata{}
	raw, err := os.ReadFile(path + localMetaSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, s.wrap(name, err)
	default:
		if err := json.Unmarshal(raw, meta); err != nil {
			return nil, fmt.Errorf("stagestore: invalid metadata for %s: %w", path, err)
		}
	}
	meta.Size = fi.Size()
	return meta, nil
}

// Close is a no-op.
func (s *LocalStore) Close() error { return nil }

func (s *LocalStore) wrap(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file://%s: %w", filepath.Join(s.dir, name), ErrNotFound)
	}
	return fmt.Errorf("stagestore: %w", err)
}

func expandHome(path string) string {
	if len(path) < 2 || path[0] != '~' || (path[1] != '/' && path[1] != filepath.Separator) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
