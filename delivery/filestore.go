package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/internal/safefile"
)

// FileStore writes artifacts into a media directory, the native shell's
// equivalent of saving to the photo library.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("delivery: media dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Deliver writes a atomically. An existing file with the same name is
// replaced.
func (s *FileStore) Deliver(ctx context.Context, a *artifact.Artifact) Outcome {
	return guard("filestore", a, func() Outcome {
		if err := ctx.Err(); err != nil {
			return failed("filestore", a, err)
		}
		if err := safefile.ValidName(a.FileName); err != nil {
			return failed("filestore", a, err)
		}
		dst, err := safefile.Join(s.dir, a.FileName)
		if err != nil {
			return failed("filestore", a, err)
		}

		tmp, err := os.CreateTemp(s.dir, ".export-*")
		if err != nil {
			return failed("filestore", a, err)
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(a.Blob.Data); err != nil {
			tmp.Close()
			return failed("filestore", a, err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return failed("filestore", a, err)
		}
		if err := tmp.Close(); err != nil {
			return failed("filestore", a, err)
		}
		if err := os.Chmod(tmp.Name(), 0o644); err != nil {
			return failed("filestore", a, err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return failed("filestore", a, err)
		}
		return Outcome{Delivered: true, Location: filepath.ToSlash(dst)}
	})
}
