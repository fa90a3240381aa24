package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileManager is the slice of the filesystem DirSink needs.
type FileManager interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
}

type OSFileManager struct{}

func (OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileManager) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

// DirSink writes objects below a local directory.
type DirSink struct {
	root string
	fm   FileManager
}

func NewDirSink(root string, fm FileManager) *DirSink {
	return &DirSink{root: root, fm: fm}
}

func (d *DirSink) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := filepath.Join(d.root, filepath.FromSlash(key))
	if err := d.fm.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	return d.fm.WriteFile(name, data, 0o644)
}
