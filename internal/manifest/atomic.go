package manifest

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileMode is the mode manifests and exports are written with
const FileMode os.FileMode = 0644

// AtomicWriter stages a file next to its target and renames it into place on
// Commit, so readers see either the old or the new manifest. Close discards
// an uncommitted stage, which makes `defer w.Close()` safe on every path.
type AtomicWriter struct {
	target string
	stage  *os.File
	done   bool
}

// NewAtomicWriter stages a replacement for target
func NewAtomicWriter(target string) (*AtomicWriter, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	stage, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if err := stage.Chmod(FileMode); err != nil {
		stage.Close()
		os.Remove(stage.Name())
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	return &AtomicWriter{target: target, stage: stage}, nil
}

func (w *AtomicWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write %s: writer already closed", w.target)
	}
	return w.stage.Write(p)
}

// Commit flushes the stage to disk and moves it over the target
func (w *AtomicWriter) Commit() error {
	if w.done {
		return fmt.Errorf("commit %s: writer already closed", w.target)
	}
	w.done = true
	tmp := w.stage.Name()

	err := w.stage.Sync()
	if cerr := w.stage.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, w.target)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", w.target, err)
	}
	return nil
}

// Close discards the stage unless Commit already ran
func (w *AtomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.stage.Close()
	return os.Remove(w.stage.Name())
}

// WriteFileAtomic replaces path with data in one step
func WriteFileAtomic(path string, data []byte) error {
	w, err := NewAtomicWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Commit()
}
