package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int        `json:"version"`
	Files   []FileMark `json:"files"`
}

// FileStore keeps the checkpoint in a JSON file replaced atomically on every
// advance.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the checkpoint. A missing file is an empty state; anything
// unreadable as a checkpoint is reported as errors.ErrCheckpointCorrupt.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading checkpoint %s: %w", s.path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, apperrors.Corruptf("%s: %v", s.path, err)
	}
	if doc.Version != fileFormatVersion {
		return State{}, apperrors.Corruptf("%s: unsupported version %d", s.path, doc.Version)
	}
	seen := make(map[string]bool, len(doc.Files))
	for _, m := range doc.Files {
		if m.Name == "" {
			return State{}, apperrors.Corruptf("%s: mark without file name", s.path)
		}
		if seen[m.Name] {
			return State{}, apperrors.Corruptf("%s: duplicate mark for %s", s.path, m.Name)
		}
		seen[m.Name] = true
	}
	return NewState(doc.Files...), nil
}

// Advance writes state plus marks to a temporary file, syncs it, renames it
// over the checkpoint and syncs the directory.
func (s *FileStore) Advance(ctx context.Context, state State, marks []FileMark) (State, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	if len(state.fresh(marks)) == 0 {
		return state, nil
	}
	next := state.With(marks)
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Files: next.Marks()}, "", "  ")
	if err != nil {
		return state, fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return state, err
	}
	return next, nil
}

// writeAtomic replaces path with data through a synced temp file and a
// rename. Once the rename succeeds the new content is what readers see, so a
// failed directory sync afterwards is logged and not returned.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp checkpoint file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp checkpoint file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming checkpoint file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		slog.Warn("checkpoint renamed but directory sync failed", "path", path, "error", err)
	}
	return nil
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
