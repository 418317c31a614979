package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"beatsync/internal/domain"
)

const snapshotVersion = 1

// Snapshot persists the merged schedule as one JSON file, replaced
// atomically on every save.
type Snapshot struct {
	path string
}

type snapshotFile struct {
	Version int                              `json:"version"`
	Entries map[string]domain.TaskDefinition `json:"entries"`
}

func NewSnapshot(path string) *Snapshot { return &Snapshot{path: path} }

func (s *Snapshot) Path() string { return s.path }

// Load returns the saved entries ordered by name. A missing file is an empty
// schedule.
func (s *Snapshot) Load() ([]domain.TaskDefinition, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f snapshotFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	defs := make([]domain.TaskDefinition, 0, len(f.Entries))
	for name, def := range f.Entries {
		def.Name = name
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (s *Snapshot) Save(entries map[string]domain.TaskDefinition) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshotFile{Version: snapshotVersion, Entries: entries}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
