package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileRegistry keeps the peg registry in a JSON file. Writes replace the file
// atomically via rename.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

// NewFileRegistry returns a registry stored at path. The file is created on
// first write.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// Path returns the backing file path.
func (r *FileRegistry) Path() string { return r.path }

// LoadPegs implements PegRegistry. A missing file is an empty registry.
func (r *FileRegistry) LoadPegs(ctx context.Context) ([]PegRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

// UpsertPeg implements PegRegistry.
func (r *FileRegistry) UpsertPeg(ctx context.Context, rec PegRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pegs, err := r.readLocked()
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	replaced := false
	for i := range pegs {
		if pegs[i].ChannelID == rec.ChannelID {
			pegs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		pegs = append(pegs, rec)
	}
	return r.writeLocked(pegs)
}

// DeletePeg implements PegRegistry.
func (r *FileRegistry) DeletePeg(ctx context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pegs, err := r.readLocked()
	if err != nil {
		return err
	}
	kept := pegs[:0]
	for _, p := range pegs {
		if p.ChannelID != channelID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(pegs) {
		return nil
	}
	return r.writeLocked(kept)
}

func (r *FileRegistry) readLocked() ([]PegRecord, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return []PegRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(raw) == 0 {
		return []PegRecord{}, nil
	}

	var pegs []PegRecord
	if err := json.Unmarshal(raw, &pegs); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", r.path, err)
	}
	return pegs, nil
}

func (r *FileRegistry) writeLocked(pegs []PegRecord) error {
	sort.Slice(pegs, func(i, j int) bool { return pegs[i].ChannelID < pegs[j].ChannelID })
	payload, err := json.MarshalIndent(pegs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

var _ PegRegistry = (*FileRegistry)(nil)
