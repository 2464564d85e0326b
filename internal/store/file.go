package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Seednode/mindbinder/internal/tree"
)

type fileRecord struct {
	Path string    `json:"path"`
	Kind tree.Kind `json:"kind"`
	Text string    `json:"text"`
}

type fileContents struct {
	Version uint64       `json:"version"`
	Nodes   []fileRecord `json:"nodes"`
}

// File stores the whole tree as one JSON document. Commits write a new
// copy next to it and rename it into place, so a crash mid-write leaves
// the previous version readable.
type File struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) read() (fileContents, error) {
	var fc fileContents

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fc, err
	}

	if err := json.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to unmarshal tree file: %w", err)
	}

	return fc, nil
}

func (f *File) Load(ctx context.Context) (*tree.Node, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc, err := f.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrEmpty
	}
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	records := make([]Record, 0, len(fc.Nodes))
	for _, n := range fc.Nodes {
		records = append(records, Record(n))
	}

	root, err := Build(records)
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	return root, fc.Version, nil
}

func (f *File) Commit(ctx context.Context, m Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return wrap("commit", err)
	}

	fc, err := f.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrap("commit", err)
	}
	if fc.Version != m.Base {
		return wrap("commit", fmt.Errorf("%w: stored %d, expected %d", ErrConflict, fc.Version, m.Base))
	}

	records := make([]Record, 0, len(fc.Nodes))
	for _, n := range fc.Nodes {
		records = append(records, Record(n))
	}

	next := fileContents{Version: m.Version}
	for _, r := range Apply(records, m) {
		next.Nodes = append(next.Nodes, fileRecord(r))
	}

	return wrap("commit", f.write(next))
}

func (f *File) write(fc fileContents) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure tree directory: %w", err)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-"+filepath.Base(f.path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// Make the rename itself durable.
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open tree directory: %w", err)
	}
	defer d.Close()

	return d.Sync()
}

func (f *File) Close() error {
	return nil
}
