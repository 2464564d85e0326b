/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store persists the knowledge tree. Every backend keeps one record
// per node keyed by its path, so a mutation rewrites exactly the records at
// or below the replaced node, atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Seednode/mindbinder/internal/tree"
)

var (
	// ErrEmpty is returned by Load when nothing has been committed yet.
	ErrEmpty = errors.New("store is empty")

	// ErrConflict is returned by Commit when the stored version is not the
	// mutation's base version.
	ErrConflict = errors.New("version conflict")
)

// PersistenceError wraps every failure to read or durably write the tree.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}

	return &PersistenceError{Op: op, Err: err}
}

// Mutation replaces the subtree at At with Subtree, moving the stored
// version from Base to Version.
type Mutation struct {
	At      tree.Path
	Subtree *tree.Node
	Base    uint64
	Version uint64
}

type Store interface {
	Load(ctx context.Context) (*tree.Node, uint64, error)
	Commit(ctx context.Context, m Mutation) error
	Close() error
}

// Record is the stored form of a single node.
type Record struct {
	Path string
	Kind tree.Kind
	Text string
}

// Flatten lists the records of sub as if it were rooted at at.
func Flatten(at tree.Path, sub *tree.Node) []Record {
	var out []Record

	var walk func(n *tree.Node, p tree.Path)
	walk = func(n *tree.Node, p tree.Path) {
		out = append(out, Record{Path: p.String(), Kind: n.Kind(), Text: n.Text()})
		if n.IsQuestion() {
			walk(n.Yes(), p.Append(true))
			walk(n.No(), p.Append(false))
		}
	}
	walk(sub, at)

	return out
}

// Build reassembles a tree from its records and validates it.
func Build(records []Record) (*tree.Node, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	byPath := make(map[string]Record, len(records))
	for _, r := range records {
		if _, err := tree.ParsePath(r.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", tree.ErrInvalidTree, err)
		}
		byPath[r.Path] = r
	}

	used := 0

	var build func(p string) (*tree.Node, error)
	build = func(p string) (*tree.Node, error) {
		r, ok := byPath[p]
		if !ok {
			return nil, fmt.Errorf("%w: no record at %q", tree.ErrInvalidTree, p)
		}
		used++

		switch r.Kind {
		case tree.KindItem:
			return tree.NewItem(r.Text), nil
		case tree.KindQuestion:
			yes, err := build(p + "y")
			if err != nil {
				return nil, err
			}
			no, err := build(p + "n")
			if err != nil {
				return nil, err
			}
			return tree.NewQuestion(r.Text, yes, no), nil
		}

		return nil, fmt.Errorf("%w: unknown kind %d at %q", tree.ErrInvalidTree, r.Kind, p)
	}

	root, err := build("")
	if err != nil {
		return nil, err
	}

	if used != len(byPath) {
		return nil, fmt.Errorf("%w: %d orphaned records", tree.ErrInvalidTree, len(byPath)-used)
	}

	return root, tree.Validate(root)
}

// Under reports whether key lies at or below prefix.
func Under(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

// Apply returns records with everything under m.At replaced by m.Subtree,
// sorted by path. Backends without native range deletes use it.
func Apply(records []Record, m Mutation) []Record {
	prefix := m.At.String()

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !Under(r.Path, prefix) {
			out = append(out, r)
		}
	}
	out = append(out, Flatten(m.At, m.Subtree)...)

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}
