package tree

import (
	"fmt"
	"maps"
)

// Snapshot is one published version of the tree. It is immutable and safe
// for concurrent use.
type Snapshot struct {
	root    *Node
	version uint64
	items   map[string]Path
}

type Stats struct {
	Items     int
	Questions int
	Depth     int
}

// NewSnapshot validates root and indexes its items.
func NewSnapshot(root *Node, version uint64) (*Snapshot, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}

	s := &Snapshot{
		root:    root,
		version: version,
		items:   make(map[string]Path),
	}
	indexItems(s.items, root, nil)

	return s, nil
}

func indexItems(into map[string]Path, n *Node, at Path) {
	if !n.IsQuestion() {
		into[Fold(n.text)] = at

		return
	}

	indexItems(into, n.yes, at.Append(true))
	indexItems(into, n.no, at.Append(false))
}

func (s *Snapshot) Root() *Node { return s.root }

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Len() int { return len(s.items) }

// Lookup resolves a path from the root.
func (s *Snapshot) Lookup(p Path) (*Node, error) {
	n := s.root

	for i, answer := range p {
		if !n.IsQuestion() {
			return nil, fmt.Errorf("%w: %q stops at item %q after %d answers", ErrNoSuchPath, p, n.text, i)
		}
		n = n.Child(answer)
	}

	return n, nil
}

// Find returns the path of the item whose name matches ignoring case.
func (s *Snapshot) Find(name string) (Path, bool) {
	p, ok := s.items[Fold(name)]

	return p, ok
}

func (s *Snapshot) Contains(name string) bool {
	_, ok := s.items[Fold(name)]

	return ok
}

// Walk visits nodes in pre-order, yes branch first.
func (s *Snapshot) Walk(fn func(at Path, n *Node) error) error {
	return walk(s.root, nil, fn)
}

func walk(n *Node, at Path, fn func(Path, *Node) error) error {
	if err := fn(at, n); err != nil {
		return err
	}
	if !n.IsQuestion() {
		return nil
	}
	if err := walk(n.yes, at.Append(true), fn); err != nil {
		return err
	}

	return walk(n.no, at.Append(false), fn)
}

func (s *Snapshot) Stats() Stats {
	var st Stats

	_ = s.Walk(func(at Path, n *Node) error {
		if n.IsQuestion() {
			st.Questions++
		} else {
			st.Items++
		}
		st.Depth = max(st.Depth, len(at))

		return nil
	})

	return st
}

// Replace returns a new snapshot with the node at p swapped for sub. Only
// the nodes on the path are copied; everything else is shared.
func (s *Snapshot) Replace(p Path, sub *Node) (*Snapshot, error) {
	if err := Validate(sub); err != nil {
		return nil, err
	}

	old, err := s.Lookup(p)
	if err != nil {
		return nil, err
	}

	items := maps.Clone(s.items)
	removeItems(items, old)

	added := make(map[string]Path)
	indexItems(added, sub, p)
	for name, at := range added {
		if prev, ok := items[name]; ok {
			return nil, fmt.Errorf("%w: %q (at %q)", ErrDuplicateItem, name, prev)
		}
		items[name] = at
	}

	return &Snapshot{
		root:    splice(s.root, p, sub),
		version: s.version + 1,
		items:   items,
	}, nil
}

func removeItems(from map[string]Path, n *Node) {
	if !n.IsQuestion() {
		delete(from, Fold(n.text))

		return
	}

	removeItems(from, n.yes)
	removeItems(from, n.no)
}

func splice(n *Node, p Path, sub *Node) *Node {
	if len(p) == 0 {
		return sub
	}
	if p[0] {
		return NewQuestion(n.text, splice(n.yes, p[1:], sub), n.no)
	}

	return NewQuestion(n.text, n.yes, splice(n.no, p[1:], sub))
}
