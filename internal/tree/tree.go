package tree

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Tree publishes snapshots through an atomic pointer. Readers load the
// current snapshot without locking; writers serialize on mu and only swap
// the pointer once their update function succeeds.
type Tree struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func New(root *Node, version uint64) (*Tree, error) {
	s, err := NewSnapshot(root, version)
	if err != nil {
		return nil, err
	}

	t := &Tree{}
	t.snap.Store(s)

	return t, nil
}

func (t *Tree) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Update runs fn with the current snapshot while holding the writer lock and
// publishes the snapshot it returns. If fn fails, nothing is published. fn
// may block, e.g. on a durable write; readers are unaffected.
func (t *Tree) Update(fn func(cur *Snapshot) (*Snapshot, error)) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()

	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if next.version <= cur.version {
		return cur, fmt.Errorf("%w: version %d does not follow %d", ErrInvalidTree, next.version, cur.version)
	}

	t.snap.Store(next)

	return next, nil
}

type StepKind uint8

const (
	StepQuestion StepKind = iota
	StepGuess
	StepUnknown
)

func (k StepKind) String() string {
	switch k {
	case StepQuestion:
		return "question"
	case StepGuess:
		return "guess"
	case StepUnknown:
		return "unknown"
	}
	return "invalid"
}

// Step is the outcome of NextStep. Text holds the question or the guessed
// item name and is empty for StepUnknown.
type Step struct {
	Kind StepKind
	Text string
}

// Cursor is a position in the tree: the answers given so far and the number
// of questions asked. It caches the node it points at for one snapshot
// version and re-resolves from Path when the tree has moved on.
type Cursor struct {
	Path  Path
	Asked int

	node    *Node
	version uint64
}

// Start returns a cursor at the root of the current snapshot.
func (t *Tree) Start() Cursor {
	s := t.Snapshot()

	return Cursor{node: s.root, version: s.version}
}

// Node returns the node the cursor points at in the current snapshot.
func (t *Tree) Node(c Cursor) (*Node, error) {
	s := t.Snapshot()
	if c.node != nil && c.version == s.version {
		return c.node, nil
	}

	return s.Lookup(c.Path)
}

// NextStep reports what to do at c without modifying the tree or c.
func (t *Tree) NextStep(c Cursor, maxQuestions int) (Step, error) {
	n, err := t.Node(c)
	if err != nil {
		return Step{}, err
	}

	switch {
	case !n.IsQuestion():
		return Step{Kind: StepGuess, Text: n.text}, nil
	case c.Asked >= maxQuestions:
		return Step{Kind: StepUnknown}, nil
	default:
		return Step{Kind: StepQuestion, Text: n.text}, nil
	}
}

// Advance answers the question at c and returns the moved cursor.
func (t *Tree) Advance(c Cursor, answer bool) (Cursor, error) {
	s := t.Snapshot()

	n := c.node
	if n == nil || c.version != s.version {
		var err error
		if n, err = s.Lookup(c.Path); err != nil {
			return c, err
		}
	}

	if !n.IsQuestion() {
		return c, fmt.Errorf("%w: at %q (item %q)", ErrInvalidState, c.Path, n.text)
	}

	return Cursor{
		Path:    c.Path.Append(answer),
		Asked:   c.Asked + 1,
		node:    n.Child(answer),
		version: s.version,
	}, nil
}
