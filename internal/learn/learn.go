/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package learn grows the knowledge tree. A lesson turns the item the game
// guessed (or would have guessed) into a question separating it from the
// item the player had in mind, durably commits that subtree, and only then
// publishes the new snapshot.
package learn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Seednode/mindbinder/internal/store"
	"github.com/Seednode/mindbinder/internal/tree"
)

var (
	ErrEmptyItem = errors.New("item name is empty")
	ErrReadOnly  = errors.New("knowledge tree is read-only after repeated persistence failures")
)

// Lesson is what the player teaches. Question is optional; when set, Answer
// is the new item's answer to it.
type Lesson struct {
	Item     string
	Question string
	Answer   bool
}

type Engine struct {
	tree  *tree.Tree
	store store.Store

	retries       int
	backoff       time.Duration
	readOnlyAfter int

	failures atomic.Int64
	readOnly atomic.Bool
}

type Option func(*Engine)

// WithRetries sets how many times a failed commit is retried.
func WithRetries(n int) Option {
	return func(e *Engine) {
		e.retries = max(n, 0)
	}
}

// WithBackoff sets the base delay between retries; it grows linearly.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) {
		e.backoff = d
	}
}

// WithReadOnlyAfter sets how many consecutive failed lessons switch the
// engine to read-only. Zero never does.
func WithReadOnlyAfter(n int) Option {
	return func(e *Engine) {
		e.readOnlyAfter = max(n, 0)
	}
}

func New(t *tree.Tree, s store.Store, opts ...Option) *Engine {
	e := &Engine{
		tree:          t,
		store:         s,
		retries:       2,
		backoff:       100 * time.Millisecond,
		readOnlyAfter: 3,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Tree() *tree.Tree { return e.tree }

func (e *Engine) ReadOnly() bool { return e.readOnly.Load() }

// DefaultQuestion is asked when the player names an item without saying how
// it differs from the guess.
func DefaultQuestion(item string) string {
	item = strings.TrimSpace(item)
	if item == "" {
		return ""
	}
	lower := strings.ToLower(item)

	for _, det := range []string{"a ", "an ", "the "} {
		if strings.HasPrefix(lower, det) {
			return "Is it " + item + "?"
		}
	}

	article := "a"
	if strings.ContainsRune("aeiou", rune(lower[0])) {
		article = "an"
	}

	return fmt.Sprintf("Is it %s %s?", article, item)
}

// Teach inserts l.Item below from. guessed is the item the game last
// guessed, empty if it gave up at a question.
func (e *Engine) Teach(ctx context.Context, from tree.Path, guessed string, l Lesson) (*tree.Snapshot, error) {
	if e.readOnly.Load() {
		return e.tree.Snapshot(), &store.PersistenceError{Op: "teach", Err: ErrReadOnly}
	}

	name := strings.TrimSpace(l.Item)
	if name == "" {
		return e.tree.Snapshot(), ErrEmptyItem
	}

	question, answer := strings.TrimSpace(l.Question), l.Answer
	if question == "" {
		question, answer = DefaultQuestion(name), true
	}

	return e.tree.Update(func(cur *tree.Snapshot) (*tree.Snapshot, error) {
		if at, ok := cur.Find(name); ok {
			return nil, fmt.Errorf("%w: %q is already known at %q", tree.ErrDuplicateItem, name, at)
		}

		at, old, err := target(cur, from, guessed)
		if err != nil {
			return nil, err
		}

		var sub *tree.Node
		if answer {
			sub = tree.NewQuestion(question, tree.NewItem(name), old)
		} else {
			sub = tree.NewQuestion(question, old, tree.NewItem(name))
		}

		next, err := cur.Replace(at, sub)
		if err != nil {
			return nil, err
		}

		err = e.commit(ctx, store.Mutation{
			At:      at,
			Subtree: sub,
			Base:    cur.Version(),
			Version: next.Version(),
		})
		if err != nil {
			return nil, err
		}

		return next, nil
	})
}

// target finds the item leaf to split. The guessed item is looked up by name
// because a concurrent lesson may already have pushed it below from. Without
// a guess, descend along "no" answers to the item the game would reach.
func target(s *tree.Snapshot, from tree.Path, guessed string) (tree.Path, *tree.Node, error) {
	if guessed != "" {
		if at, ok := s.Find(guessed); ok && at.HasPrefix(from) {
			n, err := s.Lookup(at)
			return at, n, err
		}
	}

	n, err := s.Lookup(from)
	if err != nil {
		return nil, nil, err
	}

	at := from
	for n.IsQuestion() {
		at = at.Append(false)
		n = n.No()
	}

	return at, n, nil
}

func (e *Engine) commit(ctx context.Context, m store.Mutation) error {
	var err error

	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return e.fail(ctx.Err())
			case <-time.After(time.Duration(attempt) * e.backoff):
			}
		}

		err = e.store.Commit(ctx, m)
		if err == nil {
			e.failures.Store(0)
			return nil
		}

		// Another writer owns the stored tree now; retrying the same base
		// cannot succeed.
		if errors.Is(err, store.ErrConflict) || ctx.Err() != nil {
			break
		}
	}

	return e.fail(err)
}

func (e *Engine) fail(err error) error {
	if n := e.failures.Add(1); e.readOnlyAfter > 0 && n >= int64(e.readOnlyAfter) {
		e.readOnly.Store(true)
	}

	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		return err
	}

	return &store.PersistenceError{Op: "commit", Err: err}
}

// Bootstrap loads the stored tree, seeding the store first when it is
// empty. A nil seed means the single item "cat".
func Bootstrap(ctx context.Context, s store.Store, seed *tree.Node) (t *tree.Tree, seeded bool, err error) {
	root, version, err := s.Load(ctx)
	if err == nil {
		t, err = tree.New(root, version)
		return t, false, err
	}
	if !errors.Is(err, store.ErrEmpty) {
		return nil, false, err
	}

	if seed == nil {
		seed = tree.NewItem("cat")
	}
	if err := tree.Validate(seed); err != nil {
		return nil, false, fmt.Errorf("seed: %w", err)
	}

	if err := s.Commit(ctx, store.Mutation{Subtree: seed, Base: 0, Version: 1}); err != nil {
		return nil, false, err
	}

	t, err = tree.New(seed, 1)

	return t, true, err
}
