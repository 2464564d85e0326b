/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game is the player-facing service: it keys sessions by token and
// runs every request through the session state machine before touching the
// tree.
package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/learn"
	"github.com/Seednode/mindbinder/internal/metrics"
	"github.com/Seednode/mindbinder/internal/session"
	"github.com/Seednode/mindbinder/internal/tree"
)

const DefaultMaxQuestions = 8

// Learned describes a lesson that was committed.
type Learned struct {
	Item     string
	Question string
	Items    int
	Version  uint64
}

type Stats struct {
	tree.Stats
	Version  uint64
	Sessions int
	ReadOnly bool
}

type Service struct {
	engine   *learn.Engine
	tree     *tree.Tree
	sessions *session.Manager

	maxQuestions int
	metrics      *metrics.Metrics
	onLearn      func(Learned)
}

type Option func(*Service)

func WithMaxQuestions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQuestions = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// OnLearn registers a callback run after every committed lesson.
func OnLearn(fn func(Learned)) Option {
	return func(s *Service) {
		s.onLearn = fn
	}
}

func New(engine *learn.Engine, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		engine:       engine,
		tree:         engine.Tree(),
		sessions:     sessions,
		maxQuestions: DefaultMaxQuestions,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) MaxQuestions() int { return s.maxQuestions }

// Ask returns the next question, a guess, or Unknown once the question
// budget is spent. Asking again after a guess repeats it.
func (s *Service) Ask(ctx context.Context, id string) (tree.Step, error) {
	var (
		step    tree.Step
		started bool
	)

	_, err := s.sessions.Update(id, true, func(sess *session.Session) error {
		if settled, ok := sess.Settled(); ok {
			step = settled
			return nil
		}

		if sess.State == session.StateStart {
			sess.Cursor = s.tree.Start()
			started = true
		}

		next, err := s.tree.NextStep(sess.Cursor, s.maxQuestions)
		if err != nil {
			return err
		}
		if err := sess.Observe(next); err != nil {
			return err
		}

		step = next
		return nil
	})
	if err != nil {
		return tree.Step{}, err
	}

	if started {
		s.metrics.SessionStarted()
	}

	switch step.Kind {
	case tree.StepQuestion:
		s.metrics.QuestionAsked()
	case tree.StepGuess:
		s.metrics.Outcome("guess")
	case tree.StepUnknown:
		s.metrics.Outcome("unknown")
	}

	return step, nil
}

// Answer answers the outstanding question. The echoed question must match
// the one the session is waiting on.
func (s *Service) Answer(ctx context.Context, id, question string, yes bool) error {
	_, err := s.sessions.Update(id, false, func(sess *session.Session) error {
		if err := sess.CheckAnswer(question); err != nil {
			return err
		}

		next, err := s.tree.Advance(sess.Cursor, yes)
		if err != nil {
			return err
		}

		sess.Answered(next)
		return nil
	})

	return err
}

// Confirm records whether the guess was right. A right guess ends the game.
func (s *Service) Confirm(ctx context.Context, id string, correct bool) error {
	_, err := s.sessions.Update(id, false, func(sess *session.Session) error {
		if err := sess.Confirm(correct); err != nil {
			return err
		}
		if correct {
			return sess.Finish()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if correct {
		s.metrics.Outcome("confirmed")
	} else {
		s.metrics.Outcome("rejected")
	}

	return nil
}

// Teach learns the item the player had in mind and ends the game.
func (s *Service) Teach(ctx context.Context, id string, l learn.Lesson) (Learned, error) {
	var (
		learned Learned
		start   = time.Now()
	)

	_, err := s.sessions.Update(id, false, func(sess *session.Session) error {
		if err := sess.Teach(); err != nil {
			return err
		}

		snap, err := s.engine.Teach(ctx, sess.Cursor.Path, sess.Guess, l)
		if err != nil {
			return err
		}

		at, _ := snap.Find(l.Item)
		n, err := snap.Lookup(at[:len(at)-1])
		if err != nil {
			return err
		}

		learned = Learned{
			Item:     strings.TrimSpace(l.Item),
			Question: n.Text(),
			Items:    snap.Len(),
			Version:  snap.Version(),
		}

		return sess.Finish()
	})

	s.metrics.Lesson(lessonResult(err), time.Since(start))

	if err != nil {
		return Learned{}, err
	}

	if s.onLearn != nil {
		s.onLearn(learned)
	}

	return learned, nil
}

func lessonResult(err error) string {
	switch {
	case err == nil:
		return "learned"
	case errors.Is(err, tree.ErrDuplicateItem):
		return "duplicate"
	case errors.Is(err, learn.ErrEmptyItem), errors.Is(err, session.ErrIllegalTransition):
		return "invalid"
	}
	return "failed"
}

// Restart forgets the player's session; the next Ask starts a new game.
func (s *Service) Restart(id string) {
	s.sessions.Delete(id)
}

func (s *Service) Stats() Stats {
	snap := s.tree.Snapshot()

	return Stats{
		Stats:    snap.Stats(),
		Version:  snap.Version(),
		Sessions: s.sessions.Len(),
		ReadOnly: s.engine.ReadOnly(),
	}
}

func (s *Service) Tree() *tree.Tree { return s.tree }
