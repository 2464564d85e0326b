/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package session tracks each player's walk through the knowledge tree.
//
// A session moves through a fixed state machine:
//
//	START -> ASKING -> ASKING ... -> GUESSED -> CONFIRMED -> DONE
//	                                        \-> TEACHING  -> DONE
//	                            \-> UNKNOWN -> TEACHING   -> DONE
//
// Any operation outside a legal transition fails with ErrIllegalTransition
// and leaves the session as it was.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/tree"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrQuestionMismatch  = fmt.Errorf("%w: answer does not match the outstanding question", ErrIllegalTransition)
	ErrNoSession         = fmt.Errorf("%w: no game in progress", ErrIllegalTransition)
)

type State uint8

const (
	StateStart State = iota
	StateAsking
	StateGuessed
	StateUnknown
	StateTeaching
	StateConfirmed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAsking:
		return "ASKING"
	case StateGuessed:
		return "GUESSED"
	case StateUnknown:
		return "UNKNOWN"
	case StateTeaching:
		return "TEACHING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type Session struct {
	ID     string
	State  State
	Cursor tree.Cursor

	// Outstanding is the question the player must answer next. It is the
	// only question an answer is accepted for.
	Outstanding string

	// Guess is the item last guessed, if any.
	Guess string

	CreatedAt  time.Time
	LastActive time.Time
}

func illegal(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrIllegalTransition, op, s)
}

// Observe records the outcome of NextStep.
func (s *Session) Observe(step tree.Step) error {
	if s.State != StateStart && s.State != StateAsking {
		return illegal("ask", s.State)
	}

	switch step.Kind {
	case tree.StepQuestion:
		s.State, s.Outstanding = StateAsking, step.Text
	case tree.StepGuess:
		s.State, s.Outstanding, s.Guess = StateGuessed, "", step.Text
	case tree.StepUnknown:
		s.State, s.Outstanding = StateUnknown, ""
	default:
		return fmt.Errorf("%w: unknown step %v", ErrIllegalTransition, step.Kind)
	}

	return nil
}

// Settled reports the step a session already committed to. Asking again
// after a guess or giving up repeats the same answer.
func (s *Session) Settled() (tree.Step, bool) {
	switch s.State {
	case StateGuessed:
		return tree.Step{Kind: tree.StepGuess, Text: s.Guess}, true
	case StateUnknown:
		return tree.Step{Kind: tree.StepUnknown}, true
	}
	return tree.Step{}, false
}

// CheckAnswer verifies an answer may be given to question now.
func (s *Session) CheckAnswer(question string) error {
	if s.State != StateAsking || s.Outstanding == "" {
		return illegal("answer", s.State)
	}
	if strings.TrimSpace(question) != s.Outstanding {
		return fmt.Errorf("%w: got %q, asked %q", ErrQuestionMismatch, question, s.Outstanding)
	}

	return nil
}

// Answered moves to the cursor produced by advancing past the outstanding
// question. The next question is not known until NextStep runs again.
func (s *Session) Answered(next tree.Cursor) {
	s.Cursor = next
	s.Outstanding = ""
}

// Confirm records the player's verdict on a guess.
func (s *Session) Confirm(correct bool) error {
	if s.State != StateGuessed {
		return illegal("confirm a guess", s.State)
	}

	if correct {
		s.State = StateConfirmed
	} else {
		s.State = StateTeaching
	}

	return nil
}

// Teach enters TEACHING. A lesson right after a guess means the guess was
// wrong.
func (s *Session) Teach() error {
	switch s.State {
	case StateGuessed, StateUnknown, StateTeaching:
		s.State = StateTeaching
		return nil
	}

	return illegal("teach", s.State)
}

func (s *Session) Finish() error {
	if s.State != StateTeaching && s.State != StateConfirmed {
		return illegal("finish", s.State)
	}

	s.State = StateDone

	return nil
}
