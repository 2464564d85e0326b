package game

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/mindbinder/internal/learn"
	"github.com/Seednode/mindbinder/internal/metrics"
	"github.com/Seednode/mindbinder/internal/session"
	"github.com/Seednode/mindbinder/internal/store"
	"github.com/Seednode/mindbinder/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, seed *tree.Node, opts ...Option) (*Service, store.Store) {
	t.Helper()

	st := store.NewFile(filepath.Join(t.TempDir(), "tree.json"))
	t.Cleanup(func() { _ = st.Close() })

	tr, _, err := learn.Bootstrap(context.Background(), st, seed)
	require.NoError(t, err)

	engine := learn.New(tr, st, learn.WithBackoff(time.Millisecond))

	return New(engine, session.NewManager(time.Minute), opts...), st
}

func TestFullGame(t *testing.T) {
	ctx := context.Background()

	var feed []Learned
	svc, st := newService(t, nil, OnLearn(func(l Learned) { feed = append(feed, l) }))

	step, err := svc.Ask(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, tree.Step{Kind: tree.StepGuess, Text: "cat"}, step)

	require.NoError(t, svc.Confirm(ctx, "p1", false))

	learned, err := svc.Teach(ctx, "p1", learn.Lesson{Item: " dog "})
	require.NoError(t, err)
	assert.Equal(t, Learned{Item: "dog", Question: "Is it a dog?", Items: 2, Version: 2}, learned)
	assert.Equal(t, []Learned{learned}, feed)

	root, version, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.True(t, tree.Equal(svc.Tree().Snapshot().Root(), root))

	step, err = svc.Ask(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, tree.Step{Kind: tree.StepQuestion, Text: "Is it a dog?"}, step)

	require.NoError(t, svc.Answer(ctx, "p2", "Is it a dog?", true))

	step, err = svc.Ask(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, tree.Step{Kind: tree.StepGuess, Text: "dog"}, step)

	require.NoError(t, svc.Confirm(ctx, "p2", true))
	assert.Equal(t, 0, svc.Stats().Sessions)
}

func TestAskRepeatsGuess(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	first, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	again, err := svc.Ask(ctx, "p")
	require.NoError(t, err)

	assert.Equal(t, first, again)
}

func TestAnswerErrors(t *testing.T) {
	ctx := context.Background()
	seed := tree.NewQuestion("Does it bark?", tree.NewItem("dog"), tree.NewItem("cat"))
	svc, _ := newService(t, seed)

	assert.ErrorIs(t, svc.Answer(ctx, "nobody", "Does it bark?", true), session.ErrNoSession)

	_, err := svc.Ask(ctx, "p")
	require.NoError(t, err)

	err = svc.Answer(ctx, "p", "Does it purr?", true)
	assert.ErrorIs(t, err, session.ErrQuestionMismatch)

	require.NoError(t, svc.Answer(ctx, "p", "Does it bark?", false))
	assert.ErrorIs(t, svc.Answer(ctx, "p", "Does it bark?", false), session.ErrIllegalTransition)

	step, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "cat", step.Text)
}

func TestBudgetExhaustedThenTeach(t *testing.T) {
	ctx := context.Background()
	seed := tree.NewQuestion("Is it alive?",
		tree.NewQuestion("Does it bark?", tree.NewItem("dog"), tree.NewItem("cat")),
		tree.NewItem("rock"),
	)
	svc, _ := newService(t, seed, WithMaxQuestions(1))

	step, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, tree.StepQuestion, step.Kind)
	require.NoError(t, svc.Answer(ctx, "p", step.Text, true))

	step, err = svc.Ask(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, tree.StepUnknown, step.Kind)

	assert.ErrorIs(t, svc.Confirm(ctx, "p", true), session.ErrIllegalTransition)

	_, err = svc.Teach(ctx, "p", learn.Lesson{Item: "eagle", Question: "Does it fly?", Answer: true})
	require.NoError(t, err)

	at, ok := svc.Tree().Snapshot().Find("eagle")
	require.True(t, ok)
	assert.Equal(t, "yny", at.String())
}

func TestTeachFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	_, err := svc.Ask(ctx, "p")
	require.NoError(t, err)

	_, err = svc.Teach(ctx, "p", learn.Lesson{Item: "  "})
	assert.ErrorIs(t, err, learn.ErrEmptyItem)

	_, err = svc.Teach(ctx, "p", learn.Lesson{Item: "CAT"})
	assert.ErrorIs(t, err, tree.ErrDuplicateItem)
	assert.Equal(t, 1, svc.Stats().Items)

	_, err = svc.Teach(ctx, "p", learn.Lesson{Item: "owl"})
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Stats().Items)
}

func TestTeachWithoutSession(t *testing.T) {
	svc, _ := newService(t, nil)

	_, err := svc.Teach(context.Background(), "ghost", learn.Lesson{Item: "owl"})
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Equal(t, 1, svc.Stats().Items)
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	seed := tree.NewQuestion("Does it bark?", tree.NewItem("dog"), tree.NewItem("cat"))
	svc, _ := newService(t, seed)

	_, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, svc.Answer(ctx, "p", "Does it bark?", true))

	svc.Restart("p")

	step, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, tree.Step{Kind: tree.StepQuestion, Text: "Does it bark?"}, step)
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(metrics.Sources{})
	svc, _ := newService(t, nil, WithMetrics(m))

	_, err := svc.Ask(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, "p", false))
	_, err = svc.Teach(ctx, "p", learn.Lesson{Item: "dog"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, line := range []string{
		"mindbinder_sessions_started_total 1",
		`mindbinder_outcomes_total{outcome="guess"} 1`,
		`mindbinder_outcomes_total{outcome="rejected"} 1`,
		`mindbinder_lessons_total{result="learned"} 1`,
	} {
		assert.True(t, strings.Contains(string(body), line), line)
	}
}
