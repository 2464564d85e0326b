package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/mindbinder/internal/learn"
	"github.com/Seednode/mindbinder/internal/session"
	"github.com/Seednode/mindbinder/internal/store"
	"github.com/Seednode/mindbinder/internal/tree"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	cfg    *Config
	app    *app
	client *http.Client
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	return &Config{
		store:          store.BackendFile,
		file:           filepath.Join(t.TempDir(), "tree.json"),
		maxQuestions:   8,
		sessionTimeout: time.Minute,
		readOnlyAfter:  3,
		metrics:        true,
		port:           8080,
	}
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	a, err := newApp(ctx, cfg, learn.WithBackoff(time.Millisecond))
	require.NoError(t, err)

	go a.feed.run(ctx)

	srv := httptest.NewServer(newRouter(cfg, a.svc, a.feed, a.metrics, make(chan error, 64)))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = a.store.Close()
	})

	return &testServer{Server: srv, cfg: cfg, app: a, client: &http.Client{Jar: jar}}
}

func (s *testServer) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader = strings.NewReader("")
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	resp, err := s.client.Post(s.URL+path, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return resp.StatusCode, out
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := s.client.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestGameOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	status, body := s.post(t, "/ask_question", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cat", body["guess"])
	assert.Equal(t, float64(8), body["max_questions"])

	status, body = s.post(t, "/learn_item", map[string]string{"item_name": "Dog"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Learned about Dog", body["message"])

	status, body = s.post(t, "/ask_question", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Is it a Dog?", body["question"])

	status, _ = s.post(t, "/submit_answer", map[string]string{"question": "Is it a Dog?", "answer": "yes"})
	require.Equal(t, http.StatusOK, status)

	status, body = s.post(t, "/ask_question", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Dog", body["guess"])

	status, _ = s.post(t, "/confirm_guess", map[string]bool{"correct": true})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.post(t, "/confirm_guess", map[string]bool{"correct": true})
	assert.Equal(t, http.StatusConflict, status)
}

func TestLearnWithDiscriminator(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	s.post(t, "/ask_question", nil)
	status, _ := s.post(t, "/confirm_guess", map[string]bool{"correct": false})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.post(t, "/learn_item", map[string]string{
		"item_name": "fish",
		"question":  "Does it have fur?",
		"answer":    "no",
	})
	require.Equal(t, http.StatusOK, status)

	snap := s.app.svc.Tree().Snapshot()
	at, ok := snap.Find("fish")
	require.True(t, ok)
	assert.Equal(t, "n", at.String())
	assert.Equal(t, "Does it have fur?", snap.Root().Text())
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	status, body := s.post(t, "/submit_answer", map[string]string{"question": "Q?", "answer": "yes"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "No game in progress", body["error"])

	status, _ = s.post(t, "/submit_answer", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.post(t, "/submit_answer", map[string]string{"question": "Q?"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.post(t, "/submit_answer", map[string]string{"question": "Q?", "answer": "maybe"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.post(t, "/learn_item", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.post(t, "/confirm_guess", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	s.post(t, "/ask_question", nil)

	status, body = s.post(t, "/learn_item", map[string]string{"item_name": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid item name", body["error"])

	status, body = s.post(t, "/learn_item", map[string]string{"item_name": "CAT"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Item already exists", body["error"])

	status, _ = s.post(t, "/submit_answer", map[string]string{"question": "Q?", "answer": "yes"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestQuestionMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.seed = filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(cfg.seed, []byte("question: Does it bark?\nyes:\n  item: dog\nno:\n  item: cat\n"), 0o644))

	s := newTestServer(t, cfg)

	_, body := s.post(t, "/ask_question", nil)
	require.Equal(t, "Does it bark?", body["question"])

	status, _ := s.post(t, "/submit_answer", map[string]string{"question": "Does it purr?", "answer": "no"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.post(t, "/submit_answer", map[string]string{"question": "Does it bark?", "answer": "no"})
	assert.Equal(t, http.StatusOK, status)
}

func TestRestartStartsOver(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	s.post(t, "/ask_question", nil)
	status, _ := s.post(t, "/restart", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = s.post(t, "/learn_item", map[string]string{"item_name": "owl"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestPersistenceFailureIs503(t *testing.T) {
	cfg := testConfig(t)
	cfg.readOnlyAfter = 1
	s := newTestServer(t, cfg)

	// Replace the tree file's directory with a plain file so writes fail.
	dir := filepath.Dir(cfg.file)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o644))

	s.post(t, "/ask_question", nil)

	status, body := s.post(t, "/learn_item", map[string]string{"item_name": "owl"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotEmpty(t, body["error"])

	status, body = s.post(t, "/learn_item", map[string]string{"item_name": "owl"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Learning is temporarily disabled", body["error"])

	resp, _ := s.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Equal(t, 1, s.app.svc.Stats().Items)
}

func TestPlayersAreIsolated(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	s.post(t, "/ask_question", nil)

	other := &http.Client{}
	resp, err := other.Post(s.URL+"/learn_item", "application/json", strings.NewReader(`{"item_name":"owl"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	status, _ := s.post(t, "/learn_item", map[string]string{"item_name": "owl"})
	assert.Equal(t, http.StatusOK, status)
}

func TestCookie(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	id := playerID(rec, req)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, id, rec.Result().Cookies()[0].Value)
	assert.True(t, rec.Result().Cookies()[0].HttpOnly)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: playerCookieName, Value: id})
	assert.Equal(t, id, playerID(rec, req))
	assert.Empty(t, rec.Result().Cookies())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: playerCookieName, Value: "../../etc"})
	assert.NotEqual(t, "../../etc", playerID(rec, req))

	resp, body := s.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mindbinder")
	assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))
}

func TestStaticRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	tests := []struct {
		path        string
		status      int
		contentType string
		contains    string
	}{
		{"/healthz", http.StatusOK, "text/plain; charset=utf-8", "Ok"},
		{"/version", http.StatusOK, "text/plain; charset=utf-8", "mindbinder v" + releaseVersion},
		{"/robots.txt", http.StatusOK, "text/plain; charset=utf-8", "Disallow: /learn_item"},
		{"/assets/app.css", http.StatusOK, "text/css; charset=utf-8", "--accent"},
		{"/assets/app.js", http.StatusOK, "text/javascript; charset=utf-8", "ask_question"},
		{"/assets/missing.js", http.StatusNotFound, "", ""},
		{"/favicon.svg", http.StatusOK, "image/svg+xml", "<svg"},
		{"/favicons/site.webmanifest", http.StatusOK, "application/manifest+json", "mindbinder"},
		{"/stats", http.StatusOK, "application/json; charset=utf-8", `"items":1`},
		{"/metrics", http.StatusOK, "", "mindbinder_tree_items 1"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := s.get(t, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			}
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestQRCode(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	resp, body := s.get(t, "/qr")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
}

func TestFeedBroadcastsLearnedItems(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/feed", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration happens on the server after the handshake; learn until
	// the broadcast arrives.
	got := make(chan LearnedMessage, 1)
	go func() {
		var msg LearnedMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		s.playAndTeach(t, fmt.Sprintf("owl %d", i))

		select {
		case msg := <-got:
			assert.Equal(t, "learned", msg.Type)
			assert.True(t, strings.HasPrefix(msg.Item, "owl "))
			assert.GreaterOrEqual(t, msg.Items, 2)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no learned message received")
		}
	}
}

// playAndTeach answers "no" until the game guesses or gives up, then
// teaches it item.
func (s *testServer) playAndTeach(t *testing.T, item string) {
	t.Helper()

	_, body := s.post(t, "/ask_question", nil)
	for body["question"] != nil {
		status, _ := s.post(t, "/submit_answer", map[string]any{"question": body["question"], "answer": "no"})
		require.Equal(t, http.StatusOK, status)

		_, body = s.post(t, "/ask_question", nil)
	}

	status, _ := s.post(t, "/learn_item", map[string]string{"item_name": item})
	require.Equal(t, http.StatusOK, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errBadRequest, http.StatusBadRequest},
		{learn.ErrEmptyItem, http.StatusBadRequest},
		{tree.ErrDuplicateItem, http.StatusConflict},
		{tree.ErrInvalidState, http.StatusConflict},
		{session.ErrQuestionMismatch, http.StatusConflict},
		{session.ErrNoSession, http.StatusConflict},
		{session.ErrIllegalTransition, http.StatusConflict},
		{&store.PersistenceError{Op: "teach", Err: learn.ErrReadOnly}, http.StatusServiceUnavailable},
		{&store.PersistenceError{Op: "commit", Err: store.ErrConflict}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, message, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, message)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{port: 8080, maxQuestions: 8, store: store.BackendSQLite, db: "x.db"}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"port zero", func(c *Config) { c.port = 0 }, false},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, false},
		{"no questions", func(c *Config) { c.maxQuestions = 0 }, false},
		{"negative retries", func(c *Config) { c.commitRetries = -1 }, false},
		{"unknown store", func(c *Config) { c.store = "postgres" }, false},
		{"sqlite without db", func(c *Config) { c.db = "" }, false},
		{"file store", func(c *Config) { c.store, c.file = store.BackendFile, "tree.json" }, true},
		{"redis without addr", func(c *Config) { c.store = store.BackendRedis }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)

			if tt.ok {
				assert.NoError(t, c.validate())
			} else {
				assert.Error(t, c.validate())
			}
		})
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MINDBINDER_MAX_QUESTIONS", "12")
	t.Setenv("MINDBINDER_STORE", "file")

	cfg := &Config{}
	cmd := newCmd(cfg)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000"}))

	assert.Equal(t, 12, cfg.maxQuestions)
	assert.Equal(t, store.BackendFile, cfg.store)
	assert.Equal(t, 9000, cfg.port)
}

func TestExportRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	s.post(t, "/ask_question", nil)
	status, _ := s.post(t, "/learn_item", map[string]string{"item_name": "owl", "question": "Can it fly?"})
	require.Equal(t, http.StatusOK, status)

	var buf bytes.Buffer
	snap, err := exportTree(context.Background(), cfg, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())

	root, err := tree.Decode(&buf)
	require.NoError(t, err)
	assert.True(t, tree.Equal(s.app.svc.Tree().Snapshot().Root(), root))
}
