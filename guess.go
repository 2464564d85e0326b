/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/game"
	"github.com/Seednode/mindbinder/internal/learn"
	"github.com/Seednode/mindbinder/internal/session"
	"github.com/Seednode/mindbinder/internal/store"
	"github.com/Seednode/mindbinder/internal/tree"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	playerCookieName = "mindbinder_id"
	maxBodySize      = 16 << 10
)

var errBadRequest = errors.New("invalid request data")

type askResponse struct {
	Question     string `json:"question,omitempty"`
	Guess        string `json:"guess,omitempty"`
	Unknown      bool   `json:"unknown,omitempty"`
	MaxQuestions int    `json:"max_questions"`
}

type answerRequest struct {
	Question *string `json:"question"`
	Answer   *string `json:"answer"`
}

type learnRequest struct {
	ItemName *string `json:"item_name"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
}

type confirmRequest struct {
	Correct *bool `json:"correct"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statsResponse struct {
	Items     int    `json:"items"`
	Questions int    `json:"questions"`
	Depth     int    `json:"depth"`
	Version   uint64 `json:"version"`
	Sessions  int    `json:"sessions"`
	ReadOnly  bool   `json:"read_only"`
}

// playerID returns the session token from the player's cookie, issuing a
// new one when it is missing or malformed.
func playerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}

	id := session.NewID()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func parseAnswer(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: answer must be yes or no", errBadRequest)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	return nil
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors onto the HTTP status and message shown to the
// player. The second result is false for errors nobody anticipated.
func statusFor(err error) (int, string, bool) {
	var pe *store.PersistenceError

	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, learn.ErrEmptyItem):
		return http.StatusBadRequest, "Invalid item name", true
	case errors.Is(err, tree.ErrDuplicateItem):
		return http.StatusConflict, "Item already exists", true
	case errors.Is(err, session.ErrQuestionMismatch):
		return http.StatusConflict, "That is not the question being asked", true
	case errors.Is(err, session.ErrNoSession):
		return http.StatusConflict, "No game in progress", true
	case errors.Is(err, session.ErrIllegalTransition), errors.Is(err, tree.ErrInvalidState):
		return http.StatusConflict, "That move is not allowed right now", true
	case errors.Is(err, learn.ErrReadOnly):
		return http.StatusServiceUnavailable, "Learning is temporarily disabled", true
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable, "Could not save what was learned, please try again", true
	}

	return http.StatusInternalServerError, "Something went wrong", false
}

func writeError(cfg *Config, w http.ResponseWriter, r *http.Request, err error) {
	status, message, expected := statusFor(err)
	if expected {
		logf(cfg, "GAMES: %s from %s: %v", r.URL.Path, realIP(r), err)
	} else {
		errorf("%s from %s: %v", r.URL.Path, realIP(r), err)
	}

	writeJSON(cfg, w, status, errorResponse{Error: message})
}

// commitContext outlives the request so a player hanging up cannot abort a
// write that is already under way.
func commitContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

func serveAsk(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := playerID(w, r)

		step, err := svc.Ask(r.Context(), id)
		if err != nil {
			writeError(cfg, w, r, err)

			return
		}

		resp := askResponse{MaxQuestions: svc.MaxQuestions()}

		switch step.Kind {
		case tree.StepQuestion:
			resp.Question = step.Text
		case tree.StepGuess:
			resp.Guess = step.Text
			logf(cfg, "GAMES: Guessed %q for %s", step.Text, realIP(r))
		case tree.StepUnknown:
			resp.Unknown = true
			logf(cfg, "GAMES: Gave up for %s", realIP(r))
		}

		writeJSON(cfg, w, http.StatusOK, resp)
	}
}

func serveAnswer(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := playerID(w, r)

		var req answerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err)

			return
		}
		if req.Question == nil || req.Answer == nil {
			writeError(cfg, w, r, fmt.Errorf("%w: question and answer are required", errBadRequest))

			return
		}

		yes, err := parseAnswer(*req.Answer)
		if err != nil {
			writeError(cfg, w, r, err)

			return
		}

		if err := svc.Answer(r.Context(), id, *req.Question, yes); err != nil {
			writeError(cfg, w, r, err)

			return
		}

		writeJSON(cfg, w, http.StatusOK, statusResponse{Status: "success"})
	}
}

func serveConfirm(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := playerID(w, r)

		var req confirmRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err)

			return
		}
		if req.Correct == nil {
			writeError(cfg, w, r, fmt.Errorf("%w: correct is required", errBadRequest))

			return
		}

		if err := svc.Confirm(r.Context(), id, *req.Correct); err != nil {
			writeError(cfg, w, r, err)

			return
		}

		writeJSON(cfg, w, http.StatusOK, statusResponse{Status: "success"})
	}
}

func serveLearn(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()
		id := playerID(w, r)

		var req learnRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err)

			return
		}
		if req.ItemName == nil {
			writeError(cfg, w, r, fmt.Errorf("%w: no item name provided", errBadRequest))

			return
		}

		lesson := learn.Lesson{Item: *req.ItemName, Question: req.Question, Answer: true}
		if req.Answer != "" {
			yes, err := parseAnswer(req.Answer)
			if err != nil {
				writeError(cfg, w, r, err)

				return
			}
			lesson.Answer = yes
		}

		ctx, cancel := commitContext(r)
		defer cancel()

		learned, err := svc.Teach(ctx, id, lesson)
		if err != nil {
			writeError(cfg, w, r, err)

			return
		}

		logf(cfg, "LEARN: %q behind %q from %s in %s (%d items, version %d)",
			learned.Item,
			learned.Question,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
			learned.Items,
			learned.Version,
		)

		writeJSON(cfg, w, http.StatusOK, statusResponse{
			Status:  "success",
			Message: "Learned about " + learned.Item,
		})
	}
}

func serveRestart(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		svc.Restart(playerID(w, r))

		writeJSON(cfg, w, http.StatusOK, statusResponse{Status: "success"})
	}
}

func serveStats(cfg *Config, svc *game.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s := svc.Stats()

		writeJSON(cfg, w, http.StatusOK, statsResponse{
			Items:     s.Items,
			Questions: s.Questions,
			Depth:     s.Depth,
			Version:   s.Version,
			Sessions:  s.Sessions,
			ReadOnly:  s.ReadOnly,
		})
	}
}

func registerGame(cfg *Config, svc *game.Service, mux *httprouter.Router) {
	mux.POST(cfg.prefix+"/ask_question", serveAsk(cfg, svc))
	mux.POST(cfg.prefix+"/submit_answer", serveAnswer(cfg, svc))
	mux.POST(cfg.prefix+"/confirm_guess", serveConfirm(cfg, svc))
	mux.POST(cfg.prefix+"/learn_item", serveLearn(cfg, svc))
	mux.POST(cfg.prefix+"/restart", serveRestart(cfg, svc))
	mux.GET(cfg.prefix+"/stats", serveStats(cfg, svc))
}
