package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencapa/capa-engine/internal/capa"
	"github.com/opencapa/capa-engine/internal/state"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// handleXQueueCallback receives the external grader's asynchronous result.
// There is no user authentication: the single-use queue key inside the
// echoed header is the authorization, and a stale or duplicate key is
// logged and acknowledged, never escalated.
func (s *Server) handleXQueueCallback(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	userID := chi.URLParam(r, "userID")
	problemID := chi.URLParam(r, "problemID")

	var body xqueue.CallbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeXReply(w, 1, "bad callback body")
		return
	}
	queueKey, err := body.QueueKey()
	if err != nil {
		writeXReply(w, 1, err.Error())
		return
	}

	def, err := s.Source.Load(problemID)
	if err != nil {
		log.Printf("api: callback for unknown problem %s: %v", problemID, err)
		writeXReply(w, 1, "unknown problem")
		return
	}

	key := state.Key{CourseID: courseID, UserID: userID, ProblemID: problemID}
	err = s.Store.Update(r.Context(), key, func(prior *capa.State) (*capa.State, error) {
		if prior == nil {
			return nil, errNoState
		}
		ctl, err := s.controller(def, problemID, courseID, userID, false, prior)
		if err != nil {
			return nil, err
		}
		if err := ctl.UpdateScore(r.Context(), body.XQueueBody, queueKey); err != nil {
			return nil, err
		}
		return ctl.Problem.State(), nil
	})
	switch {
	case err == nil:
		writeXReply(w, 0, "")
	case errors.Is(err, errNoState):
		// nothing was ever submitted for this student+problem
		log.Printf("api: callback for %s with no stored state (key %s)", key, queueKey)
		writeXReply(w, 0, "")
	default:
		log.Printf("api: callback for %s: %v", key, err)
		writeXReply(w, 1, "could not apply grader result")
	}
}

var errNoState = errors.New("no state for callback")

func writeXReply(w http.ResponseWriter, code int, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"return_code": code,
		"content":     content,
	})
}
