package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencapa/capa-engine/internal/auth"
	"github.com/opencapa/capa-engine/internal/capa"
	"github.com/opencapa/capa-engine/internal/lifecycle"
	"github.com/opencapa/capa-engine/internal/state"
)

type problemView struct {
	HTML            string `json:"html"`
	Attempts        int    `json:"attempts"`
	Score           int    `json:"score"`
	MaxScore        int    `json:"max_score"`
	Done            bool   `json:"done"`
	Queued          bool   `json:"queued"`
	AnswerAvailable bool   `json:"answer_available"`
	ShowCheck       bool   `json:"show_check"`
	CheckLabel      string `json:"check_label,omitempty"`
	ShowReset       bool   `json:"show_reset"`
	ShowSave        bool   `json:"show_save"`
}

func viewOf(ctl *lifecycle.Controller) (*problemView, error) {
	html, err := ctl.Problem.GetHTML()
	if err != nil {
		return nil, err
	}
	b := ctl.Buttons()
	return &problemView{
		HTML:            html,
		Attempts:        ctl.Problem.Attempts,
		Score:           ctl.Problem.GetScore(),
		MaxScore:        ctl.Problem.GetMaxScore(),
		Done:            ctl.Problem.Done,
		Queued:          ctl.Problem.IsQueued(),
		AnswerAvailable: ctl.AnswerAvailable(),
		ShowCheck:       b.ShowCheck,
		CheckLabel:      b.CheckLabel,
		ShowReset:       b.ShowReset,
		ShowSave:        b.ShowSave,
	}, nil
}

// handleProblemGet renders the problem for the current student, creating
// initial state on first view so the chosen seed sticks.
func (s *Server) handleProblemGet(w http.ResponseWriter, r *http.Request) {
	problemID := chi.URLParam(r, "problemID")
	courseID := s.courseID(r)
	userID := auth.SubjectFromContext(r.Context())

	def, err := s.Source.Load(problemID)
	if err != nil {
		http.Error(w, "problem not found", http.StatusNotFound)
		return
	}
	key := state.Key{CourseID: courseID, UserID: userID, ProblemID: problemID}
	var view *problemView
	err = s.Store.Update(r.Context(), key, func(prior *capa.State) (*capa.State, error) {
		ctl, err := s.controller(def, problemID, courseID, userID, auth.IsStaff(r.Context()), prior)
		if err != nil {
			return nil, err
		}
		if view, err = viewOf(ctl); err != nil {
			return nil, err
		}
		return ctl.Problem.State(), nil
	})
	if err != nil {
		log.Printf("api: get problem %s: %v", key, err)
		http.Error(w, "cannot load problem", http.StatusInternalServerError)
		return
	}
	writeJSON(w, view)
}

type actionRequest struct {
	Answers map[string]any `json:"answers"`
}

type actionResponse struct {
	Success bool                   `json:"success"`
	Msg     string                 `json:"msg,omitempty"`
	Check   *lifecycle.CheckResult `json:"check,omitempty"`
	Answers map[string]string      `json:"answers,omitempty"`
	Problem *problemView           `json:"problem,omitempty"`
}

// handleProblemAction dispatches check/save/reset/show under the per-key
// state lock.
func (s *Server) handleProblemAction(w http.ResponseWriter, r *http.Request) {
	problemID := chi.URLParam(r, "problemID")
	action := chi.URLParam(r, "action")
	courseID := s.courseID(r)
	userID := auth.SubjectFromContext(r.Context())
	staff := auth.IsStaff(r.Context())

	def, err := s.Source.Load(problemID)
	if err != nil {
		http.Error(w, "problem not found", http.StatusNotFound)
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}

	key := state.Key{CourseID: courseID, UserID: userID, ProblemID: problemID}
	var resp actionResponse
	err = s.Store.Update(r.Context(), key, func(prior *capa.State) (*capa.State, error) {
		// cross-node guard: while a queued submission is pending, checks
		// are spaced out through the shared limiter as well
		if action == "check" && s.Limiter != nil && prior != nil &&
			prior.CorrectMap != nil && prior.CorrectMap.AnyQueued() {
			wait, err := s.Limiter.Reserve(r.Context(), key.String(), s.Waittime)
			if err != nil {
				log.Printf("api: rate limiter for %s: %v", key, err)
			} else if wait > 0 {
				resp = actionResponse{
					Success: false,
					Msg:     fmt.Sprintf("You must wait at least %d seconds between submissions.", int(s.Waittime.Seconds())),
				}
				return prior, nil
			}
		}

		ctl, err := s.controller(def, problemID, courseID, userID, staff, prior)
		if err != nil {
			return nil, err
		}
		switch action {
		case "check":
			res, err := ctl.Check(r.Context(), req.Answers)
			if err != nil {
				return nil, err
			}
			resp = actionResponse{Success: res.Success, Msg: res.Msg, Check: res}
		case "save":
			if err := ctl.Save(req.Answers); err != nil {
				return nil, err
			}
			resp = actionResponse{Success: true}
		case "reset":
			if err := ctl.Reset(); err != nil {
				return nil, err
			}
			view, err := viewOf(ctl)
			if err != nil {
				return nil, err
			}
			resp = actionResponse{Success: true, Problem: view}
		case "show":
			answers, err := ctl.ShowAnswer()
			if err != nil {
				return nil, err
			}
			resp = actionResponse{Success: true, Answers: answers}
		default:
			return nil, errUnknownAction
		}
		return ctl.Problem.State(), nil
	})
	if err != nil {
		writeActionError(w, key, err)
		return
	}
	writeJSON(w, resp)
}

var errUnknownAction = errors.New("unknown action")

func writeActionError(w http.ResponseWriter, key state.Key, err error) {
	switch {
	case errors.Is(err, errUnknownAction):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrClosed),
		errors.Is(err, lifecycle.ErrNotDone),
		errors.Is(err, lifecycle.ErrMustReset),
		errors.Is(err, lifecycle.ErrAnswerUnavailable):
		// the UI hides these affordances, so this is a stale client or
		// a bypass attempt
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("api: action on %s: %v", key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
