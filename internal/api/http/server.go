// Package http is the service surface: problem actions for authenticated
// students and the unauthenticated xqueue callback.
package http

import (
	"database/sql"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencapa/capa-engine/internal/auth"
	"github.com/opencapa/capa-engine/internal/capa"
	"github.com/opencapa/capa-engine/internal/events"
	"github.com/opencapa/capa-engine/internal/lifecycle"
	"github.com/opencapa/capa-engine/internal/problems"
	"github.com/opencapa/capa-engine/internal/ratelimit"
	"github.com/opencapa/capa-engine/internal/render"
	"github.com/opencapa/capa-engine/internal/state"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// Server wires the engine to its collaborators.
type Server struct {
	Auth     *auth.Service
	DB       *sql.DB
	Store    state.Store
	Events   events.Recorder
	Limiter  ratelimit.Limiter
	Renderer render.Renderer
	Source   problems.Source
	Resolver capa.Resolver

	Queue        xqueue.Submitter
	QueueName    string
	CallbackBase string // public base url, e.g. https://lms.example.com

	// DefaultCourse scopes state keys when the client does not say.
	DefaultCourse string
	Waittime      time.Duration
	CORSOrigins   []string
	Debug         bool
}

// Routes builds the router with the standard middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(s.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/auth/login", auth.LoginHandler(s.Auth, s.DB))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Get("/problems/{problemID}", s.handleProblemGet)
		r.Post("/problems/{problemID}/{action}", s.handleProblemAction)
	})

	// the queue key inside the body is the authorization here
	r.Post("/xqueue_callback/{courseID}/{userID}/{problemID}", s.handleXQueueCallback)
	return r
}

func (s *Server) courseID(r *http.Request) string {
	if c := r.URL.Query().Get("course_id"); c != "" {
		return c
	}
	if s.DefaultCourse != "" {
		return s.DefaultCourse
	}
	return "default"
}

// userSeed derives the stable per-student randomization seed.
func userSeed(userID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int64(h.Sum32())
}

// controller rebuilds the lifecycle controller for one request.
func (s *Server) controller(def problems.Definition, problemID, courseID, userID string, staff bool, prior *capa.State) (*lifecycle.Controller, error) {
	opts := capa.Options{
		Renderer:    s.Renderer,
		Resolver:    s.Resolver,
		Queue:       s.Queue,
		QueueName:   s.QueueName,
		CallbackURL: s.callbackURL(courseID, userID, problemID),
		AnonymousID: userID,
		Debug:       s.Debug,
	}
	set := def.Settings
	if set.Waittime == 0 {
		set.Waittime = s.Waittime
	}
	ctl, err := lifecycle.NewController(def.Markup, problemID, prior, set, userSeed(userID), opts)
	if err != nil {
		return nil, err
	}
	ctl.CourseID = courseID
	ctl.UserID = userID
	ctl.Staff = staff
	ctl.Events = s.Events
	return ctl, nil
}

func (s *Server) callbackURL(courseID, userID, problemID string) string {
	return s.CallbackBase + "/xqueue_callback/" + courseID + "/" + userID + "/" + problemID
}
