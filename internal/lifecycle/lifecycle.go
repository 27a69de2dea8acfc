// Package lifecycle is the per-submission state machine around a problem:
// attempt gating, due dates, rerandomization, show-answer policy and the
// check/save/reset/show/score-update actions.
//
// A Controller wraps one freshly built problem instance. It holds no locks;
// callers serialize per (user, problem) at the persistence boundary.
package lifecycle

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencapa/capa-engine/internal/capa"
	"github.com/opencapa/capa-engine/internal/capa/responsetypes"
	"github.com/opencapa/capa-engine/internal/events"
)

// Rerandomize modes after normalization.
const (
	RerandomizeNever      = "never"
	RerandomizePerStudent = "per_student"
	RerandomizeAlways     = "always"
	RerandomizeOnReset    = "onreset"
)

// Precondition violations. The UI hides the matching affordance, so hitting
// one means a stale client or a bypass attempt; they map to 4xx, never 500.
var (
	ErrClosed            = errors.New("problem is closed")
	ErrNotDone           = errors.New("problem has not been answered yet")
	ErrMustReset         = errors.New("problem must be reset before answering again")
	ErrAnswerUnavailable = errors.New("answer is not available")
)

// Settings is the instructor-facing policy for one problem.
type Settings struct {
	// MaxAttempts: nil is unlimited; 0 is a survey question (save only).
	MaxAttempts *int
	Due         time.Time // zero: no due date
	GracePeriod time.Duration
	Rerandomize string
	ShowAnswer  string // never|attempted|answered|closed|finished|past_due|always
	// ForceSaveButton shows save even where the mode would hide it.
	ForceSaveButton bool
	// Waittime is the minimum interval between queued submissions.
	Waittime time.Duration
}

// NormalizeRerandomize maps the legacy attribute values onto the four modes.
func NormalizeRerandomize(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", RerandomizeAlways:
		return RerandomizeAlways
	case "false", RerandomizePerStudent:
		return RerandomizePerStudent
	case RerandomizeNever:
		return RerandomizeNever
	case RerandomizeOnReset:
		return RerandomizeOnReset
	default:
		return RerandomizeAlways
	}
}

// RandomizationBin hashes a per-student seed with the problem id into one of
// 20 bins, so per-student problems draw from a small set of variants that
// stays stable for the student.
func RandomizationBin(userSeed int64, problemID string) int64 {
	sum := sha1.Sum([]byte(strconv.FormatInt(userSeed, 10) + problemID))
	hexDigest := fmt.Sprintf("%x", sum)
	n, _ := strconv.ParseInt(hexDigest[:7], 16, 64)
	// bins are numbered from 1: seed zero means "not chosen yet"
	return n%20 + 1
}

// Controller drives one problem instance through its lifecycle.
type Controller struct {
	Problem  *capa.Problem
	Settings Settings
	CourseID string
	UserID   string
	Staff    bool
	Events   events.Recorder
	Now      func() time.Time

	markup string
	opts   capa.Options
}

// NewController builds the problem with the seed dictated by the
// rerandomize mode (prior state wins when present) and wraps it.
func NewController(markup, problemID string, prior *capa.State, set Settings, userSeed int64, opts capa.Options) (*Controller, error) {
	set.Rerandomize = NormalizeRerandomize(set.Rerandomize)
	var seedHint int64
	if prior == nil || prior.Seed == 0 {
		switch set.Rerandomize {
		case RerandomizeNever:
			seedHint = 1
		case RerandomizePerStudent:
			seedHint = RandomizationBin(userSeed, problemID)
		default:
			seedHint = capa.FreshSeed()
		}
	}
	p, err := capa.New(markup, problemID, prior, seedHint, opts)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Problem:  p,
		Settings: set,
		Now:      time.Now,
		markup:   markup,
		opts:     opts,
	}, nil
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) pastDue() bool {
	due := c.Settings.Due
	return !due.IsZero() && c.now().After(due.Add(c.Settings.GracePeriod))
}

func (c *Controller) attemptsExhausted() bool {
	maxAttempts := c.Settings.MaxAttempts
	return maxAttempts != nil && c.Problem.Attempts >= *maxAttempts
}

func (c *Controller) isSurvey() bool {
	return c.Settings.MaxAttempts != nil && *c.Settings.MaxAttempts == 0
}

// Closed is derived, never stored: out of attempts or past the due date
// plus grace.
func (c *Controller) Closed() bool {
	return c.attemptsExhausted() || c.pastDue()
}

// needsReset reports whether an always-randomized problem was already
// answered; it must be reset before another check or save.
func (c *Controller) needsReset() bool {
	return c.Problem.Done && c.Settings.Rerandomize == RerandomizeAlways
}

// AnswerAvailable evaluates the show-answer policy. "never" beats the staff
// override; staff see everything else.
func (c *Controller) AnswerAvailable() bool {
	mode := c.Settings.ShowAnswer
	if mode == "" || mode == "never" {
		return false
	}
	if c.Staff {
		return true
	}
	switch mode {
	case "always":
		return true
	case "attempted":
		return c.Problem.Attempts > 0
	case "answered":
		return c.Problem.Done
	case "closed":
		return c.Closed()
	case "finished":
		return c.Closed() || c.Problem.Done
	case "past_due":
		return c.pastDue()
	}
	return false
}

// Buttons is the derived UI affordance set. Advisory only; the action
// preconditions are the contract.
type Buttons struct {
	ShowCheck  bool
	CheckLabel string
	ShowReset  bool
	ShowSave   bool
}

func (c *Controller) Buttons() Buttons {
	var b Buttons
	b.ShowCheck = !c.isSurvey() && !c.Closed() && !c.needsReset()
	if b.ShowCheck {
		b.CheckLabel = "Check"
		if m := c.Settings.MaxAttempts; m != nil && c.Problem.Attempts == *m-1 {
			b.CheckLabel = "Final Check"
		}
	}
	b.ShowReset = c.Problem.Done && !c.Closed() && !c.isSurvey()
	switch {
	case c.isSurvey(), c.Settings.ForceSaveButton:
		b.ShowSave = true
	default:
		b.ShowSave = !c.Closed() && !c.needsReset()
	}
	return b
}

// CheckResult is what the request layer returns for a check action.
type CheckResult struct {
	Success     bool              `json:"success"`
	Msg         string            `json:"msg,omitempty"`
	Correctness map[string]string `json:"correctness,omitempty"`
	Score       int               `json:"score"`
	MaxScore    int               `json:"max_score"`
	Queued      bool              `json:"queued"`
	Attempts    int               `json:"attempts"`
}

// Check grades the submission. Student-fixable failures (bad input, grader
// unreachable, submitting too fast) come back as an unsuccessful result
// without consuming an attempt; only programming errors return error.
func (c *Controller) Check(ctx context.Context, submitted map[string]any) (*CheckResult, error) {
	if c.Closed() {
		return nil, ErrClosed
	}
	if c.needsReset() {
		return nil, ErrMustReset
	}
	if wait := c.remainingWait(); wait > 0 {
		return &CheckResult{
			Success:  false,
			Msg:      fmt.Sprintf("You must wait at least %d seconds between submissions.", int(c.Settings.Waittime.Seconds())),
			Attempts: c.Problem.Attempts,
		}, nil
	}

	cmap, err := c.Problem.GradeAnswers(ctx, submitted)
	if err != nil {
		var sie responsetypes.StudentInputError
		var ge responsetypes.GradingError
		if errors.As(err, &sie) || errors.As(err, &ge) {
			return &CheckResult{Success: false, Msg: err.Error(), Attempts: c.Problem.Attempts}, nil
		}
		return nil, err
	}

	c.Problem.Attempts++
	c.Problem.Done = true

	res := &CheckResult{
		Success:     true,
		Correctness: map[string]string{},
		Score:       c.Problem.GetScore(),
		MaxScore:    c.Problem.GetMaxScore(),
		Queued:      c.Problem.IsQueued(),
		Attempts:    c.Problem.Attempts,
	}
	for _, id := range c.Problem.GetAnswerIDs() {
		res.Correctness[id] = cmap.Correctness(id)
	}
	events.Record(ctx, c.Events, events.Grade{
		CourseID:  c.CourseID,
		UserID:    c.UserID,
		ProblemID: c.Problem.ID,
		Score:     res.Score,
		MaxScore:  res.MaxScore,
	})
	return res, nil
}

// remainingWait returns how long the student still has to wait before
// resubmitting while a queued submission is outstanding.
func (c *Controller) remainingWait() time.Duration {
	if c.Settings.Waittime <= 0 || !c.Problem.IsQueued() {
		return 0
	}
	elapsed := c.now().Sub(c.Problem.RecentmostQueueTime())
	if elapsed >= c.Settings.Waittime {
		return 0
	}
	return c.Settings.Waittime - elapsed
}

// Save stores the answers without grading. Survey questions stay saveable
// even though attempt gating closes them immediately.
func (c *Controller) Save(submitted map[string]any) error {
	if c.Closed() && !c.isSurvey() {
		return ErrClosed
	}
	if c.needsReset() {
		return ErrMustReset
	}
	answers := make(map[string]any, len(submitted))
	for k, v := range submitted {
		answers[k] = v
	}
	c.Problem.StudentAnswers = answers
	return nil
}

// Reset clears the attempt state. Rerandomizing modes abandon the current
// variant by rebuilding the problem on a fresh seed; attempts survive.
func (c *Controller) Reset() error {
	if c.Closed() {
		return ErrClosed
	}
	if !c.Problem.Done {
		return ErrNotDone
	}
	mode := c.Settings.Rerandomize
	if mode == RerandomizeAlways || mode == RerandomizeOnReset {
		attempts := c.Problem.Attempts
		p, err := capa.New(c.markup, c.Problem.ID, nil, capa.FreshSeed(), c.opts)
		if err != nil {
			return err
		}
		p.Attempts = attempts
		c.Problem = p
	}
	c.Problem.DoReset()
	return nil
}

// ShowAnswer returns the canonical answers and solutions, policy gated.
func (c *Controller) ShowAnswer() (map[string]string, error) {
	if !c.AnswerAvailable() {
		return nil, ErrAnswerUnavailable
	}
	return c.Problem.GetAnswers(), nil
}

// UpdateScore applies an external grader callback. The queue key is the
// authorization; no user gating happens here.
func (c *Controller) UpdateScore(ctx context.Context, scoreMsg, queueKey string) error {
	if err := c.Problem.UpdateScore(scoreMsg, queueKey); err != nil {
		return err
	}
	events.Record(ctx, c.Events, events.Grade{
		CourseID:  c.CourseID,
		UserID:    c.UserID,
		ProblemID: c.Problem.ID,
		Score:     c.Problem.GetScore(),
		MaxScore:  c.Problem.GetMaxScore(),
	})
	return nil
}
