// Package responsetypes holds the grading strategies for CAPA problems.
//
// Each response kind consumes one parsed response subtree plus the student's
// raw answers and produces per-answer-id correctness records. The registry
// maps XML tags to constructors and is populated at startup; dispatch never
// happens per grading call.
package responsetypes

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/opencapa/capa-engine/internal/calc"
	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/scriptctx"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// StudentInputError reports input the student can fix (an unparseable
// formula, a malformed number). It is surfaced as a short message on the
// check response and never counts as an attempt.
type StudentInputError struct{ Msg string }

func (e StudentInputError) Error() string { return e.Msg }

// GradingError reports a failure inside instructor-supplied grading logic
// (a broken custom checker). It is returned to the caller as a message
// rather than silently marking the answer incorrect.
type GradingError struct{ Msg string }

func (e GradingError) Error() string { return e.Msg }

// Env carries the collaborators a response kind may need.
type Env struct {
	Context     *scriptctx.Context // script preprocessing context
	Seed        int64              // problem seed, for deterministic sampling
	Queue       xqueue.Submitter   // nil unless external grading is configured
	QueueName   string             // default queue name
	CallbackURL string             // where the grader posts results
	AnonymousID string             // anonymous student id sent to graders
}

// Response is one instantiated grading strategy bound to a response subtree.
type Response interface {
	// Tag returns the XML tag this instance was built from.
	Tag() string
	// ID returns the response id assigned during preprocessing.
	ID() string
	// AnswerIDs returns the answer ids of this response's entries.
	AnswerIDs() []string
	// GetAnswers maps answer ids to canonical answer representations.
	// Computed once at construction; kinds that cannot produce an answer
	// omit the id.
	GetAnswers() map[string]string
	// EvaluateAnswers grades the submitted values, covering exactly this
	// response's answer ids.
	EvaluateAnswers(ctx context.Context, submitted map[string]any, prior *correctmap.CorrectMap) (*correctmap.CorrectMap, error)
}

// MaxScorer is implemented by kinds whose entries are worth more than one
// point each.
type MaxScorer interface {
	GetMaxScore() int
}

// AsyncUpdater is implemented by kinds graded through the external queue.
// UpdateScore applies a grader callback to the records owned by this
// response, returning whether it claimed the queue key.
type AsyncUpdater interface {
	UpdateScore(scoreMsg string, cmap *correctmap.CorrectMap, queueKey string) (claimed bool, err error)
}

// Constructor builds a response instance from its annotated subtree and the
// entry elements found inside it.
type Constructor func(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error)

var registry = map[string]Constructor{}

// Register adds a response kind. Registering a taken tag panics: tags are
// wired once at startup and a clash is a programming error.
func Register(tag string, c Constructor) {
	if _, ok := registry[tag]; ok {
		panic(fmt.Sprintf("responsetypes: tag %q already registered", tag))
	}
	registry[tag] = c
}

// Lookup returns the constructor for tag.
func Lookup(tag string) (Constructor, bool) {
	c, ok := registry[tag]
	return c, ok
}

// Tags returns all registered response tags, sorted.
func Tags() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("multiplechoiceresponse", newChoiceResponse)
	Register("truefalseresponse", newChoiceResponse)
	Register("choiceresponse", newChoiceResponse)
	Register("optionresponse", newOptionResponse)
	Register("stringresponse", newStringResponse)
	Register("numericalresponse", newNumericalResponse)
	Register("formularesponse", newFormulaResponse)
	Register("customresponse", newCustomResponse)
	Register("coderesponse", newCodeResponse)
	Register("filesubmissionresponse", newCodeResponse)
}

// base carries what every kind shares.
type base struct {
	el     *xmltree.Node
	inputs []*xmltree.Node
	env    Env
}

func (b *base) Tag() string { return b.el.Tag }
func (b *base) ID() string  { return b.el.Attr("id") }

func (b *base) AnswerIDs() []string {
	out := make([]string, 0, len(b.inputs))
	for _, in := range b.inputs {
		if id := in.Attr("id"); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// substitute expands $var references from the script context.
func (b *base) substitute(s string) string {
	if b.env.Context == nil {
		return s
	}
	return b.env.Context.Substitute(s)
}

// ctxVars returns a copy of the script context variables, or nil.
func (b *base) ctxVars() map[string]complex128 {
	if b.env.Context == nil {
		return nil
	}
	return b.env.Context.Vars()
}

// ctxFuncs returns the callable table for expression evaluation.
func (b *base) ctxFuncs() map[string]calc.Function {
	if b.env.Context == nil {
		return calc.DefaultFunctions()
	}
	return b.env.Context.Funcs()
}

// submittedString fetches the student's value for an answer id as a string.
func submittedString(submitted map[string]any, answerID string) (string, bool) {
	v, ok := submitted[answerID]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []string:
		if len(t) == 0 {
			return "", false
		}
		return t[0], true
	default:
		return fmt.Sprint(t), true
	}
}

// submittedList fetches the student's value for an answer id as a list.
func submittedList(submitted map[string]any, answerID string) []string {
	v, ok := submitted[answerID]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

func attrInt(el *xmltree.Node, name string, def int) int {
	raw := el.Attr(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
