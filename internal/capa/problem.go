// Package capa implements the problem engine: parsing a problem document,
// preprocessing it with the seeded script context, assigning answer ids,
// instantiating grading strategies, rendering, grading and state
// round-tripping.
//
// A Problem is built per request from persisted state and discarded
// afterward; nothing here is shared across goroutines.
package capa

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/inputtypes"
	"github.com/opencapa/capa-engine/internal/capa/responsetypes"
	"github.com/opencapa/capa-engine/internal/capa/scriptctx"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/render"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// Resolver loads resources referenced by <include file="..."/> elements.
type Resolver interface {
	Resolve(name string) ([]byte, error)
}

// State is the persisted per-student snapshot of a problem instance.
type State struct {
	Seed           int64                  `json:"seed"`
	StudentAnswers map[string]any         `json:"student_answers"`
	CorrectMap     *correctmap.CorrectMap `json:"correct_map"`
	Done           bool                   `json:"done"`
	Attempts       int                    `json:"attempts"`
}

// Options carries the collaborators a problem may need. Zero values are
// acceptable for problems that never render, include or queue.
type Options struct {
	Renderer    render.Renderer
	Resolver    Resolver
	Queue       xqueue.Submitter
	QueueName   string
	CallbackURL string
	AnonymousID string
	// Debug makes build errors propagate instead of substituting the
	// error document, and downgrades unresolvable includes to a logged
	// skip.
	Debug bool
}

// Problem is one instantiated problem bound to a seed and prior state.
type Problem struct {
	ID             string
	Seed           int64
	Done           bool
	Attempts       int
	StudentAnswers map[string]any
	CorrectMap     *correctmap.CorrectMap

	tree       *xmltree.Node
	sctx       *scriptctx.Context
	responders []responsetypes.Response
	answers    map[string]string // canonical answers, precomputed
	solutions  map[string]string
	opts       Options
}

var outtextRe = regexp.MustCompile(`<\s*(startouttext\s*/?|endouttext\s*/?)\s*>`)

// rewriteOuttext converts the legacy startouttext/endouttext shims into a
// proper <text> element pair so the markup parses as XML.
func rewriteOuttext(markup string) string {
	return outtextRe.ReplaceAllStringFunc(markup, func(m string) string {
		if strings.Contains(m, "startouttext") {
			return "<text>"
		}
		return "</text>"
	})
}

// New builds a problem from markup and prior state. Outside debug mode a
// markup or script failure does not fail the call: the problem is rebuilt
// around an error document so the caller can still render and persist.
func New(markup, problemID string, prior *State, seedHint int64, opts Options) (*Problem, error) {
	p := &Problem{
		ID:             problemID,
		Seed:           seedHint,
		StudentAnswers: map[string]any{},
		CorrectMap:     correctmap.New(),
		answers:        map[string]string{},
		solutions:      map[string]string{},
		opts:           opts,
	}
	if prior != nil {
		if prior.Seed != 0 {
			p.Seed = prior.Seed
		}
		for k, v := range prior.StudentAnswers {
			p.StudentAnswers[k] = v
		}
		if prior.CorrectMap != nil {
			p.CorrectMap.Update(prior.CorrectMap)
		}
		p.Done = prior.Done
		p.Attempts = prior.Attempts
	}
	if p.Seed == 0 {
		p.Seed = freshSeed()
	}
	if err := p.build(markup); err != nil {
		if opts.Debug {
			return nil, fmt.Errorf("problem %s: %w", problemID, err)
		}
		log.Printf("capa: problem %s failed to build, substituting error document: %v", problemID, err)
		if ferr := p.build(errorDocument(err)); ferr != nil {
			return nil, fmt.Errorf("problem %s: error document failed too: %w", problemID, ferr)
		}
	}
	return p, nil
}

// FreshSeed draws a new seed from a secure source; callers use it when a
// rerandomizing reset needs to abandon the current variant.
func FreshSeed() int64 { return freshSeed() }

func freshSeed() int64 {
	n, err := crand.Int(crand.Reader, big.NewInt(1<<31-1))
	if err != nil {
		// crypto/rand failing means the host is broken; a fixed seed
		// keeps the problem usable
		return 1
	}
	return n.Int64() + 1
}

var errEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func errorDocument(cause error) string {
	return fmt.Sprintf(`<problem><text><span class="inline-error">Error while loading problem: %s</span></text></problem>`,
		errEscaper.Replace(cause.Error()))
}

func (p *Problem) build(markup string) error {
	tree, err := xmltree.Parse(rewriteOuttext(markup))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if tree.Tag != "problem" {
		return fmt.Errorf("root element is <%s>, want <problem>", tree.Tag)
	}
	p.tree = tree
	if err := p.resolveIncludes(); err != nil {
		return err
	}
	p.sctx = scriptctx.New(p.Seed)
	if err := p.runScripts(); err != nil {
		return err
	}
	p.assignIDs()
	if err := p.buildResponders(); err != nil {
		return err
	}
	p.precomputeAnswers()
	return nil
}

// resolveIncludes splices <include file="..."/> subtrees in place. A missing
// resource is an error unless debug mode, where it is logged and skipped.
func (p *Problem) resolveIncludes() error {
	for _, inc := range p.tree.FindAll("include") {
		name := inc.Attr("file")
		parent := inc.Parent
		if name == "" || p.opts.Resolver == nil {
			if !p.opts.Debug {
				return fmt.Errorf("cannot resolve include %q", name)
			}
			log.Printf("capa: problem %s: skipping include %q", p.ID, name)
			parent.Remove(inc)
			continue
		}
		raw, err := p.opts.Resolver.Resolve(name)
		if err != nil {
			if !p.opts.Debug {
				return fmt.Errorf("include %q: %w", name, err)
			}
			log.Printf("capa: problem %s: skipping include %q: %v", p.ID, name, err)
			parent.Remove(inc)
			continue
		}
		sub, err := xmltree.Parse(rewriteOuttext(string(raw)))
		if err != nil {
			return fmt.Errorf("include %q: %w", name, err)
		}
		sub.Tail = inc.Tail
		parent.InsertBefore(sub, inc)
		parent.Remove(inc)
	}
	return nil
}

// runScripts executes <script type="text/x-capa"> bodies in document order.
// Other script types (javascript) pass through to the rendered output.
func (p *Problem) runScripts() error {
	for _, s := range p.tree.FindAll("script") {
		if s.Attr("type") != "text/x-capa" {
			continue
		}
		if err := p.sctx.Exec(s.Text); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	return nil
}

// assignIDs annotates every response subtree and its entries with stable
// ids. Responses are numbered from 2 in document order, entries from 1
// within their response, solutions separately.
func (p *Problem) assignIDs() {
	responseIdx := 2
	for _, resp := range p.responseNodes() {
		resp.SetAttr("id", fmt.Sprintf("%s_%d", p.ID, responseIdx))
		answerIdx := 1
		resp.Walk(func(n *xmltree.Node) {
			if n != resp && inputtypes.IsInputTag(n.Tag) {
				n.SetAttr("id", fmt.Sprintf("%s_%d_%d", p.ID, responseIdx, answerIdx))
				answerIdx++
			}
		})
		responseIdx++
	}
	solutionIdx := 1
	for _, sol := range p.tree.FindAll("solution") {
		sol.SetAttr("id", fmt.Sprintf("%s_solution_%d", p.ID, solutionIdx))
		solutionIdx++
	}
}

func (p *Problem) responseNodes() []*xmltree.Node {
	var out []*xmltree.Node
	p.tree.Walk(func(n *xmltree.Node) {
		if _, ok := responsetypes.Lookup(n.Tag); ok {
			out = append(out, n)
		}
	})
	return out
}

func (p *Problem) buildResponders() error {
	env := responsetypes.Env{
		Context:     p.sctx,
		Seed:        p.Seed,
		Queue:       p.opts.Queue,
		QueueName:   p.opts.QueueName,
		CallbackURL: p.opts.CallbackURL,
		AnonymousID: p.opts.AnonymousID,
	}
	p.responders = nil
	for _, resp := range p.responseNodes() {
		var inputs []*xmltree.Node
		resp.Walk(func(n *xmltree.Node) {
			if n != resp && inputtypes.IsInputTag(n.Tag) {
				inputs = append(inputs, n)
			}
		})
		ctor, _ := responsetypes.Lookup(resp.Tag)
		r, err := ctor(resp, inputs, env)
		if err != nil {
			return err
		}
		p.responders = append(p.responders, r)
	}
	return nil
}

// precomputeAnswers evaluates each responder's canonical answers and the
// solution bodies once, at construction.
func (p *Problem) precomputeAnswers() {
	p.answers = map[string]string{}
	for _, r := range p.responders {
		for id, v := range r.GetAnswers() {
			p.answers[id] = v
		}
	}
	p.solutions = map[string]string{}
	for _, sol := range p.tree.FindAll("solution") {
		p.solutions[sol.Attr("id")] = p.sctx.Substitute(strings.TrimSpace(sol.InnerXML()))
	}
}

// GetAnswers returns canonical answers plus solution bodies, for the
// show-answer action.
func (p *Problem) GetAnswers() map[string]string {
	out := make(map[string]string, len(p.answers)+len(p.solutions))
	for k, v := range p.answers {
		out[k] = v
	}
	for k, v := range p.solutions {
		out[k] = v
	}
	return out
}

// GetAnswerIDs returns every graded answer id, sorted.
func (p *Problem) GetAnswerIDs() []string {
	var out []string
	for _, r := range p.responders {
		out = append(out, r.AnswerIDs()...)
	}
	sort.Strings(out)
	return out
}

// GradeAnswers stores the submitted answers and regrades every response,
// building the new correctness map off to the side and swapping it in whole
// only when every responder succeeds. The answers are stored up front so a
// typed-but-unparseable submission survives a reload.
func (p *Problem) GradeAnswers(ctx context.Context, submitted map[string]any) (*correctmap.CorrectMap, error) {
	p.StudentAnswers = map[string]any{}
	for k, v := range submitted {
		p.StudentAnswers[k] = v
	}
	newMap := correctmap.New()
	for _, r := range p.responders {
		partial, err := r.EvaluateAnswers(ctx, submitted, p.CorrectMap)
		if err != nil {
			return nil, err
		}
		newMap.Update(partial)
	}
	p.CorrectMap = newMap
	return newMap, nil
}

// UpdateScore applies an external grader callback to whichever responder
// owns the queue key. An unclaimed key is logged and ignored: callbacks may
// be stale or duplicated and must never fail the request.
func (p *Problem) UpdateScore(scoreMsg, queueKey string) error {
	claimed := false
	for _, r := range p.responders {
		au, ok := r.(responsetypes.AsyncUpdater)
		if !ok {
			continue
		}
		ok, err := au.UpdateScore(scoreMsg, p.CorrectMap, queueKey)
		if err != nil {
			return err
		}
		claimed = claimed || ok
	}
	if !claimed {
		log.Printf("capa: problem %s: no responder claimed queue key %s", p.ID, queueKey)
	}
	return nil
}

// GetMaxScore sums each responder's worth: its declared max score, or one
// point per entry.
func (p *Problem) GetMaxScore() int {
	total := 0
	for _, r := range p.responders {
		if ms, ok := r.(responsetypes.MaxScorer); ok {
			total += ms.GetMaxScore()
			continue
		}
		total += len(r.AnswerIDs())
	}
	return total
}

// GetScore sums awarded points over all graded entries, capped at the max.
func (p *Problem) GetScore() int {
	total := 0
	for _, r := range p.responders {
		for _, id := range r.AnswerIDs() {
			total += p.CorrectMap.NPoints(id)
		}
	}
	if maxScore := p.GetMaxScore(); total > maxScore {
		return maxScore
	}
	return total
}

// IsQueued reports whether any entry awaits an external grader callback.
func (p *Problem) IsQueued() bool { return p.CorrectMap.AnyQueued() }

// RecentmostQueueTime returns the newest pending submission time, for the
// resubmission wait gate.
func (p *Problem) RecentmostQueueTime() time.Time { return p.CorrectMap.RecentmostQueueTime() }

// DoReset clears answers, correctness and the done flag. The seed is the
// caller's concern: a rerandomizing reset rebuilds the problem with a fresh
// seed instead.
func (p *Problem) DoReset() {
	p.StudentAnswers = map[string]any{}
	p.CorrectMap = correctmap.New()
	p.Done = false
}

// State snapshots the problem for persistence.
func (p *Problem) State() *State {
	cm := correctmap.New()
	cm.Update(p.CorrectMap)
	answers := make(map[string]any, len(p.StudentAnswers))
	for k, v := range p.StudentAnswers {
		answers[k] = v
	}
	return &State{
		Seed:           p.Seed,
		StudentAnswers: answers,
		CorrectMap:     cm,
		Done:           p.Done,
		Attempts:       p.Attempts,
	}
}

// MarshalState serializes a snapshot; ParseState is its inverse.
func MarshalState(s *State) ([]byte, error) { return json.Marshal(s) }

func ParseState(raw []byte) (*State, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("bad problem state: %w", err)
	}
	return &s, nil
}
