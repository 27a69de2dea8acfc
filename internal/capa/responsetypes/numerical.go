package responsetypes

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/opencapa/capa-engine/internal/calc"
	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/scriptctx"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
)

// numericalResponse grades a single numeric entry against the instructor
// answer within an absolute or relative tolerance.
type numericalResponse struct {
	base
	expected  complex128
	canonical string
	tolerance string
}

func newNumericalResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &numericalResponse{
		base:      base{el: el, inputs: inputs, env: env},
		tolerance: toleranceParam(el),
	}
	raw := r.substitute(el.Attr("answer"))
	if raw == "" {
		return nil, fmt.Errorf("%s: numericalresponse without an answer", el.Attr("id"))
	}
	v, err := calc.Evaluate(r.ctxVars(), r.ctxFuncs(), raw, false)
	if err != nil {
		return nil, fmt.Errorf("%s: bad instructor answer %q: %w", el.Attr("id"), raw, err)
	}
	r.expected = v
	r.canonical = scriptctx.FormatValue(v)
	return r, nil
}

func (r *numericalResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	for _, id := range r.AnswerIDs() {
		out[id] = r.canonical
	}
	return out
}

func (r *numericalResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, ok := submittedString(submitted, id)
		if !ok || strings.TrimSpace(got) == "" {
			cmap.Set(id, correctmap.Record{Correctness: correctmap.Incorrect})
			continue
		}
		v, err := calc.Evaluate(nil, calc.DefaultFunctions(), got, true)
		if err != nil {
			return nil, StudentInputError{Msg: fmt.Sprintf("Could not interpret %q as a number", got)}
		}
		within, err := calc.CompareWithTolerance(v, r.expected, r.tolerance)
		if err != nil {
			return nil, GradingError{Msg: fmt.Sprintf("bad tolerance %q: %v", r.tolerance, err)}
		}
		correctness := correctmap.Incorrect
		if within {
			correctness = correctmap.Correct
		}
		cmap.Set(id, correctmap.Record{Correctness: correctness})
	}
	return cmap, nil
}

// toleranceParam reads <responseparam type="tolerance" default="..."/>,
// falling back to exact comparison.
func toleranceParam(el *xmltree.Node) string {
	for _, rp := range el.FindAll("responseparam") {
		if rp.Attr("type") == "tolerance" {
			if v := rp.Attr("default"); v != "" {
				return v
			}
		}
	}
	return "0"
}

// formulaResponse grades symbolic answers by sampling: the student's
// expression must agree with the instructor's at every sampled variable
// binding, which defends against formulas that happen to match at a single
// substitution.
type formulaResponse struct {
	base
	answer    string
	tolerance string
	ci        bool
	samples   sampleSpec
}

type sampleSpec struct {
	names []string
	lows  []float64
	highs []float64
	count int
}

func newFormulaResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &formulaResponse{
		base:      base{el: el, inputs: inputs, env: env},
		tolerance: toleranceParam(el),
		ci:        !strings.EqualFold(el.Attr("type"), "cs"),
	}
	r.answer = r.substitute(el.Attr("answer"))
	if r.answer == "" {
		return nil, fmt.Errorf("%s: formularesponse without an answer", el.Attr("id"))
	}
	spec, err := parseSamples(el.Attr("samples"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", el.Attr("id"), err)
	}
	r.samples = spec
	return r, nil
}

// parseSamples parses "x,y@1,2:3,4#10": variable names, per-variable low and
// high bounds, and the number of sample points.
func parseSamples(raw string) (sampleSpec, error) {
	var s sampleSpec
	vars, rest, ok := strings.Cut(raw, "@")
	if !ok {
		return s, fmt.Errorf("bad samples spec %q", raw)
	}
	ranges, countStr, ok := strings.Cut(rest, "#")
	if !ok {
		return s, fmt.Errorf("bad samples spec %q: missing #count", raw)
	}
	lowStr, highStr, ok := strings.Cut(ranges, ":")
	if !ok {
		return s, fmt.Errorf("bad samples spec %q: missing low:high", raw)
	}
	s.names = strings.Split(vars, ",")
	for i := range s.names {
		s.names[i] = strings.TrimSpace(s.names[i])
	}
	var err error
	if s.lows, err = parseFloats(lowStr); err != nil {
		return s, fmt.Errorf("bad samples lows: %w", err)
	}
	if s.highs, err = parseFloats(highStr); err != nil {
		return s, fmt.Errorf("bad samples highs: %w", err)
	}
	if len(s.lows) != len(s.names) || len(s.highs) != len(s.names) {
		return s, fmt.Errorf("samples spec %q: bounds do not match variables", raw)
	}
	if s.count, err = strconv.Atoi(strings.TrimSpace(countStr)); err != nil || s.count <= 0 {
		return s, fmt.Errorf("samples spec %q: bad count", raw)
	}
	return s, nil
}

func parseFloats(csv string) ([]float64, error) {
	parts := strings.Split(csv, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (r *formulaResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	for _, id := range r.AnswerIDs() {
		out[id] = r.answer
	}
	return out
}

func (r *formulaResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, ok := submittedString(submitted, id)
		if !ok || strings.TrimSpace(got) == "" {
			cmap.Set(id, correctmap.Record{Correctness: correctmap.Incorrect})
			continue
		}
		match, err := r.matches(got)
		if err != nil {
			return nil, err
		}
		correctness := correctmap.Incorrect
		if match {
			correctness = correctmap.Correct
		}
		cmap.Set(id, correctmap.Record{Correctness: correctness})
	}
	return cmap, nil
}

// matches samples the variable space deterministically from the problem
// seed; the same seed always checks the same points.
func (r *formulaResponse) matches(student string) (bool, error) {
	rng := rand.New(rand.NewSource(r.env.Seed))
	funcs := r.ctxFuncs()
	for n := 0; n < r.samples.count; n++ {
		vars := r.ctxVars()
		if vars == nil {
			vars = map[string]complex128{}
		}
		for i, name := range r.samples.names {
			lo, hi := r.samples.lows[i], r.samples.highs[i]
			vars[name] = complex(lo+rng.Float64()*(hi-lo), 0)
		}
		want, err := calc.Evaluate(vars, funcs, r.answer, r.ci)
		if err != nil {
			return false, GradingError{Msg: fmt.Sprintf("bad instructor formula %q: %v", r.answer, err)}
		}
		got, err := calc.Evaluate(vars, funcs, student, r.ci)
		if err != nil {
			return false, StudentInputError{Msg: fmt.Sprintf("Could not interpret %q as a formula", student)}
		}
		within, err := calc.CompareWithTolerance(got, want, r.tolerance)
		if err != nil {
			return false, GradingError{Msg: fmt.Sprintf("bad tolerance %q: %v", r.tolerance, err)}
		}
		if !within {
			return false, nil
		}
	}
	return true, nil
}
