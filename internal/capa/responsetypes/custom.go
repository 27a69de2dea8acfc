package responsetypes

import (
	"context"
	"fmt"
	"math/cmplx"
	"strings"

	"github.com/opencapa/capa-engine/internal/calc"
	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
)

// customResponse grades with an instructor-supplied checker expression.
// The expression runs in the problem's script context with two extra
// bindings: "submitted" (the student's value, evaluated as a number) and
// "expect" (from the expect attribute). A nonzero result is correct.
//
// A checker that fails to evaluate is a grading error; it is never silently
// reported as incorrect.
type customResponse struct {
	base
	checker string
	expect  string
}

func newCustomResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &customResponse{base: base{el: el, inputs: inputs, env: env}}
	for _, a := range el.FindAll("answer") {
		r.checker = strings.TrimSpace(a.Text)
		break
	}
	if r.checker == "" {
		return nil, fmt.Errorf("%s: customresponse without a checker <answer>", el.Attr("id"))
	}
	r.expect = r.substitute(el.Attr("expect"))
	return r, nil
}

// GetAnswers exposes the expect attribute when present; a checker with no
// expect cannot produce a canonical answer and omits its ids.
func (r *customResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	if r.expect == "" {
		return out
	}
	for _, id := range r.AnswerIDs() {
		out[id] = r.expect
	}
	return out
}

func (r *customResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, ok := submittedString(submitted, id)
		if !ok || strings.TrimSpace(got) == "" {
			cmap.Set(id, correctmap.Record{Correctness: correctmap.Incorrect})
			continue
		}
		vars := r.ctxVars()
		if vars == nil {
			vars = map[string]complex128{}
		}
		sub, err := calc.Evaluate(nil, calc.DefaultFunctions(), got, true)
		if err != nil {
			return nil, StudentInputError{Msg: fmt.Sprintf("Could not interpret %q as a number", got)}
		}
		vars["submitted"] = sub
		if r.expect != "" {
			exp, err := calc.Evaluate(r.ctxVars(), r.ctxFuncs(), r.expect, false)
			if err != nil {
				return nil, GradingError{Msg: fmt.Sprintf("bad expect value %q: %v", r.expect, err)}
			}
			vars["expect"] = exp
		}
		result, err := calc.Evaluate(vars, r.ctxFuncs(), r.checker, false)
		if err != nil {
			return nil, GradingError{Msg: fmt.Sprintf("error in checker for %s: %v", id, err)}
		}
		correctness := correctmap.Incorrect
		if cmplx.Abs(result) > 0.5 {
			correctness = correctmap.Correct
		}
		cmap.Set(id, correctmap.Record{Correctness: correctness})
	}
	return cmap, nil
}
