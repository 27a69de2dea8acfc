package responsetypes

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
)

// optionResponse grades option dropdowns: the submitted string must exactly
// match the entry's declared correct option.
type optionResponse struct {
	base
	expected map[string]string // answer id -> correct option
}

func newOptionResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &optionResponse{
		base:     base{el: el, inputs: inputs, env: env},
		expected: map[string]string{},
	}
	for _, in := range inputs {
		correct := in.Attr("correct")
		if correct == "" {
			return nil, fmt.Errorf("%s: optioninput without a correct option", el.Attr("id"))
		}
		r.expected[in.Attr("id")] = correct
	}
	return r, nil
}

func (r *optionResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	for id, v := range r.expected {
		out[id] = v
	}
	return out
}

func (r *optionResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, _ := submittedString(submitted, id)
		correctness := correctmap.Incorrect
		if got != "" && got == r.expected[id] {
			correctness = correctmap.Correct
		}
		cmap.Set(id, correctmap.Record{Correctness: correctness})
	}
	return cmap, nil
}

// stringResponse grades free-text lines against the answer attribute.
// type="ci" compares case-insensitively.
type stringResponse struct {
	base
	answer string
	ci     bool
}

func newStringResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &stringResponse{base: base{el: el, inputs: inputs, env: env}}
	r.answer = r.substitute(el.Attr("answer"))
	if r.answer == "" {
		return nil, fmt.Errorf("%s: stringresponse without an answer", el.Attr("id"))
	}
	r.ci = strings.EqualFold(el.Attr("type"), "ci")
	return r, nil
}

func (r *stringResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	for _, id := range r.AnswerIDs() {
		out[id] = r.answer
	}
	return out
}

func (r *stringResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, _ := submittedString(submitted, id)
		match := got == r.answer
		if r.ci {
			match = strings.EqualFold(got, r.answer)
		}
		correctness := correctmap.Incorrect
		if strings.TrimSpace(got) != "" && match {
			correctness = correctmap.Correct
		}
		cmap.Set(id, correctmap.Record{Correctness: correctness})
	}
	return cmap, nil
}
