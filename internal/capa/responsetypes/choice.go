package responsetypes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
)

// choiceResponse grades choice groups (multiple choice, true/false,
// checkbox). Correctness is exact set equality between the submitted choice
// names and the choices declared correct in the XML; order never matters and
// there is no partial credit.
type choiceResponse struct {
	base
	correct map[string]map[string]bool // answer id -> correct choice names
}

func newChoiceResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &choiceResponse{
		base:    base{el: el, inputs: inputs, env: env},
		correct: map[string]map[string]bool{},
	}
	for _, in := range inputs {
		set := map[string]bool{}
		for _, c := range in.FindAll("choice") {
			if strings.EqualFold(c.Attr("correct"), "true") {
				name := c.Attr("name")
				if name == "" {
					return nil, fmt.Errorf("%s: correct choice without a name", el.Attr("id"))
				}
				set[name] = true
			}
		}
		if len(set) == 0 {
			return nil, fmt.Errorf("%s: no correct choice declared", el.Attr("id"))
		}
		r.correct[in.Attr("id")] = set
	}
	return r, nil
}

func (r *choiceResponse) GetAnswers() map[string]string {
	out := map[string]string{}
	for id, set := range r.correct {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[id] = strings.Join(names, ",")
	}
	return out
}

func (r *choiceResponse) EvaluateAnswers(_ context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got := submittedList(submitted, id)
		correctness := correctmap.Incorrect
		if setEqual(got, r.correct[id]) {
			correctness = correctmap.Correct
		}
		rec := correctmap.Record{Correctness: correctness}
		if hint, mode := r.hintFor(id); hint != "" {
			rec.Hint = hint
			rec.HintMode = mode
		}
		cmap.Set(id, rec)
	}
	return cmap, nil
}

// hintFor reads an optional <hintgroup> under the entry.
func (r *choiceResponse) hintFor(answerID string) (string, string) {
	for _, in := range r.inputs {
		if in.Attr("id") != answerID {
			continue
		}
		for _, hg := range in.FindAll("hintgroup") {
			mode := hg.AttrOr("mode", correctmap.HintOnRequest)
			return strings.TrimSpace(hg.InnerXML()), mode
		}
	}
	return "", ""
}

func setEqual(got []string, want map[string]bool) bool {
	if len(want) == 0 {
		return false
	}
	seen := map[string]bool{}
	for _, g := range got {
		if !want[g] {
			return false
		}
		seen[g] = true
	}
	return len(seen) == len(want)
}
