// Package inputtypes maps problem entry elements to render contexts.
//
// Each input type takes the XML element, the student's previous value and
// the graded status, builds the context mapping for its widget template and
// hands it to the rendering collaborator. Rendering is stateless given
// (element, value, status).
package inputtypes

import (
	"fmt"
	"strings"

	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/render"
)

// Feedback carries the message/hint from the previous grading attempt.
type Feedback struct {
	Message  string
	Hint     string
	HintMode string
}

// State is the per-entry render state.
type State struct {
	ID       string
	Value    any // string, or []string for multi-select and file inputs
	Status   string
	Feedback Feedback
}

// Choice is one selectable option of a choice group.
type Choice struct {
	Name     string
	Text     string
	Selected bool
}

type builder func(el *xmltree.Node, st State, ctx map[string]any) (templateName string, err error)

var tagBuilders = map[string]builder{
	"textline":       buildTextline,
	"textbox":        buildTextbox,
	"choicegroup":    buildChoiceGroup,
	"radiogroup":     buildChoiceGroup,
	"checkboxgroup":  buildChoiceGroup,
	"optioninput":    buildOptionInput,
	"imageinput":     buildImageInput,
	"filesubmission": buildFileSubmission,
}

// Tags returns the registered entry tags.
func Tags() []string {
	out := make([]string, 0, len(tagBuilders))
	for t := range tagBuilders {
		out = append(out, t)
	}
	return out
}

// IsInputTag reports whether tag renders as an input widget.
func IsInputTag(tag string) bool {
	_, ok := tagBuilders[tag]
	return ok
}

// Render produces the widget markup for one entry element.
func Render(r render.Renderer, el *xmltree.Node, st State) (string, error) {
	b, ok := tagBuilders[el.Tag]
	if !ok {
		return "", fmt.Errorf("unregistered input tag <%s>", el.Tag)
	}
	if st.Status == "" {
		st.Status = "unsubmitted"
	}
	msg := st.Feedback.Message
	// an always-on hint is shown above the message
	if st.Feedback.HintMode == "always" && st.Feedback.Hint != "" {
		if msg != "" {
			msg = st.Feedback.Hint + "<br/>" + msg
		} else {
			msg = st.Feedback.Hint
		}
	}
	ctx := map[string]any{
		"id":     st.ID,
		"value":  firstValue(st.Value),
		"status": st.Status,
		"msg":    msg,
	}
	name, err := b(el, st, ctx)
	if err != nil {
		return "", err
	}
	return r.RenderTemplate(name, ctx)
}

func buildTextline(el *xmltree.Node, _ State, ctx map[string]any) (string, error) {
	ctx["size"] = el.AttrOr("size", "20")
	return "textline", nil
}

func buildTextbox(el *xmltree.Node, _ State, ctx map[string]any) (string, error) {
	ctx["rows"] = el.AttrOr("rows", "10")
	ctx["cols"] = el.AttrOr("cols", "80")
	return "textbox", nil
}

func buildChoiceGroup(el *xmltree.Node, st State, ctx map[string]any) (string, error) {
	inputType := "radio"
	if el.Tag == "checkboxgroup" || el.AttrOr("multiple", "") == "true" {
		inputType = "checkbox"
	}
	selected := map[string]bool{}
	for _, v := range valueList(st.Value) {
		selected[v] = true
	}
	var choices []Choice
	for _, c := range el.FindAll("choice") {
		name := c.Attr("name")
		if name == "" {
			return "", fmt.Errorf("choice in %s is missing a name", st.ID)
		}
		choices = append(choices, Choice{
			Name:     name,
			Text:     strings.TrimSpace(c.Text),
			Selected: selected[name],
		})
	}
	if len(choices) == 0 {
		return "", fmt.Errorf("choice group %s has no choices", st.ID)
	}
	ctx["input_type"] = inputType
	ctx["choices"] = choices
	return "choicegroup", nil
}

func buildOptionInput(el *xmltree.Node, _ State, ctx map[string]any) (string, error) {
	options := ParseOptions(el.Attr("options"))
	if len(options) == 0 {
		return "", fmt.Errorf("optioninput has no options")
	}
	ctx["options"] = options
	return "optioninput", nil
}

func buildImageInput(el *xmltree.Node, _ State, ctx map[string]any) (string, error) {
	ctx["src"] = el.Attr("src")
	ctx["width"] = el.AttrOr("width", "100")
	ctx["height"] = el.AttrOr("height", "100")
	return "imageinput", nil
}

func buildFileSubmission(el *xmltree.Node, _ State, ctx map[string]any) (string, error) {
	ctx["allowed_files"] = el.Attr("allowed_files")
	ctx["required_files"] = el.Attr("required_files")
	return "filesubmission", nil
}

// ParseOptions splits an options attribute of the form
// "('choice a','choice b','choice c')" into its quoted members.
func ParseOptions(raw string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if quote == 0 {
			if c == '\'' || c == '"' {
				quote = c
			}
			continue
		}
		if c == quote {
			out = append(out, cur.String())
			cur.Reset()
			quote = 0
			continue
		}
		cur.WriteByte(c)
	}
	return out
}

func firstValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		if len(t) > 0 {
			return t[0]
		}
		return ""
	case []any:
		// persisted answers come back from JSON as []any
		if len(t) > 0 {
			return fmt.Sprint(t[0])
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func valueList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
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
