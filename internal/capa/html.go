package capa

import (
	"fmt"

	"github.com/opencapa/capa-engine/internal/capa/inputtypes"
	"github.com/opencapa/capa-engine/internal/capa/responsetypes"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
)

// Tags carrying grading semantics only; they never reach the student's
// browser.
var semanticTags = map[string]bool{
	"responseparam": true,
	"answer":        true,
	"hintgroup":     true,
	"solution":      true,
}

// GetHTML renders the problem body: entry elements become widgets through
// the rendering collaborator, grading-only tags are stripped, script
// variables are substituted and structural tags are renamed to plain HTML.
// It is a pure function of current state.
func (p *Problem) GetHTML() (string, error) {
	if p.opts.Renderer == nil {
		return "", fmt.Errorf("problem %s: no renderer configured", p.ID)
	}
	clone := p.tree.Clone()
	clone.Text = p.sctx.Substitute(clone.Text)
	if err := p.transformHTML(clone); err != nil {
		return "", err
	}
	// the root carries policy attributes (max_attempts, due, ...) that
	// must not reach the browser
	clone.Tag = "div"
	clone.ClearAttrs()
	clone.SetAttr("class", "problem")
	return clone.String(), nil
}

func (p *Problem) transformHTML(n *xmltree.Node) error {
	for _, c := range append([]*xmltree.Node(nil), n.Children...) {
		if semanticTags[c.Tag] || (c.Tag == "script" && c.Attr("type") == "text/x-capa") {
			detach(n, c)
			continue
		}
		if inputtypes.IsInputTag(c.Tag) {
			widget, err := p.renderEntry(c)
			if err != nil {
				return err
			}
			widget.Tail = p.sctx.Substitute(c.Tail)
			n.InsertBefore(widget, c)
			n.Remove(c)
			continue
		}
		c.Text = p.sctx.Substitute(c.Text)
		c.Tail = p.sctx.Substitute(c.Tail)
		if err := p.transformHTML(c); err != nil {
			return err
		}
		switch {
		case c.Tag == "text" || c.Tag == "math":
			c.Tag = "span"
		default:
			if _, ok := responsetypes.Lookup(c.Tag); ok {
				c.Tag = "div"
			}
		}
	}
	return nil
}

// detach removes child but keeps its tail text in the document, attached to
// the previous sibling or the parent.
func detach(parent, child *xmltree.Node) {
	if child.Tail != "" {
		if i := parent.Index(child); i > 0 {
			parent.Children[i-1].Tail += child.Tail
		} else {
			parent.Text += child.Tail
		}
	}
	parent.Remove(child)
}

func (p *Problem) renderEntry(el *xmltree.Node) (*xmltree.Node, error) {
	id := el.Attr("id")
	st := inputtypes.State{ID: id, Value: p.StudentAnswers[id]}
	if rec, ok := p.CorrectMap.Get(id); ok {
		st.Status = rec.Correctness
		if !rec.Queue.IsZero() {
			st.Status = "queued"
		}
		st.Feedback = inputtypes.Feedback{
			Message:  rec.Msg,
			Hint:     rec.Hint,
			HintMode: rec.HintMode,
		}
	}
	markup, err := inputtypes.Render(p.opts.Renderer, el, st)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", id, err)
	}
	node, err := xmltree.Parse(markup)
	if err != nil {
		return nil, fmt.Errorf("widget for %s is not well-formed: %w", id, err)
	}
	return node, nil
}
