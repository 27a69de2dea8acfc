// Package xmltree is a small mutable element tree over encoding/xml.
//
// The problem engine needs in-place mutation (id annotation, include
// splicing, tag rewriting) and deterministic re-serialization, which the
// streaming decoder alone does not give us.
package xmltree

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is one element. Text is the character data before the first child;
// Tail is the character data following this element inside its parent
// (lxml-style, which keeps mixed content reconstructible).
type Node struct {
	Tag      string
	Text     string
	Tail     string
	Parent   *Node
	Children []*Node

	attrs map[string]string
	order []string
}

// Parse parses markup into an element tree. Comments and processing
// instructions are dropped.
func Parse(markup string) (*Node, error) {
	dec := xml.NewDecoder(strings.NewReader(markup))
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Tag: t.Name.Local}
			for _, a := range t.Attr {
				n.SetAttr(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("parse xml: multiple root elements")
				}
				root = n
			} else {
				stack[len(stack)-1].Append(n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("parse xml: unbalanced end tag </%s>", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			cur := stack[len(stack)-1]
			if len(cur.Children) == 0 {
				cur.Text += string(t)
			} else {
				last := cur.Children[len(cur.Children)-1]
				last.Tail += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("parse xml: no root element")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("parse xml: unclosed element <%s>", stack[len(stack)-1].Tag)
	}
	return root, nil
}

// Attr returns the attribute value, or "" when absent.
func (n *Node) Attr(name string) string { return n.attrs[name] }

// AttrOr returns the attribute value, or def when absent.
func (n *Node) AttrOr(name, def string) string {
	if v, ok := n.attrs[name]; ok {
		return v
	}
	return def
}

func (n *Node) HasAttr(name string) bool {
	_, ok := n.attrs[name]
	return ok
}

// SetAttr sets an attribute, preserving first-set ordering for
// deterministic serialization.
func (n *Node) SetAttr(name, value string) {
	if n.attrs == nil {
		n.attrs = map[string]string{}
	}
	if _, ok := n.attrs[name]; !ok {
		n.order = append(n.order, name)
	}
	n.attrs[name] = value
}

// ClearAttrs drops every attribute.
func (n *Node) ClearAttrs() {
	n.attrs = nil
	n.order = nil
}

// Attrs iterates attributes in set order.
func (n *Node) Attrs(fn func(name, value string)) {
	for _, k := range n.order {
		fn(k, n.attrs[k])
	}
}

// Append adds child at the end of n's children.
func (n *Node) Append(child *Node) {
	child.Parent = n
	n.Children = append(n.Children, child)
}

// Index returns the position of child among n's children, or -1.
func (n *Node) Index(child *Node) int {
	for i, c := range n.Children {
		if c == child {
			return i
		}
	}
	return -1
}

// InsertBefore inserts newChild immediately before ref among n's children.
func (n *Node) InsertBefore(newChild, ref *Node) {
	i := n.Index(ref)
	if i < 0 {
		n.Append(newChild)
		return
	}
	newChild.Parent = n
	n.Children = append(n.Children, nil)
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = newChild
}

// Remove detaches child from n. The child keeps its subtree.
func (n *Node) Remove(child *Node) {
	i := n.Index(child)
	if i < 0 {
		return
	}
	n.Children = append(n.Children[:i], n.Children[i+1:]...)
	child.Parent = nil
}

// FindAll returns all descendants (not including n) with any of the given
// tags, in document order.
func (n *Node) FindAll(tags ...string) []*Node {
	want := map[string]bool{}
	for _, t := range tags {
		want[t] = true
	}
	var out []*Node
	n.walkChildren(func(c *Node) {
		if want[c.Tag] {
			out = append(out, c)
		}
	})
	return out
}

// Walk visits n and every descendant in document order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	n.walkChildren(fn)
}

func (n *Node) walkChildren(fn func(*Node)) {
	for _, c := range n.Children {
		fn(c)
		c.walkChildren(fn)
	}
}

// Contains reports whether desc is n or a descendant of n.
func (n *Node) Contains(desc *Node) bool {
	for p := desc; p != nil; p = p.Parent {
		if p == n {
			return true
		}
	}
	return false
}

// Clone deep-copies the subtree rooted at n. The clone has no parent and an
// empty tail.
func (n *Node) Clone() *Node {
	out := &Node{Tag: n.Tag, Text: n.Text}
	n.Attrs(func(k, v string) { out.SetAttr(k, v) })
	for _, c := range n.Children {
		cc := c.Clone()
		cc.Tail = c.Tail
		out.Append(cc)
	}
	return out
}

// String serializes the subtree, entity-escaping text and attributes.
// The node's own tail is not included.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b, false)
	return b.String()
}

// InnerXML serializes just the content of n (text plus children with
// their tails).
func (n *Node) InnerXML() string {
	var b strings.Builder
	b.WriteString(escapeText(n.Text))
	for _, c := range n.Children {
		c.write(&b, true)
	}
	return b.String()
}

func (n *Node) write(b *strings.Builder, withTail bool) {
	b.WriteByte('<')
	b.WriteString(n.Tag)
	n.Attrs(func(k, v string) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(v))
		b.WriteByte('"')
	})
	if n.Text == "" && len(n.Children) == 0 {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
		b.WriteString(escapeText(n.Text))
		for _, c := range n.Children {
			c.write(b, true)
		}
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteByte('>')
	}
	if withTail {
		b.WriteString(escapeText(n.Tail))
	}
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func escapeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
