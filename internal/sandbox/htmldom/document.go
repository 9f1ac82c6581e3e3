// Package htmldom implements the sandbox DOM over golang.org/x/net/html
// with cascadia selectors
package htmldom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/wrale/smart-launch/internal/sandbox"
)

// Document is a parsed HTML page
type Document struct {
	root     *html.Node
	onClick  func(*Element) error
	onChange func()
}

// Parse reads an HTML document
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return &Document{root: root}, nil
}

// OnClick sets the handler receiving element clicks
func (d *Document) OnClick(fn func(*Element) error) {
	d.onClick = fn
}

// OnChange sets the handler called after the document is modified
func (d *Document) OnChange(fn func()) {
	d.onChange = fn
}

func (d *Document) QuerySelector(selector string) sandbox.Element {
	if el := d.first(d.root, selector); el != nil {
		return el
	}
	return nil
}

func (d *Document) QuerySelectorAll(selector string) []sandbox.Element {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil
	}
	nodes := sel.MatchAll(d.root)
	out := make([]sandbox.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{node: n, doc: d})
	}
	return out
}

// Find is QuerySelector returning the concrete element
func (d *Document) Find(selector string) *Element {
	return d.first(d.root, selector)
}

func (d *Document) first(from *html.Node, selector string) *Element {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil
	}
	n := sel.MatchFirst(from)
	if n == nil {
		return nil
	}
	return &Element{node: n, doc: d}
}

// Render serializes the document
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *Document) changed() {
	if d.onChange != nil {
		d.onChange()
	}
}

// Element is a node of a Document
type Element struct {
	node *html.Node
	doc  *Document
}

func (e *Element) Tag() string {
	return e.node.Data
}

func (e *Element) Attr(name string) string {
	v, _ := e.attr(name)
	return v
}

func (e *Element) attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (e *Element) setAttr(name, value string) {
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			e.node.Attr[i].Val = value
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
}

func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
				continue
			}
			walk(c)
		}
	}
	walk(e.node)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (e *Element) Value() string {
	switch e.node.DataAtom {
	case atom.Textarea:
		return e.Text()
	case atom.Select:
		var first string
		for i, opt := range e.doc.matchAll(e.node, "option") {
			v := opt.optionValue()
			if i == 0 {
				first = v
			}
			if _, ok := opt.attr("selected"); ok {
				return v
			}
		}
		return first
	}
	return e.Attr("value")
}

func (e *Element) optionValue() string {
	if v, ok := e.attr("value"); ok {
		return v
	}
	return e.Text()
}

func (e *Element) Disabled() bool {
	if _, ok := e.attr("disabled"); ok {
		return true
	}
	return e.Attr("aria-disabled") == "true"
}

func (e *Element) QuerySelector(selector string) sandbox.Element {
	if el := e.doc.first(e.node, selector); el != nil {
		return el
	}
	return nil
}

func (e *Element) SetValue(value string) error {
	switch e.node.DataAtom {
	case atom.Input:
		e.setAttr("value", value)
	case atom.Textarea:
		for c := e.node.FirstChild; c != nil; {
			next := c.NextSibling
			e.node.RemoveChild(c)
			c = next
		}
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	default:
		return fmt.Errorf("cannot set value on <%s>", e.node.Data)
	}
	e.doc.changed()
	return nil
}

func (e *Element) Click() error {
	if e.doc.onClick == nil {
		return nil
	}
	return e.doc.onClick(e)
}

// Form returns the enclosing form element, or nil
func (e *Element) Form() *Element {
	for n := e.node.Parent; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && n.DataAtom == atom.Form {
			return &Element{node: n, doc: e.doc}
		}
	}
	return nil
}

func (d *Document) matchAll(from *html.Node, selector string) []*Element {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil
	}
	var out []*Element
	for _, n := range sel.MatchAll(from) {
		out = append(out, &Element{node: n, doc: d})
	}
	return out
}
