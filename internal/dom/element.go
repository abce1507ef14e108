package dom

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Element is a handle to a node of a Document. The node may be attached to
// the document tree or detached (freshly created or removed).
type Element struct {
	doc *Document
	n   *html.Node
}

// Tag returns the lower-case tag name, "#text" for text nodes and
// "#comment" for comments.
func (e *Element) Tag() string {
	switch e.n.Type {
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	}
	return e.n.Data
}

// IsElement reports whether the node is an element node.
func (e *Element) IsElement() bool { return e.n.Type == html.ElementNode }

// Same reports whether both handles refer to the same node.
func (e *Element) Same(other *Element) bool {
	return other != nil && e.n == other.n
}

// Attr returns the attribute value and whether it is present.
func (e *Element) Attr(key string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.n, key)
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Attrs returns a copy of the element's attributes in source order.
func (e *Element) Attrs() []html.Attribute {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	out := make([]html.Attribute, len(e.n.Attr))
	copy(out, e.n.Attr)
	return out
}

// SetAttr sets or replaces an attribute.
func (e *Element) SetAttr(key, val string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, key, val)
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func (e *Element) RemoveAttr(key string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	kept := e.n.Attr[:0]
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		kept = append(kept, a)
	}
	e.n.Attr = kept
}

// AddClass appends space separated classes that are not yet present.
func (e *Element) AddClass(classes string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	current, _ := attr(e.n, "class")
	have := strings.Fields(current)
	for _, c := range strings.Fields(classes) {
		found := false
		for _, h := range have {
			if h == c {
				found = true
				break
			}
		}
		if !found {
			have = append(have, c)
		}
	}
	if len(have) > 0 {
		setAttr(e.n, "class", strings.Join(have, " "))
	}
}

// HasClass reports whether the class attribute contains class.
func (e *Element) HasClass(class string) bool {
	v, _ := e.Attr("class")
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// Text returns the concatenated text of the node and its descendants. For
// script and style elements this is the raw source.
func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var b strings.Builder
	collectText(e.n, &b)
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// SetText replaces the children with a single text node.
func (e *Element) SetText(s string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	clearChildren(e.n)
	if s != "" {
		e.n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
	}
}

// InnerHTML renders the element's children.
func (e *Element) InnerHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var buf bytes.Buffer
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// OuterHTML renders the element itself.
func (e *Element) OuterHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var buf bytes.Buffer
	_ = html.Render(&buf, e.n)
	return buf.String()
}

// SetInnerHTML replaces the children with parsed markup. Like the browser
// property, script elements created this way are inert until recreated.
func (e *Element) SetInnerHTML(markup string) error {
	nodes, err := html.ParseFragment(strings.NewReader(markup), e.n)
	if err != nil {
		return err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	clearChildren(e.n)
	for _, n := range nodes {
		e.n.AppendChild(n)
	}
	return nil
}

// Clear removes every child.
func (e *Element) Clear() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	clearChildren(e.n)
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// Append moves child to the end of e's children, detaching it first.
func (e *Element) Append(child *Element) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if child.n.Parent != nil {
		child.n.Parent.RemoveChild(child.n)
	}
	e.n.AppendChild(child.n)
}

// InsertAfter places child immediately after e in e's parent.
func (e *Element) InsertAfter(child *Element) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.n.Parent == nil {
		return ErrDetached
	}
	if child.n.Parent != nil {
		child.n.Parent.RemoveChild(child.n)
	}
	e.n.Parent.InsertBefore(child.n, e.n.NextSibling)
	return nil
}

// Remove detaches the element from its parent. Removing a detached
// element is a no-op.
func (e *Element) Remove() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.n.Parent != nil {
		e.n.Parent.RemoveChild(e.n)
	}
}

// Attached reports whether the element is reachable from the document root.
func (e *Element) Attached() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.n; n != nil; n = n.Parent {
		if n == e.doc.root {
			return true
		}
	}
	return false
}

// Parent returns the parent element or nil.
func (e *Element) Parent() *Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(e.n.Parent)
}

// Children returns the direct child nodes, text nodes included.
func (e *Element) Children() []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var out []*Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, e.doc.wrap(c))
	}
	return out
}

// QueryAll returns descendants matching a CSS selector.
func (e *Element) QueryAll(selector string) []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.find(e.n, selector)
}

// Query returns the first descendant matching selector, or nil.
func (e *Element) Query(selector string) *Element {
	all := e.QueryAll(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Clone returns a detached deep copy.
func (e *Element) Clone() *Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(cloneNode(e.n))
}

// Hide collapses the element without removing it. Hiding twice is a no-op.
func (e *Element) Hide() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, "aria-hidden", "true")
	style, _ := attr(e.n, "style")
	if isHidden(style) {
		return
	}
	style = strings.TrimSpace(style)
	if style != "" && !strings.HasSuffix(style, ";") {
		style += ";"
	}
	setAttr(e.n, "style", style+"display:none")
}

func isHidden(style string) bool {
	return strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none")
}

var cssHeight = regexp.MustCompile(`(?i)(?:^|;)\s*(?:min-)?height\s*:\s*(\d+)px`)

// RenderedHeight estimates the element's rendered height in pixels from
// inline styles and height attributes of the element and its descendants.
// Hidden elements report zero.
func (e *Element) RenderedHeight() int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return renderedHeight(e.n, "")
}

// RenderedHeightIgnoring is RenderedHeight except that elements carrying the
// attribute key contribute only their descendants' heights. It measures
// content inside reserved-size placeholders.
func (e *Element) RenderedHeightIgnoring(key string) int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return renderedHeight(e.n, key)
}

func renderedHeight(n *html.Node, ignore string) int {
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return 0
	}
	style, _ := attr(n, "style")
	if isHidden(style) {
		return 0
	}
	best := 0
	if _, skip := attr(n, ignore); ignore == "" || !skip {
		best = ownHeight(n, style)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if h := renderedHeight(c, ignore); h > best {
			best = h
		}
	}
	return best
}

func ownHeight(n *html.Node, style string) int {
	best := 0
	for _, m := range cssHeight.FindAllStringSubmatch(style, -1) {
		if h, err := strconv.Atoi(m[1]); err == nil && h > best {
			best = h
		}
	}
	if v, ok := attr(n, "height"); ok {
		if h, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil && h > best {
			best = h
		}
	}
	return best
}
