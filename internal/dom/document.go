// Package dom is the page model the ad runtime mutates: an HTML document
// guarded by a mutex, element handles into it, and a Window tracking the
// third-party globals the page's scripts expose.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrDetached is returned when an operation needs an element that is part
// of the document tree.
var ErrDetached = errors.New("element is not attached to the document")

const emptyPage = "<!DOCTYPE html><html><head></head><body></body></html>"

// Document is a parsed HTML page. All reads and writes of the tree go
// through the document lock, so element handles may be shared between
// goroutines.
type Document struct {
	mu   sync.Mutex
	root *html.Node
	head *html.Node
	body *html.Node
}

// Parse reads an HTML page. Missing head/body elements are synthesised by
// the HTML5 parser.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{root: root}
	d.head = findFirst(root, atom.Head)
	d.body = findFirst(root, atom.Body)
	if d.head == nil || d.body == nil {
		return nil, errors.New("parse html: document has no head or body")
	}
	return d, nil
}

// ParseString is Parse for an in-memory page.
func ParseString(page string) (*Document, error) {
	return Parse(strings.NewReader(page))
}

// NewDocument returns an empty page.
func NewDocument() *Document {
	d, err := ParseString(emptyPage)
	if err != nil {
		panic(err)
	}
	return d
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func (d *Document) wrap(n *html.Node) *Element {
	if n == nil {
		return nil
	}
	return &Element{doc: d, n: n}
}

// Head returns the document head.
func (d *Document) Head() *Element { return d.wrap(d.head) }

// Body returns the document body.
func (d *Document) Body() *Element { return d.wrap(d.body) }

// QueryAll returns the elements matching a CSS selector in document order.
func (d *Document) QueryAll(selector string) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.find(d.root, selector)
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) *Element {
	all := d.QueryAll(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// find must be called with d.mu held.
func (d *Document) find(n *html.Node, selector string) []*Element {
	sel := goquery.NewDocumentFromNode(n).Find(selector)
	out := make([]*Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, d.wrap(s.Get(0)))
	})
	return out
}

// CreateElement returns a detached element with the given tag.
func (d *Document) CreateElement(tag string) *Element {
	tag = strings.ToLower(tag)
	return d.wrap(&html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	})
}

// ParseFragment parses markup into detached top-level nodes, including
// text and comment nodes, in source order.
func (d *Document) ParseFragment(markup string) ([]*Element, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrap(n))
	}
	return out, nil
}

// Render writes the page as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the page, returning "" on error.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// cloneNode deep-copies n into a detached tree.
func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = make([]html.Attribute, len(n.Attr))
		copy(c.Attr, n.Attr)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneNode(child))
	}
	return c
}
