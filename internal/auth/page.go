package auth

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Page is a parsed HTML document from one of the login-flow hosts. The flow
// depends on specific data-* attributes embedded in unversioned third-party
// pages, so all of that brittle lookup is concentrated here and kept swappable
// in tests.
type Page struct {
	root *html.Node
}

// ParsePage parses an HTML response body.
func ParsePage(body []byte) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{root: root}, nil
}

// Element is a single HTML element with attribute access.
type Element struct {
	node *html.Node
}

// Attr returns the named attribute value on the element.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func (p *Page) find(match func(*html.Node) bool) (*Element, bool) {
	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && match(n) {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	if n := walk(p.root); n != nil {
		return &Element{node: n}, true
	}
	return nil, false
}

// FindWithAttr returns the first element carrying the named attribute.
func (p *Page) FindWithAttr(name string) (*Element, bool) {
	return p.find(func(n *html.Node) bool {
		for _, a := range n.Attr {
			if strings.EqualFold(a.Key, name) {
				return true
			}
		}
		return false
	})
}

// Attr returns the value of the named attribute on the first element that
// carries it.
func (p *Page) Attr(name string) (string, bool) {
	el, ok := p.FindWithAttr(name)
	if !ok {
		return "", false
	}
	return el.Attr(name)
}

// FindByID returns the element with the given id attribute.
func (p *Page) FindByID(id string) (*Element, bool) {
	return p.find(func(n *html.Node) bool {
		for _, a := range n.Attr {
			if strings.EqualFold(a.Key, "id") && a.Val == id {
				return true
			}
		}
		return false
	})
}

// Form describes an auto-submitting HTML form (SAML POST/GET binding).
type Form struct {
	Action string
	Method string
	Fields url.Values
}

// Form extracts the first form on the page together with its input
// name/value pairs. Returns false when the page has no form with an action.
func (p *Page) Form() (*Form, bool) {
	el, ok := p.find(func(n *html.Node) bool {
		return strings.EqualFold(n.Data, "form")
	})
	if !ok {
		return nil, false
	}
	action, _ := el.Attr("action")
	if action == "" {
		return nil, false
	}
	method, _ := el.Attr("method")
	method = strings.ToUpper(method)
	if method == "" {
		method = "GET"
	}

	fields := url.Values{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "input") {
			var name, value string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "name":
					name = a.Val
				case "value":
					value = a.Val
				}
			}
			if name != "" {
				fields.Set(name, value)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(el.node)

	return &Form{Action: action, Method: method, Fields: fields}, true
}
