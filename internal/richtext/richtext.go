// Package richtext converts between care note text and the ProseMirror-style
// JSON tree the editor stores alongside each version.
package richtext

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is a node in the ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a text formatting mark.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// FromText builds a doc with one paragraph per line. Blank lines become empty
// paragraphs so PlainText round-trips.
func FromText(text string) Node {
	doc := Node{Type: "doc"}
	for _, line := range strings.Split(text, "\n") {
		p := Node{Type: "paragraph"}
		if line != "" {
			p.Content = []Node{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, p)
	}
	return doc
}

func Parse(raw []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("parse rich text: %w", err)
	}
	if n.Type == "" {
		return Node{}, fmt.Errorf("parse rich text: missing node type")
	}
	return n, nil
}

func Marshal(n Node) (json.RawMessage, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal rich text: %w", err)
	}
	return raw, nil
}

// PlainText flattens a tree, separating block nodes with newlines.
func PlainText(n Node) string {
	switch n.Type {
	case "text":
		return n.Text
	case "hardBreak":
		return "\n"
	case "doc", "bulletList", "orderedList", "blockquote", "listItem", "table", "tableRow":
		parts := make([]string, 0, len(n.Content))
		for _, child := range n.Content {
			parts = append(parts, PlainText(child))
		}
		return strings.Join(parts, "\n")
	default:
		var b strings.Builder
		for _, child := range n.Content {
			b.WriteString(PlainText(child))
		}
		return b.String()
	}
}

// HTML renders a tree for the version history view.
func HTML(n Node) string {
	var b strings.Builder
	render(&b, n)
	return b.String()
}

func render(b *strings.Builder, n Node) {
	switch n.Type {
	case "doc":
		renderChildren(b, n)
	case "paragraph":
		b.WriteString("<p>")
		renderChildren(b, n)
		b.WriteString("</p>\n")
	case "heading":
		level := 1
		if lvl, ok := n.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderChildren(b, n)
		fmt.Fprintf(b, "</h%d>\n", level)
	case "bulletList":
		wrap(b, n, "<ul>\n", "</ul>\n")
	case "orderedList":
		wrap(b, n, "<ol>\n", "</ol>\n")
	case "listItem":
		wrap(b, n, "<li>", "</li>\n")
	case "blockquote":
		wrap(b, n, "<blockquote>\n", "</blockquote>\n")
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	case "text":
		b.WriteString(renderText(n.Text, n.Marks))
	default:
		renderChildren(b, n)
	}
}

func wrap(b *strings.Builder, n Node, open, close string) {
	b.WriteString(open)
	renderChildren(b, n)
	b.WriteString(close)
}

func renderChildren(b *strings.Builder, n Node) {
	for _, child := range n.Content {
		render(b, child)
	}
}

func renderText(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "code":
			out = "<code>" + out + "</code>"
		}
	}
	return out
}
