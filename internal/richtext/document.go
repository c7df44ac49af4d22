package richtext

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Document is the result of flattening an editor document.
type Document struct {
	Text string
	// MentionIDs are user IDs from mention nodes, deduplicated.
	MentionIDs []string
}

// blockNodes end with a newline when flattened.
var blockNodes = map[string]bool{
	"paragraph":      true,
	"heading":        true,
	"blockquote":     true,
	"listItem":       true,
	"codeBlock":      true,
	"horizontalRule": true,
}

// FromDocument flattens a TipTap/ProseMirror JSON document into plain text.
// Mention nodes render as @label and contribute their id attribute.
func FromDocument(raw []byte) (*Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid document JSON")
	}
	root := gjson.ParseBytes(raw)
	if root.Get("type").String() != "doc" {
		return nil, fmt.Errorf("document root must be of type doc")
	}

	var b strings.Builder
	seen := make(map[string]bool)
	doc := &Document{MentionIDs: []string{}}

	var walk func(node gjson.Result)
	walk = func(node gjson.Result) {
		switch typ := node.Get("type").String(); typ {
		case "text":
			b.WriteString(node.Get("text").String())
		case "hardBreak":
			b.WriteString("\n")
		case "mention":
			id := node.Get("attrs.id").String()
			label := node.Get("attrs.label").String()
			if label == "" {
				label = id
			}
			b.WriteString("@" + label)
			if id != "" && !seen[id] {
				seen[id] = true
				doc.MentionIDs = append(doc.MentionIDs, id)
			}
		default:
			node.Get("content").ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return true
			})
			if blockNodes[typ] {
				b.WriteString("\n")
			}
		}
	}
	walk(root)

	doc.Text = strings.TrimRight(b.String(), "\n")
	return doc, nil
}
