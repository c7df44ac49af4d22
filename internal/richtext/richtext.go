// Package richtext tokenizes post and message bodies into plain text,
// @mentions, #hashtags and links, and renders them as safe HTML.
package richtext

import (
	"html"
	"regexp"
	"strings"
)

// Segment kinds.
const (
	KindText    = "text"
	KindMention = "mention"
	KindHashtag = "hashtag"
	KindLink    = "link"
)

// Segment is one run of a parsed body. Value is the normalized payload: the
// lower-cased username or tag, or the URL.
type Segment struct {
	Kind  string `json:"kind"`
	Text  string `json:"text"`
	Value string `json:"value,omitempty"`
}

// A mention or hashtag must start the text or follow a character that
// cannot be part of a word, so "a@b.com" is not a mention.
var tokenPattern = regexp.MustCompile(`https?://[^\s<>"]+|(?:^|[^\w@#/])([@#])(\w{1,64})`)

// Parse splits text into segments. Adjacent text is merged.
func Parse(text string) []Segment {
	var segs []Segment
	appendText := func(s string) {
		if s == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].Kind == KindText {
			segs[n-1].Text += s
			return
		}
		segs = append(segs, Segment{Kind: KindText, Text: s})
	}

	last := 0
	for _, m := range tokenPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if m[2] < 0 {
			link := trimLinkPunctuation(text[start:end])
			end = start + len(link)
			appendText(text[last:start])
			segs = append(segs, Segment{Kind: KindLink, Text: link, Value: link})
			last = end
			continue
		}

		sigil := text[m[2]:m[3]]
		word := text[m[4]:m[5]]
		if sigil == "#" && !startsWithLetter(word) {
			continue
		}
		if sigil == "@" && len(word) > 30 {
			continue
		}

		appendText(text[last:m[2]])
		kind := KindMention
		if sigil == "#" {
			kind = KindHashtag
		}
		segs = append(segs, Segment{Kind: kind, Text: sigil + word, Value: strings.ToLower(word)})
		last = m[5]
	}
	appendText(text[last:])
	return segs
}

// Mentions returns the distinct mentioned usernames in order of first
// appearance.
func Mentions(text string) []string {
	return collect(Parse(text), KindMention)
}

// Hashtags returns the distinct hashtags in order of first appearance.
func Hashtags(text string) []string {
	return collect(Parse(text), KindHashtag)
}

// Links returns the distinct URLs in order of first appearance.
func Links(text string) []string {
	return collect(Parse(text), KindLink)
}

func collect(segs []Segment, kind string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, s := range segs {
		if s.Kind == kind && !seen[s.Value] {
			seen[s.Value] = true
			out = append(out, s.Value)
		}
	}
	return out
}

// RenderHTML renders text with every segment HTML-escaped. Newlines become
// <br>.
func RenderHTML(text string) string {
	var b strings.Builder
	for _, s := range Parse(text) {
		switch s.Kind {
		case KindMention:
			b.WriteString(`<a class="mention" href="/u/` + html.EscapeString(s.Value) + `">` + html.EscapeString(s.Text) + `</a>`)
		case KindHashtag:
			b.WriteString(`<a class="hashtag" href="/tags/` + html.EscapeString(s.Value) + `">` + html.EscapeString(s.Text) + `</a>`)
		case KindLink:
			b.WriteString(`<a href="` + html.EscapeString(s.Value) + `" rel="nofollow noopener noreferrer" target="_blank">` + html.EscapeString(s.Text) + `</a>`)
		default:
			b.WriteString(strings.ReplaceAll(html.EscapeString(s.Text), "\n", "<br>"))
		}
	}
	return b.String()
}

func trimLinkPunctuation(s string) string {
	for len(s) > 0 {
		switch s[len(s)-1] {
		case '.', ',', ';', ':', '!', '?', '\'', ')':
			if s[len(s)-1] == ')' && strings.Count(s, "(") >= strings.Count(s, ")") {
				return s
			}
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

func startsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
