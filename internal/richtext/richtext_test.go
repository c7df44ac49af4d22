package richtext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Segments(t *testing.T) {
	got := Parse("hi @Alice and #Go! see https://x.io/a.")

	want := []Segment{
		{Kind: KindText, Text: "hi "},
		{Kind: KindMention, Text: "@Alice", Value: "alice"},
		{Kind: KindText, Text: " and "},
		{Kind: KindHashtag, Text: "#Go", Value: "go"},
		{Kind: KindText, Text: "! see "},
		{Kind: KindLink, Text: "https://x.io/a", Value: "https://x.io/a"},
		{Kind: KindText, Text: "."},
	}
	assert.Equal(t, want, got)
}

func TestParse_NotTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"email address", "write to a@b.com"},
		{"numeric hashtag", "issue #123"},
		{"path fragment", "see /docs#intro"},
		{"double sigil", "@@nobody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := Parse(tt.in)
			require.Len(t, segs, 1)
			assert.Equal(t, KindText, segs[0].Kind)
			assert.Equal(t, tt.in, segs[0].Text)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	assert.Empty(t, Parse(""))
}

func TestMentionsAndHashtags_Dedupe(t *testing.T) {
	text := "@bob hi @Bob, #news and #NEWS with @carol"
	assert.Equal(t, []string{"bob", "carol"}, Mentions(text))
	assert.Equal(t, []string{"news"}, Hashtags(text))
	assert.Equal(t, []string{}, Links(text))
}

func TestRenderHTML_Escapes(t *testing.T) {
	got := RenderHTML("<b>@bob</b>\nline")
	assert.Equal(t, `&lt;b&gt;<a class="mention" href="/u/bob">@bob</a>&lt;/b&gt;<br>line`, got)
}

func TestRenderHTML_Link(t *testing.T) {
	got := RenderHTML("go https://example.com/?a=1&b=2")
	assert.Contains(t, got, `href="https://example.com/?a=1&amp;b=2"`)
	assert.Contains(t, got, `rel="nofollow noopener noreferrer"`)
}

func TestTrimLinkPunctuation(t *testing.T) {
	assert.Equal(t, "https://en.wikipedia.org/wiki/Go_(language)", trimLinkPunctuation("https://en.wikipedia.org/wiki/Go_(language)"))
	assert.Equal(t, "https://x.io", trimLinkPunctuation("https://x.io),"))
}

func TestFromDocument(t *testing.T) {
	raw := []byte(`{
		"type": "doc",
		"content": [
			{"type": "paragraph", "content": [
				{"type": "text", "text": "Hello "},
				{"type": "mention", "attrs": {"id": "u-1", "label": "alice"}},
				{"type": "text", "text": "!"}
			]},
			{"type": "paragraph", "content": [
				{"type": "text", "text": "again "},
				{"type": "mention", "attrs": {"id": "u-1", "label": "alice"}},
				{"type": "hardBreak"},
				{"type": "text", "text": "bye"}
			]}
		]
	}`)

	doc, err := FromDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello @alice!\nagain @alice\nbye", doc.Text)
	assert.Equal(t, []string{"u-1"}, doc.MentionIDs)
}

func TestFromDocument_Rejects(t *testing.T) {
	_, err := FromDocument([]byte(`{"type":`))
	assert.Error(t, err)
	_, err = FromDocument([]byte(`{"type":"paragraph"}`))
	assert.Error(t, err)
}
