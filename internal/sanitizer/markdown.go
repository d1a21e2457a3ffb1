// Package sanitizer renders chat message markdown to HTML that is safe to
// inject into a client page.
package sanitizer

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MessageRenderer turns raw message content into sanitized HTML.
type MessageRenderer interface {
	// Render converts markdown to sanitized HTML.
	Render(markdown string) string
	// Sanitize applies the HTML policy to already rendered content.
	Sanitize(html string) string
}

// MarkdownRenderer implements MessageRenderer with a small markdown subset
// and a bluemonday policy.
//
// Supported: paragraphs, line breaks, fenced code blocks, `code`, **strong**,
// *emphasis*, ~~strike~~ and [text](http://link).
type MarkdownRenderer struct {
	policy *bluemonday.Policy
}

var (
	codeSpanRegex = regexp.MustCompile("`([^`\n]+)`")
	linkRegex     = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^\s)]+)\)`)
	strongRegex   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	emRegex       = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikeRegex   = regexp.MustCompile(`~~([^~\n]+)~~`)
	blankRegex    = regexp.MustCompile(`\n[ \t]*\n`)
)

const fence = "```"

// NewMarkdownRenderer creates a renderer with the user generated content policy.
func NewMarkdownRenderer() *MarkdownRenderer {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("p", "br", "pre", "code", "strong", "em", "del", "a")
	policy.AllowAttrs("href").OnElements("a")
	policy.RequireNoFollowOnLinks(true)
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	policy.AllowURLSchemes("http", "https", "mailto")

	return &MarkdownRenderer{policy: policy}
}

// Render converts markdown to sanitized HTML. Raw HTML in the input is
// escaped, never interpreted.
func (r *MarkdownRenderer) Render(markdown string) string {
	text := strings.TrimSpace(strings.ReplaceAll(markdown, "\r\n", "\n"))
	if text == "" {
		return ""
	}

	var out strings.Builder
	for i, block := range splitFences(text) {
		if i%2 == 1 {
			out.WriteString("<pre><code>")
			out.WriteString(html.EscapeString(strings.Trim(block, "\n")))
			out.WriteString("</code></pre>")
			continue
		}
		for _, para := range blankRegex.Split(block, -1) {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			out.WriteString("<p>")
			out.WriteString(strings.ReplaceAll(renderInline(para), "\n", "<br>"))
			out.WriteString("</p>")
		}
	}

	return r.Sanitize(out.String())
}

// Sanitize applies the HTML policy.
func (r *MarkdownRenderer) Sanitize(content string) string {
	if content == "" {
		return ""
	}
	return r.policy.Sanitize(content)
}

// splitFences returns text and fenced code alternately, text first.
// An unterminated fence is treated as text.
func splitFences(text string) []string {
	parts := strings.Split(text, fence)
	if len(parts)%2 == 0 {
		last := len(parts) - 2
		parts[last] = parts[last] + fence + parts[last+1]
		parts = parts[:last+1]
	}
	for i := 1; i < len(parts); i += 2 {
		// drop the info string after the opening fence
		if nl := strings.IndexByte(parts[i], '\n'); nl >= 0 {
			parts[i] = parts[i][nl+1:]
		}
	}
	return parts
}

// renderInline formats one paragraph. Code spans are rendered verbatim.
func renderInline(para string) string {
	var out strings.Builder
	rest := para
	for {
		loc := codeSpanRegex.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(formatText(rest))
			return out.String()
		}
		out.WriteString(formatText(rest[:loc[0]]))
		out.WriteString("<code>")
		out.WriteString(html.EscapeString(rest[loc[2]:loc[3]]))
		out.WriteString("</code>")
		rest = rest[loc[1]:]
	}
}

func formatText(s string) string {
	s = html.EscapeString(s)
	s = linkRegex.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = strongRegex.ReplaceAllString(s, "<strong>$1</strong>")
	s = emRegex.ReplaceAllString(s, "<em>$1</em>")
	s = strikeRegex.ReplaceAllString(s, "<del>$1</del>")
	return s
}
