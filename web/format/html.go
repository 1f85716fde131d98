package format

import (
	"regexp"
	"strings"

	"webllm-chat/web/types"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

var numberedItem = regexp.MustCompile(`^\d+\.\s`)

// ConvertToHTML renders markdown as an HTML fragment.
func ConvertToHTML(text string) string {
	return string(markdown.ToHTML([]byte(normalizeMarkdownLists(text)), newParser(), nil))
}

// TranscriptHTML renders a session as a complete HTML page.
func TranscriptHTML(sess types.ChatSession) string {
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.CompletePage | html.HrefTargetBlank,
		Title: sess.Topic,
	})
	md := normalizeMarkdownLists(Transcript(sess))
	return string(markdown.ToHTML([]byte(md), newParser(), renderer))
}

// Parsers keep state, so every document gets its own.
func newParser() *parser.Parser {
	return parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
}

func isListItem(line string) bool {
	return strings.HasPrefix(line, "- ") ||
		strings.HasPrefix(line, "* ") ||
		strings.HasPrefix(line, "+ ") ||
		numberedItem.MatchString(line)
}

// normalizeMarkdownLists ensures list items have proper spacing for markdown parsing.
// Markdown requires a blank line before lists, but LLMs often forget this.
func normalizeMarkdownLists(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))

	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}

		if !inFence && isListItem(trimmed) && i > 0 {
			prevLine := strings.TrimSpace(lines[i-1])
			if prevLine != "" && !isListItem(prevLine) {
				result = append(result, "")
			}
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
