package format

import (
	"fmt"
	"strings"

	"webllm-chat/web/types"
)

var roleTitles = map[types.Role]string{
	types.RoleUser:      "User",
	types.RoleAssistant: "Assistant",
	types.RoleSystem:    "System",
}

// ThinkToMarkdown turns thinking blocks into blockquotes. Empty blocks are
// dropped and an unclosed block is left as is.
func ThinkToMarkdown(text string) string {
	var out strings.Builder
	for {
		content, before, after, found := ExtractTagContent(text, ThinkTag)
		if !found {
			out.WriteString(text)
			break
		}
		out.WriteString(before)
		if content != "" {
			for _, line := range strings.Split(content, "\n") {
				out.WriteString(strings.TrimRight("> "+line, " "))
				out.WriteString("\n")
			}
			out.WriteString("\n")
		}
		text = after
	}
	return strings.TrimSpace(out.String())
}

func messageHeading(m types.ChatMessage) string {
	title, ok := roleTitles[m.Role]
	if !ok {
		title = string(m.Role)
	}
	if m.Role == types.RoleAssistant && m.Model != "" {
		title += " (" + m.Model + ")"
	}
	if m.IsError {
		title += ", failed"
	}
	return "**" + title + ":**"
}

// Transcript renders a session as markdown: the topic as a heading and
// each message under its role.
func Transcript(sess types.ChatSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sess.Topic)
	for _, m := range sess.Messages {
		b.WriteString(messageHeading(m))
		b.WriteString("\n\n")
		if text := ThinkToMarkdown(m.Content.String()); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
		for _, img := range m.Content.Images() {
			if img.ImageURL != nil {
				fmt.Fprintf(&b, "![image](%s)\n\n", img.ImageURL.URL)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
