// Package format renders sessions as markdown and HTML transcripts.
package format

import "strings"

const TagThink = "think"

// Tag represents an XML-like marker models emit inside replies.
type Tag struct {
	Name     string // Internal name
	OpenTag  string // Opening tag string (e.g., "<think>")
	CloseTag string // Closing tag string (e.g., "</think>")
}

var (
	ThinkTag = Tag{
		Name:     TagThink,
		OpenTag:  "<think>",
		CloseTag: "</think>",
	}

	// AllTags contains all tags for iteration
	AllTags = []Tag{ThinkTag}
)

// HasTag checks if text contains a specific tag (opening or closing).
func HasTag(text string, tag Tag) bool {
	return strings.Contains(text, tag.OpenTag) || strings.Contains(text, tag.CloseTag)
}

// ExtractTagContent extracts content between the first opening and closing
// tags. It also returns the text that surrounds the block.
func ExtractTagContent(text string, tag Tag) (content, before, after string, found bool) {
	startIdx := strings.Index(text, tag.OpenTag)
	if startIdx == -1 {
		return "", text, "", false
	}

	endIdx := strings.Index(text[startIdx:], tag.CloseTag)
	if endIdx == -1 {
		return "", text, "", false
	}

	contentStart := startIdx + len(tag.OpenTag)
	contentEnd := startIdx + endIdx

	return strings.TrimSpace(text[contentStart:contentEnd]), text[:startIdx], text[contentEnd+len(tag.CloseTag):], true
}

// StripTag removes a specific tag (both opening and closing) from text.
func StripTag(text string, tag Tag) string {
	text = strings.ReplaceAll(text, tag.OpenTag, "")
	text = strings.ReplaceAll(text, tag.CloseTag, "")
	return text
}

// StripAllTags removes all known tags from text.
func StripAllTags(text string) string {
	for _, tag := range AllTags {
		text = StripTag(text, tag)
	}
	return text
}
