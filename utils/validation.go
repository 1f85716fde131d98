package utils

import (
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._\s-]`)

// SanitizeFilename cleans filename for use in a download header by removing
// dangerous characters and limiting length. It trims spaces and dots, removes
// parent directory references, and filters out non-alphanumeric characters
// except for safe punctuation.
func SanitizeFilename(filename string) string {
	sanitized := strings.Trim(filename, " .")
	sanitized = strings.ReplaceAll(sanitized, "..", "")
	sanitized = unsafeFilenameChars.ReplaceAllString(sanitized, "")
	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > 255 {
		sanitized = sanitized[:255]
	}
	return sanitized
}

// ExportFilename names a transcript download after its topic, falling back
// to the session id when nothing safe is left of the topic.
func ExportFilename(topic, sessionID, ext string) string {
	name := SanitizeFilename(topic)
	if name == "" {
		name = sessionID
	}
	if len(name)+len(ext)+1 > 255 {
		name = name[:255-len(ext)-1]
	}
	return name + "." + ext
}
