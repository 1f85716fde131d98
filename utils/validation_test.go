package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "New Conversation", "New Conversation"},
		{"traversal", "../../etc/passwd", "etcpasswd"},
		{"quotes", `say "hi"; rm`, "say hi rm"},
		{"dots", " .hidden. ", "hidden"},
		{"unicode", "日本語", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "Trip plans.md", ExportFilename("Trip plans", "abc", "md"))
	assert.Equal(t, "abc.html", ExportFilename("日本語", "abc", "html"))

	long := ExportFilename(strings.Repeat("a", 300), "abc", "md")
	assert.Len(t, long, 255)
	assert.True(t, strings.HasSuffix(long, ".md"))
}
