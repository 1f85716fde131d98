package prompts

import (
	_ "embed"
	"strings"
)

// Embedded prompt files

//go:embed system.txt
var systemTemplate string

//go:embed summarize_memory.txt
var summarizeMemory string

//go:embed title_generator.txt
var titleGenerator string

const (
	historyPrefix = "This is a summary of the chat history as a recap: "
	genericError  = "Something went wrong, please try again later."
)

func SystemTemplate() string  { return "\n" + systemTemplate }
func SummarizeMemory() string { return strings.TrimSpace(summarizeMemory) }
func TitleGenerator() string  { return strings.TrimSpace(titleGenerator) }
func GenericError() string    { return genericError }

// History renders the long-term memory message body.
func History(memory string) string {
	return historyPrefix + memory
}
