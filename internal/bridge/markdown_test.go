package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownToTextEmoji(t *testing.T) {
	assert.Equal(t, "Nice work \U0001F44D", MarkdownToText("Nice work :thumbsup:"))
	assert.Equal(t, "\U0001F604", MarkdownToText(":smile:"))
	// Unknown shorthands pass through.
	assert.Equal(t, ":frobnicate:", MarkdownToText(":frobnicate:"))
}

func TestMarkdownToTextUnwrapsFences(t *testing.T) {
	in := "Before.\n\n```java\nint x = 1;\n```\n\nAfter."
	out := MarkdownToText(in)

	assert.NotContains(t, out, "```")
	assert.Contains(t, out, "int x = 1;")
}

func TestMarkdownToTextSuggestionBlocks(t *testing.T) {
	in := "Consider this:\n\n```suggestion\nreturn cached;\n```\n"
	out := MarkdownToText(in)

	assert.Contains(t, out, "Suggestion:")
	assert.Contains(t, out, "return cached;")
	assert.NotContains(t, out, "```")
}

func TestTextToMarkdownEscapesListPrefixes(t *testing.T) {
	out := TextToMarkdown("- not a bullet\n* also not\n1. nor this")

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, `\`), "line %q should be escaped", line)
	}
}

func TestTextToMarkdownEscapesEmphasis(t *testing.T) {
	out := TextToMarkdown("a *starred* and _underscored_ and `ticked` word")
	assert.Equal(t, `a \*starred\* and \_underscored\_ and `+"\\`"+`ticked`+"\\`"+` word`, out)
}

func TestTextToMarkdownPreservesQuoteRuns(t *testing.T) {
	in := "Intro line\n> quoted one\n> quoted two\nOutro line"
	out := TextToMarkdown(in)

	lines := strings.Split(out, "\n")
	// Blank lines separate the quote block from the flowing text.
	assert.Equal(t, []string{
		"Intro line",
		"",
		"> quoted one",
		"> quoted two",
		"",
		"Outro line",
	}, lines)
}

func TestTextToMarkdownProtectsIndentation(t *testing.T) {
	out := TextToMarkdown("    indented text")
	assert.True(t, strings.HasPrefix(out, "&#32;"), "got %q", out)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "> line one\n>\n> line two", Quote("line one\n\nline two\n"))
}
