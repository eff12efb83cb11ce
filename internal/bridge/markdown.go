package bridge

import (
	"regexp"
	"strings"
)

// emojiShorthand maps the handful of shorthands forge users actually type
// to their unicode forms. Unknown shorthands pass through untouched.
var emojiShorthand = map[string]string{
	"smile":      "\U0001F604",
	"grin":       "\U0001F601",
	"laughing":   "\U0001F606",
	"wink":       "\U0001F609",
	"thumbsup":   "\U0001F44D",
	"+1":         "\U0001F44D",
	"thumbsdown": "\U0001F44E",
	"-1":         "\U0001F44E",
	"heart":      "❤️",
	"tada":       "\U0001F389",
	"rocket":     "\U0001F680",
	"eyes":       "\U0001F440",
	"thinking":   "\U0001F914",
	"warning":    "⚠️",
	"question":   "❓",
	"check":      "✅",
	"x":          "❌",
}

var emojiPattern = regexp.MustCompile(`:([A-Za-z0-9_+-]+):`)

var fencePattern = regexp.MustCompile("(?m)^```[A-Za-z0-9_-]*\\s*$")

// suggestionPattern matches the forge's suggestion blocks, which render as
// a patch proposal rather than a code sample.
var suggestionPattern = regexp.MustCompile("(?s)```suggestion[^\\n]*\\n(.*?)```")

// MarkdownToText flattens forge markdown for a plain-text mail body:
// emoji shorthand becomes the actual codepoint, suggestion blocks become
// labelled inline text, and code fences are unwrapped so the content
// reads as indented text.
func MarkdownToText(body string) string {
	body = suggestionPattern.ReplaceAllStringFunc(body, func(block string) string {
		m := suggestionPattern.FindStringSubmatch(block)
		content := strings.TrimRight(m[1], "\n")
		return "Suggestion:\n\n" + content + "\n"
	})

	body = fencePattern.ReplaceAllString(body, "")

	body = emojiPattern.ReplaceAllStringFunc(body, func(short string) string {
		name := strings.Trim(short, ":")
		if emoji, ok := emojiShorthand[name]; ok {
			return emoji
		}
		return short
	})

	// Collapse the blank runs fence removal leaves behind.
	for strings.Contains(body, "\n\n\n") {
		body = strings.ReplaceAll(body, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(body)
}

var listPrefixPattern = regexp.MustCompile(`^(\s*)([-+*]|\d+\.)(\s)`)

// TextToMarkdown converts a plain-text mail body so it renders verbatim
// as a forge comment: characters the renderer would treat as list or
// emphasis markers are escaped, leading whitespace is protected with
// an entity, and quote runs stay quote runs but separated from
// surrounding text by blank lines.
func TextToMarkdown(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))

	prevQuoted := false
	for _, line := range lines {
		quoted := strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")

		// Separate quote blocks from flowing text so the renderer keeps
		// them as distinct blockquotes.
		if len(out) > 0 && quoted != prevQuoted && strings.TrimSpace(out[len(out)-1]) != "" && strings.TrimSpace(line) != "" {
			out = append(out, "")
		}
		prevQuoted = quoted

		if quoted {
			out = append(out, line)
			continue
		}
		out = append(out, escapeMarkdownLine(line))
	}
	return strings.Join(out, "\n")
}

func escapeMarkdownLine(line string) string {
	// Character escapes first; the list-prefix pass below must not see
	// (or re-escape) backslashes these introduce.
	line = strings.ReplaceAll(line, "*", "\\*")
	line = strings.ReplaceAll(line, "_", "\\_")
	line = strings.ReplaceAll(line, "`", "\\`")

	if m := listPrefixPattern.FindStringSubmatch(line); m != nil {
		rest := line[len(m[0]):]
		line = m[1] + "\\" + m[2] + m[3] + rest
	} else if trimmed := strings.TrimLeft(line, " \t"); trimmed != line && trimmed != "" {
		// Indented lines would render as code blocks; encode the first
		// space so the renderer keeps the text inline.
		line = "&#32;" + line[1:]
	}
	return line
}

// Quote prefixes every line of text with "> " for inclusion in a reply.
func Quote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + line
		}
	}
	return strings.Join(lines, "\n")
}
