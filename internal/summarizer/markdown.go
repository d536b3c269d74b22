package summarizer

import (
	"strings"
	"unicode/utf8"
)

const maxTitleRunes = 50

// EnsureMarkdown trims text and, unless it already opens with a heading,
// prepends one built from the first line ("Summary" when that line is
// longer than 50 characters).
func EnsureMarkdown(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "#") {
		return text
	}
	title, _, _ := strings.Cut(text, "\n")
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleRunes {
		title = "Summary"
	}
	return "# " + title + "\n\n" + text
}
