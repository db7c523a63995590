package extract

import (
	"regexp"
	"strings"

	"github.com/k3a/html2text"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanBody reduces an HTML message body to plain text and collapses
// whitespace runs. Plain-text bodies pass through with the same whitespace
// normalization.
func CleanBody(body string) string {
	if body == "" {
		return ""
	}
	text := body
	if strings.Contains(body, "<") {
		text = html2text.HTML2Text(body)
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}
