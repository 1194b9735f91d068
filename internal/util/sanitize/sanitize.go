// Package sanitize scrubs user- and provider-supplied text before it is
// used as a display title or shown verbatim to a client.
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var htmlPolicy = bluemonday.StrictPolicy()

// Title strips control characters and any HTML markup from s and
// limits it to maxLen runes. Used for agent display titles and other
// short client-facing strings that must never carry a client-rendered
// tag.
func Title(s string, maxLen int) string {
	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	var b strings.Builder
	b.Grow(len(s))
	count := 0
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if count >= maxLen {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String())
}

var (
	reHeading       = regexp.MustCompile(`^#{1,6}\s+`)
	reBold          = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalic        = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	reStrikethrough = regexp.MustCompile(`~~(.+?)~~`)
	reInlineCode    = regexp.MustCompile("`(.+?)`")
	reImageLink     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reWikiLink      = regexp.MustCompile(`\[\[(.+?)\]\]`)
)

// PlanTitle extracts a human-readable title from markdown plan content
// (a provider's plan-mode write-up, or the first turn of a conversation),
// returning the first meaningful line stripped of markdown formatting,
// HTML, and control characters, truncated to 128 runes. Used to derive
// an agent's display title when none was given at creation.
func PlanTitle(content string) string {
	if strings.HasPrefix(content, "---\n") {
		if idx := strings.Index(content[4:], "\n---\n"); idx >= 0 {
			content = content[4+idx+5:]
		} else if strings.HasPrefix(content[4:], "---\n") {
			content = content[8:]
		}
	}

	var line string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return ""
	}

	line = reHeading.ReplaceAllString(line, "")
	line = reBold.ReplaceAllString(line, "${1}${2}")
	line = reItalic.ReplaceAllString(line, "${1}${2}")
	line = reStrikethrough.ReplaceAllString(line, "${1}")
	line = reInlineCode.ReplaceAllString(line, "${1}")
	line = reImageLink.ReplaceAllString(line, "${1}")
	line = reLink.ReplaceAllString(line, "${1}")
	line = reWikiLink.ReplaceAllString(line, "${1}")

	return Title(line, 128)
}
