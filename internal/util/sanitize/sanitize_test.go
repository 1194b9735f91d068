package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "bash", 100, "bash"},
		{"with control chars", "ba\x00sh\x07", 100, "bash"},
		{"truncate", "very long title", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語タイトル", 100, "日本語タイトル"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Title(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Title(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestPlanTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"h1", "# My Plan", "My Plan"},
		{"h6", "###### Deepest heading", "Deepest heading"},
		{"no heading marker", "Just a plain title", "Just a plain title"},
		{"frontmatter", "---\ntitle: Plan\ntags: [a, b]\n---\n# Real Title", "Real Title"},
		{"empty frontmatter", "---\n---\n# Title After Empty Frontmatter", "Title After Empty Frontmatter"},
		{"bold asterisks", "# **Bold Title**", "Bold Title"},
		{"italic underscores", "# _Italic Title_", "Italic Title"},
		{"strikethrough", "# ~~Struck Title~~", "Struck Title"},
		{"inline code", "# `Code Title`", "Code Title"},
		{"markdown link", "# [Link Text](https://example.com)", "Link Text"},
		{"wiki link", "# [[Wiki Page]]", "Wiki Page"},
		{"image link", "# ![Alt Text](image.png)", "Alt Text"},
		{"html tags", "# <em>HTML</em> Title", "HTML Title"},
		{"script tag", "# <script>alert('xss')</script>Clean", "Clean"},
		{"empty content", "", ""},
		{"whitespace only", "   \n  \n  ", ""},
		{"truncation at 128", "# " + strings.Repeat("A", 200), strings.Repeat("A", 128)},
		{"real plan title", "---\nid: abc123\n---\n\n# Add authentication to the API\n\n## Overview\n...", "Add authentication to the API"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanTitle(tt.content)
			assert.Equal(t, tt.want, got)
		})
	}
}
