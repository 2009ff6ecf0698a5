package campaign

import (
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)
	blankRunRe    = regexp.MustCompile(`[ \t]+`)
	lineEdgeRe    = regexp.MustCompile(`[ \t]*\n[ \t]*`)
)

// Render substitutes {name} placeholders from vars. Unknown placeholders
// are dropped and the whitespace they leave behind is collapsed.
func Render(tmpl string, vars map[string]string) string {
	if tmpl == "" {
		return ""
	}
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
	out = blankRunRe.ReplaceAllString(out, " ")
	out = lineEdgeRe.ReplaceAllString(out, "\n")
	return strings.TrimSpace(out)
}
