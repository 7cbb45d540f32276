package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// Humanize converts an enum code such as PARENT_GUARDIAN into a display
// label ("Parent Guardian") for API payloads.
func Humanize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	return titleCaser.String(strings.ToLower(strings.ReplaceAll(code, "_", " ")))
}
