// Package template renders message bodies by plain placeholder substitution.
// Placeholders look like {{key}}; unknown keys are left untouched so a bad
// template degrades visibly instead of silently dropping text.
package template

import "strings"

func Render(body string, ctx map[string]string) string {
	if len(ctx) == 0 || !strings.Contains(body, "{{") {
		return body
	}
	out := body
	for k, v := range ctx {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
