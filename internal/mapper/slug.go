package mapper

import (
	"fmt"
	"strings"
)

// Slugify lowercases a name and reduces it to dash-separated alphanumeric
// runs. Names with no usable characters fall back to "list".
func Slugify(name string) string {
	slug := make([]rune, 0, len(name))
	lastDash := false
	for _, ch := range strings.ToLower(strings.TrimSpace(name)) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			slug = append(slug, ch)
			lastDash = false
			continue
		}
		if !lastDash {
			slug = append(slug, '-')
			lastDash = true
		}
	}
	text := strings.Trim(string(slug), "-")
	if text == "" {
		text = "list"
	}
	return text
}

// UniqueSlug slugifies name and disambiguates against taken slugs by
// appending -2, -3, ... until free.
func UniqueSlug(name string, taken []string) string {
	base := Slugify(name)
	used := make(map[string]bool, len(taken))
	for _, s := range taken {
		used[s] = true
	}

	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !used[candidate] {
			return candidate
		}
	}
}
