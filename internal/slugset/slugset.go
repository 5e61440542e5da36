package slugset

import (
	"sort"
	"strings"
)

func Normalize(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// NormalizeList lower-cases, drops blanks, dedupes and sorts.
func NormalizeList(slugs []string) []string {
	if len(slugs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(slugs))
	out := make([]string, 0, len(slugs))
	for _, raw := range slugs {
		s := Normalize(raw)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func Contains(list []string, slug string) bool {
	slug = Normalize(slug)
	for _, s := range list {
		if s == slug {
			return true
		}
	}
	return false
}

// With returns list plus slug, normalized.
func With(list []string, slug string) []string {
	next := make([]string, 0, len(list)+1)
	next = append(next, list...)
	next = append(next, slug)
	return NormalizeList(next)
}

// Without returns list minus slug, normalized.
func Without(list []string, slug string) []string {
	slug = Normalize(slug)
	next := make([]string, 0, len(list))
	for _, s := range list {
		if Normalize(s) == slug {
			continue
		}
		next = append(next, s)
	}
	return NormalizeList(next)
}
