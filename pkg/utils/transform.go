package utils

import (
	"slices"
	"strings"
)

// SortedUnique returns the non-empty values of in, deduplicated and in ascending order.
func SortedUnique(in ...string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}
