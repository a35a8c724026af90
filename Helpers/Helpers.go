// Package Helpers collects small string utilities shared by the source
// fetchers, adapted from the teacher's App/Helpers (StringHandling.go,
// Math.go): case-insensitive substring matching and order-preserving
// deduplication, generalized from HTTP-response keyword sniffing to
// advisory-text and CVE-ID-list processing.
package Helpers

import "strings"

// ContainsAny reports whether any of subs appears in s, case-insensitively.
func ContainsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(strings.ToLower(s), strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// RemoveDuplicates returns slice with duplicates removed, preserving the
// order of first occurrence.
func RemoveDuplicates(slice []string) []string {
	seen := make(map[string]bool, len(slice))
	result := make([]string, 0, len(slice))
	for _, item := range slice {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}
