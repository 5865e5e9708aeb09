package domain

import "strings"

// MergeContext folds updates into an existing conversation context without
// losing anything a previous bot learned. A key already present is only
// replaced by a non-empty value; empty or whitespace-only updates are
// dropped. The inputs are never mutated.
func MergeContext(existing, updates map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(updates))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range updates {
		if strings.TrimSpace(value) == "" {
			continue
		}
		merged[key] = value
	}
	return merged
}
