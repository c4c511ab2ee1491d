package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys per section. Top-level keys outside these
// sections are never valid.
var knownKeys = map[string][]string{
	"storage": {"db_path"},
	"sync": {
		"interval", "debounce", "max_concurrent", "token_safety_margin",
		"apply_timeout", "tombstone_retention", "shutdown_timeout",
	},
	"retry":   {"backoff_base", "backoff_max", "max_retries", "max_version_conflicts"},
	"remote":  {"client_id", "client_secret", "requests_per_second", "burst", "timeout", "user_agent"},
	"server":  {"listen"},
	"logging": {"log_level", "log_file", "log_format", "log_retention_days", "log_max_size_mb"},
}

// knownSectionsList is the sorted section list for Levenshtein matching.
var knownSectionsList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, suggesting
// the closest section or the closest key within a known section.
func buildKeyError(keyStr string) error {
	parts := strings.SplitN(keyStr, ".", 2)
	section := parts[0]

	fields, ok := knownKeys[section]
	if !ok || len(parts) == 1 {
		if suggestion := closestMatch(section, knownSectionsList); suggestion != "" && suggestion != section {
			return fmt.Errorf("unknown config section %q, did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config key %q", keyStr)
	}

	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)

	if suggestion := closestMatch(parts[1], sorted); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", parts[1], section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", parts[1], section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
