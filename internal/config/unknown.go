package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys lists the valid keys of each top-level section.
var knownSectionKeys = map[string][]string{
	"archive": {
		"device_id", "device_name", "probe_timeout", "request_timeout", "url", "user_agent",
	},
	"transfers": {"bandwidth_limit", "chunk_size", "parallel_transfers", "watch_settle"},
	"migration": {"handle_ttl", "parallel_reports", "report_attempts"},
	"logging":   {"log_file", "log_format", "log_level"},
	"storage":   {"state_db"},
}

// knownPartitionKeys are the valid keys inside a [partition.N] table.
var knownPartitionKeys = []string{"media_dir"}

// knownSections is the sorted list of section names, partition included,
// for Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
var knownSections = func() []string {
	names := []string{partitionSection}
	for k := range knownSectionKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

const partitionSection = "partition"

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := unknownKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. Tables whose own children
// are reported separately return nil.
func unknownKeyError(key toml.Key) error {
	switch {
	case len(key) == 1:
		if _, ok := knownSectionKeys[key[0]]; ok || key[0] == partitionSection {
			return nil
		}

		return suggest("unknown config section", key[0], knownSections)

	case key[0] == partitionSection:
		if len(key) < 3 {
			return nil
		}

		return suggest(fmt.Sprintf("unknown key in [partition.%s]", key[1]), key[2], knownPartitionKeys)

	default:
		known, ok := knownSectionKeys[key[0]]
		if !ok {
			return nil // reported with the section itself
		}

		return suggest(fmt.Sprintf("unknown config key in [%s]", key[0]), key[1], known)
	}
}

func suggest(prefix, name string, known []string) error {
	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("%s %q: did you mean %q?", prefix, name, suggestion)
	}

	return fmt.Errorf("%s %q", prefix, name)
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

	// Use single-row optimization to avoid allocating a full matrix.
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

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
