// Package differ compares two snapshots of recorded stage state.
package differ

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Options configures the differ.
type Options struct {
	// IgnoreInputs compares only what the stages published.
	IgnoreInputs bool
	// ShowValues includes old and new values of modified handles.
	ShowValues bool
}

// Result contains the difference between two snapshots.
type Result struct {
	Diff    wetwire.StateDiff   `json:"diff"`
	Summary wetwire.DiffSummary `json:"summary"`
}

// Compare compares two snapshots and returns differences. Records are
// matched by stage name.
func Compare(before, after []wetwire.StageRecord, opts Options) (*Result, error) {
	result := &Result{}

	recs1, err := index(before)
	if err != nil {
		return nil, err
	}
	recs2, err := index(after)
	if err != nil {
		return nil, err
	}

	// Find added stages (in after but not in before)
	for name, rec := range recs2 {
		if _, exists := recs1[name]; !exists {
			result.Diff.Added = append(result.Diff.Added, wetwire.DiffEntry{
				Stage:   name,
				Changes: handleNames("outputs", rec.Outputs),
			})
		}
	}

	// Find removed stages (in before but not in after)
	for name := range recs1 {
		if _, exists := recs2[name]; !exists {
			result.Diff.Removed = append(result.Diff.Removed, wetwire.DiffEntry{Stage: name})
		}
	}

	// Find modified stages
	for name, rec1 := range recs1 {
		if rec2, exists := recs2[name]; exists {
			changes := compareHandles("outputs", rec1.Outputs, rec2.Outputs, opts)
			if !opts.IgnoreInputs {
				changes = append(changes, compareHandles("inputs", rec1.Inputs, rec2.Inputs, opts)...)
			}
			changes = append(changes, compareHandles("config", rec1.Config, rec2.Config, opts)...)
			if len(changes) > 0 {
				result.Diff.Modified = append(result.Diff.Modified, wetwire.DiffEntry{
					Stage:   name,
					Changes: changes,
				})
			}
		}
	}

	// Sort entries for consistent output
	sortEntries(result.Diff.Added)
	sortEntries(result.Diff.Removed)
	sortEntries(result.Diff.Modified)

	result.Summary = wetwire.DiffSummary{
		Added:    len(result.Diff.Added),
		Removed:  len(result.Diff.Removed),
		Modified: len(result.Diff.Modified),
	}
	result.Summary.Total = result.Summary.Added + result.Summary.Removed + result.Summary.Modified

	return result, nil
}

// CompareFiles compares two snapshot files.
func CompareFiles(file1, file2 string, opts Options) (*Result, error) {
	s1, err := LoadSnapshot(file1)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", file1, err)
	}

	s2, err := LoadSnapshot(file2)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", file2, err)
	}

	return Compare(s1, s2, opts)
}

// LoadSnapshot loads the stage records written by `wetwire-vpn state show`.
func LoadSnapshot(path string) ([]wetwire.StageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var recs []wetwire.StageRecord

	// Try JSON first
	if err := json.Unmarshal(data, &recs); err != nil {
		recs = nil
		if err := yaml.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("failed to parse as JSON or YAML: %w", err)
		}
	}

	return recs, nil
}

func index(recs []wetwire.StageRecord) (map[string]wetwire.StageRecord, error) {
	out := make(map[string]wetwire.StageRecord, len(recs))
	for _, rec := range recs {
		if rec.Stage == "" {
			return nil, fmt.Errorf("record without a stage name")
		}
		if _, dup := out[rec.Stage]; dup {
			return nil, fmt.Errorf("stage %s recorded twice", rec.Stage)
		}
		out[rec.Stage] = rec
	}
	return out, nil
}

// compareHandles compares two handle sets and returns changes.
func compareHandles(prefix string, h1, h2 wetwire.Handles, opts Options) []string {
	var changes []string

	// Find added/modified handles
	for key, val2 := range h2 {
		path := prefix + "." + key
		if val1, exists := h1[key]; exists {
			if val1 != val2 {
				if opts.ShowValues {
					changes = append(changes, fmt.Sprintf("%s modified: %s → %s", path, val1, val2))
				} else {
					changes = append(changes, fmt.Sprintf("%s modified", path))
				}
			}
		} else {
			changes = append(changes, fmt.Sprintf("%s added", path))
		}
	}

	// Find removed handles
	for key := range h1 {
		if _, exists := h2[key]; !exists {
			changes = append(changes, fmt.Sprintf("%s.%s removed", prefix, key))
		}
	}

	sort.Strings(changes)
	return changes
}

func handleNames(prefix string, h wetwire.Handles) []string {
	var out []string
	for _, name := range h.Names() {
		out = append(out, prefix+"."+name)
	}
	return out
}

// sortEntries sorts diff entries by stage name.
func sortEntries(entries []wetwire.DiffEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stage < entries[j].Stage
	})
}
