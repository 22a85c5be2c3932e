package differ

import (
	"os"
	"path/filepath"
	"testing"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

func TestCompare(t *testing.T) {
	before := []wetwire.StageRecord{
		{Stage: "network-a", Outputs: wetwire.Handles{"network-a.network_id": "vpc-1"}},
		{Stage: "endpoint-a", Outputs: wetwire.Handles{"endpoint-a.public_ip": "52.95.110.10"}},
	}
	after := []wetwire.StageRecord{
		{Stage: "network-a", Outputs: wetwire.Handles{"network-a.network_id": "vpc-2"}},
		{Stage: "network-b", Outputs: wetwire.Handles{"network-b.network_id": "vpc-3"}},
	}

	result, err := Compare(before, after, Options{})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	// endpoint-a was removed
	if len(result.Diff.Removed) != 1 {
		t.Errorf("Removed = %d, want 1", len(result.Diff.Removed))
	} else if result.Diff.Removed[0].Stage != "endpoint-a" {
		t.Errorf("Removed[0].Stage = %s, want endpoint-a", result.Diff.Removed[0].Stage)
	}

	// network-b was added
	if len(result.Diff.Added) != 1 {
		t.Errorf("Added = %d, want 1", len(result.Diff.Added))
	} else if result.Diff.Added[0].Stage != "network-b" {
		t.Errorf("Added[0].Stage = %s, want network-b", result.Diff.Added[0].Stage)
	}

	// network-a was modified
	if len(result.Diff.Modified) != 1 {
		t.Errorf("Modified = %d, want 1", len(result.Diff.Modified))
	} else if got := result.Diff.Modified[0].Changes; len(got) != 1 || got[0] != "outputs.network-a.network_id modified" {
		t.Errorf("Modified[0].Changes = %v", got)
	}

	if result.Summary.Total != 3 {
		t.Errorf("Summary.Total = %d, want 3", result.Summary.Total)
	}
}

func TestCompareIdentical(t *testing.T) {
	snapshot := []wetwire.StageRecord{
		{Stage: "network-a", Outputs: wetwire.Handles{"network-a.network_id": "vpc-1"}},
	}

	result, err := Compare(snapshot, snapshot, Options{})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	if result.Summary.Total != 0 {
		t.Errorf("Summary.Total = %d, want 0 for identical snapshots", result.Summary.Total)
	}
}

func TestCompareDuplicateStage(t *testing.T) {
	dup := []wetwire.StageRecord{{Stage: "network-a"}, {Stage: "network-a"}}
	if _, err := Compare(dup, nil, Options{}); err == nil {
		t.Error("expected error for a stage recorded twice")
	}
}

func TestCompareInputs(t *testing.T) {
	before := []wetwire.StageRecord{{
		Stage:   "endpoint-b",
		Inputs:  wetwire.Handles{"network-a.cidr": "10.0.0.0/16"},
		Outputs: wetwire.Handles{"endpoint-b.instance_id": "i-1"},
	}}
	after := []wetwire.StageRecord{{
		Stage:   "endpoint-b",
		Inputs:  wetwire.Handles{"network-a.cidr": "10.1.0.0/16"},
		Outputs: wetwire.Handles{"endpoint-b.instance_id": "i-1"},
	}}

	result, err := Compare(before, after, Options{ShowValues: true})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(result.Diff.Modified) != 1 {
		t.Fatalf("Modified = %d, want 1", len(result.Diff.Modified))
	}
	want := "inputs.network-a.cidr modified: 10.0.0.0/16 → 10.1.0.0/16"
	if got := result.Diff.Modified[0].Changes[0]; got != want {
		t.Errorf("change = %q, want %q", got, want)
	}

	result, err = Compare(before, after, Options{IgnoreInputs: true})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if result.Summary.Total != 0 {
		t.Errorf("Summary.Total = %d, want 0 when inputs are ignored", result.Summary.Total)
	}
}

func TestCompareConfig(t *testing.T) {
	before := []wetwire.StageRecord{{
		Stage:   "tunnel-a",
		Outputs: wetwire.Handles{"tunnel-a.configs": "[]"},
		Config:  wetwire.Handles{"dpdAction": "restart"},
	}}
	after := []wetwire.StageRecord{{
		Stage:   "tunnel-a",
		Outputs: wetwire.Handles{"tunnel-a.configs": "[]"},
		Config:  wetwire.Handles{"dpdAction": "clear"},
	}}

	result, err := Compare(before, after, Options{ShowValues: true, IgnoreInputs: true})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(result.Diff.Modified) != 1 {
		t.Fatalf("Modified = %d, want 1", len(result.Diff.Modified))
	}
	want := "config.dpdAction modified: restart → clear"
	if got := result.Diff.Modified[0].Changes[0]; got != want {
		t.Errorf("change = %q, want %q", got, want)
	}
}

func TestCompareHandles(t *testing.T) {
	tests := []struct {
		name    string
		h1      wetwire.Handles
		h2      wetwire.Handles
		wantLen int
	}{
		{
			name:    "identical",
			h1:      wetwire.Handles{"a.x": "1"},
			h2:      wetwire.Handles{"a.x": "1"},
			wantLen: 0,
		},
		{
			name:    "added handle",
			h1:      wetwire.Handles{},
			h2:      wetwire.Handles{"a.x": "1"},
			wantLen: 1,
		},
		{
			name:    "removed handle",
			h1:      wetwire.Handles{"a.x": "1"},
			h2:      wetwire.Handles{},
			wantLen: 1,
		},
		{
			name:    "modified handle",
			h1:      wetwire.Handles{"a.x": "1"},
			h2:      wetwire.Handles{"a.x": "2"},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := compareHandles("outputs", tt.h1, tt.h2, Options{})
			if len(changes) != tt.wantLen {
				t.Errorf("compareHandles() returned %d changes, want %d", len(changes), tt.wantLen)
			}
		})
	}
}

func TestCompareFiles(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "before.json")
	yamlFile := filepath.Join(dir, "after.yaml")

	if err := os.WriteFile(jsonFile, []byte(`[{"stage":"network-a","outputs":{"network-a.network_id":"vpc-1"}}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	yamlDoc := "- stage: network-a\n  outputs:\n    network-a.network_id: vpc-1\n- stage: network-b\n  outputs:\n    network-b.network_id: vpc-2\n"
	if err := os.WriteFile(yamlFile, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := CompareFiles(jsonFile, yamlFile, Options{})
	if err != nil {
		t.Fatalf("CompareFiles() error = %v", err)
	}
	if result.Summary.Added != 1 || result.Summary.Total != 1 {
		t.Errorf("Summary = %+v, want one added stage", result.Summary)
	}

	if _, err := CompareFiles(filepath.Join(dir, "missing.json"), yamlFile, Options{}); err == nil {
		t.Error("expected error for a missing file")
	}
}
