// Package lint checks topologies for settings that are valid but likely
// wrong.
//
// Rules:
//
//	WVP001: Each site should route at least one subnet to its peer
//	WVP002: Pinned peer addresses override the allocated ones
//	WVP003: Avoid weak IKE and ESP proposals
//	WVP004: Traffic selectors must match the site CIDRs
//	WVP005: dpdAction must be clear, hold, restart or none
//	WVP006: Use a private ASN for the customer gateway
//	WVP007: The self-managed endpoint should be reachable for maintenance
package lint

import (
	"sort"

	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

// Severity ranks an issue.
type Severity string

// Severity levels. Only errors fail validation.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one finding.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	// Site is empty for topology-wide findings.
	Site    string `json:"site,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	prefix := i.Rule
	if i.Site != "" {
		prefix += " site " + i.Site
	}
	return prefix + ": " + i.Message
}

// Rule checks one property of a topology.
type Rule interface {
	ID() string
	Description() string
	Check(t *topology.Topology) []Issue
}

// Result contains the outcome of linting.
type Result struct {
	Success bool
	Issues  []Issue
}

// Options configures the linter.
type Options struct {
	// Rules to enable. If empty, all rules are enabled.
	EnabledRules []string
}

// Topology runs the enabled rules against t. Success is false when any
// issue has SeverityError.
func Topology(t *topology.Topology, opts Options) Result {
	var issues []Issue
	for _, rule := range getRules(opts) {
		issues = append(issues, rule.Check(t)...)
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Rule < issues[j].Rule })

	result := Result{Success: true, Issues: issues}
	for _, is := range issues {
		if is.Severity == SeverityError {
			result.Success = false
		}
	}
	return result
}

// Filter returns the issues with severity s.
func (r Result) Filter(s Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == s {
			out = append(out, is)
		}
	}
	return out
}

// AllRules returns every rule.
func AllRules() []Rule {
	return []Rule{
		RoutedSubnet{},
		PinnedPeers{},
		WeakProposal{},
		SelectorMismatch{},
		DPDAction{},
		PrivateASN{},
		EndpointAccess{},
	}
}

func getRules(opts Options) []Rule {
	all := AllRules()
	if len(opts.EnabledRules) == 0 {
		return all
	}

	enabled := make(map[string]bool)
	for _, id := range opts.EnabledRules {
		enabled[id] = true
	}

	var filtered []Rule
	for _, r := range all {
		if enabled[r.ID()] {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
