package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/lint"
	"github.com/lex00/wetwire-vpn-go/internal/logging"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/provision/sim"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
	"github.com/lex00/wetwire-vpn-go/internal/sitevpn"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

// newValidateCmd creates the "validate" subcommand for checking a topology file.
func newValidateCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "validate <topology>",
		Short: "Validate a topology file",
		Long: `Validate parses a topology file and checks it without touching the cloud.

Checks performed:
  - Sites: exactly two, one per endpoint role, non-overlapping CIDRs
  - Subnets: the carved subnets fit the site CIDR
  - Tunnel: pinned peer addresses and traffic selectors are well formed
  - Stages: every consumed handle has a producer and the graph is acyclic
  - Lint: settings that are valid but likely wrong (WVP001..WVP007)

Examples:
    wetwire-vpn validate topology.yaml
    wetwire-vpn validate topology.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := runValidate(args[0])
			return outputValidateResult(cmd.OutOrStdout(), result, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")

	return cmd
}

func runValidate(topoPath string) wetwire.ValidateResult {
	var result wetwire.ValidateResult

	topo, err := topology.Load(topoPath)
	if err != nil {
		result.Errors = splitErrors(err)
		return result
	}
	result.Sites = len(topo.Sites)

	cloud := sim.New(sim.Options{})
	stages, err := sitevpn.Stages(sitevpn.Deps{
		Topology:    topo,
		Provisioner: cloud,
		OS:          cloud,
		Secrets:     secrets.NewMemoryStore(),
		Log:         logging.Discard(),
	})
	if err != nil {
		result.Errors = splitErrors(err)
		return result
	}
	orch, err := orchestrator.New(stages, orchestrator.Options{Logger: logging.Discard()})
	if err == nil {
		_, err = orch.ResolveOrder()
	}
	if err != nil {
		result.Errors = splitErrors(err)
		return result
	}
	result.Stages = len(stages)

	findings := lint.Topology(topo, lint.Options{})
	for _, issue := range findings.Issues {
		if issue.Severity == lint.SeverityError {
			result.Errors = append(result.Errors, issue.String())
		} else {
			result.Warnings = append(result.Warnings, issue.String())
		}
	}
	result.Success = findings.Success
	return result
}

// splitErrors flattens an errors.Join result into one message per error.
func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func outputValidateResult(w io.Writer, result wetwire.ValidateResult, format string) error {
	switch format {
	case "json":
		if err := writeStructured(w, result, format); err != nil {
			return err
		}

	case "text":
		if result.Success {
			fmt.Fprintf(w, "Validation passed: %d sites, %d stages\n", result.Sites, result.Stages)
		} else {
			fmt.Fprintln(w, "Validation FAILED:")
		}
		for _, errMsg := range result.Errors {
			fmt.Fprintf(w, "  ERROR: %s\n", errMsg)
		}
		for _, warnMsg := range result.Warnings {
			fmt.Fprintf(w, "  WARNING: %s\n", warnMsg)
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	if !result.Success {
		return errors.New("validation failed")
	}
	return nil
}
