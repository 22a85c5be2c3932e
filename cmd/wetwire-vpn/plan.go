package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/config"
)

func newPlanCmd(cfg *config.Config) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "plan <topology>",
		Short: "Show the stage order and what is already recorded",
		Long: `Plan resolves the stage dependency order without touching the cloud.

Each stage is listed with the handles it consumes and produces, and whether
state already records it.

Examples:
    wetwire-vpn plan topology.yaml
    wetwire-vpn plan topology.yaml -f yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), *cfg, args[0], outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text, json or yaml")

	return cmd
}

func loadPlan(ctx context.Context, cfg config.Config, topoPath string) (result *wetwire.PlanResult, err error) {
	rt, err := openRuntime(ctx, cfg, topoPath, runtimeOptions{offline: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return rt.orch.Plan(ctx)
}

func runPlan(ctx context.Context, w io.Writer, cfg config.Config, topoPath, format string) error {
	result, err := loadPlan(ctx, cfg, topoPath)
	if err != nil {
		return err
	}
	return outputPlanResult(w, result, format)
}

func outputPlanResult(w io.Writer, result *wetwire.PlanResult, format string) error {
	if format != "text" {
		return writeStructured(w, result, format)
	}

	pending := 0
	for i, st := range result.Order {
		mark := " "
		switch {
		case st.Completed:
			mark = "✓"
		case st.Changed:
			mark = "~"
			pending++
		default:
			pending++
		}
		fmt.Fprintf(w, "%2d. [%s] %s\n", i+1, mark, st.Name)
		if len(st.Consumes) > 0 {
			fmt.Fprintf(w, "        consumes: %s\n", strings.Join(st.Consumes, ", "))
		}
		if len(st.Produces) > 0 {
			fmt.Fprintf(w, "        produces: %s\n", strings.Join(st.Produces, ", "))
		}
	}
	fmt.Fprintf(w, "%d stages, %d to materialize\n", len(result.Order), pending)
	return nil
}
