package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/config"
	"github.com/lex00/wetwire-vpn-go/internal/state"
)

func newApplyCmd(cfg *config.Config) *cobra.Command {
	var (
		outputFormat string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "apply <topology>",
		Short: "Provision both sites and the VPN between them",
		Long: `Apply materializes every stage of the topology in dependency order.

Stages already recorded in state with unchanged inputs and configuration
are skipped, so a failed apply can simply be run again. An edited tunnel
spec or routed flag is applied in place; other topology edits to a built
stage need a teardown first. Nothing is rolled back on failure; use
teardown to remove what was created.

Examples:
    wetwire-vpn apply topology.yaml
    wetwire-vpn apply topology.yaml --provider sim --state-backend memory
    wetwire-vpn apply topology.yaml --force -f json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runApply(ctx, cmd.OutOrStdout(), *cfg, args[0], outputFormat, force)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text, json or yaml")
	cmd.Flags().BoolVar(&force, "force", false, "Materialize every stage again, ignoring recorded state")

	return cmd
}

func runApply(ctx context.Context, w io.Writer, cfg config.Config, topoPath, format string, force bool) (err error) {
	rt, err := openRuntime(ctx, cfg, topoPath, runtimeOptions{force: force})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	_, runErr := rt.orch.Run(ctx)

	done, err := state.Snapshot(ctx, rt.store)
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	// A resolution failure is already runErr.
	order, _ := rt.orch.ResolveOrder()
	result := applyResult(order, done, runErr)

	if err := outputApplyResult(w, result, format); err != nil {
		return err
	}
	if runErr == nil {
		return nil
	}
	if result.FailedStage == "" {
		return runErr
	}
	return fmt.Errorf("apply failed at stage %s", result.FailedStage)
}

// applyResult summarizes a run. Without a resolved order the recorded stages
// are listed by name.
func applyResult(order []string, done map[string]wetwire.StageRecord, runErr error) wetwire.ApplyResult {
	if order == nil {
		for name := range done {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	result := wetwire.ApplyResult{Success: runErr == nil}
	for _, name := range order {
		if _, ok := done[name]; ok {
			result.Completed = append(result.Completed, name)
		}
	}
	var se *wetwire.StageError
	if errors.As(runErr, &se) {
		result.FailedStage = se.Stage
		result.LastCompleted = se.LastCompleted
	} else if len(result.Completed) > 0 {
		result.LastCompleted = result.Completed[len(result.Completed)-1]
	}
	if runErr != nil {
		result.Errors = append(result.Errors, runErr.Error())
	}
	return result
}

func outputApplyResult(w io.Writer, result wetwire.ApplyResult, format string) error {
	if format != "text" {
		return writeStructured(w, result, format)
	}

	for _, name := range result.Completed {
		fmt.Fprintf(w, "  ✓ %s\n", name)
	}
	if result.Success {
		fmt.Fprintf(w, "Apply complete: %d stages\n", len(result.Completed))
		return nil
	}
	if result.FailedStage != "" {
		fmt.Fprintf(w, "  ✗ %s\n", result.FailedStage)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "ERROR: %s\n", e)
	}
	last := result.LastCompleted
	if last == "" {
		last = "none"
	}
	fmt.Fprintf(w, "Last completed stage: %s. Run apply again to resume or teardown to remove.\n", last)
	return nil
}
