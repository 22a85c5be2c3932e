package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/config"
	"github.com/lex00/wetwire-vpn-go/internal/differ"
	"github.com/lex00/wetwire-vpn-go/internal/state"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

func newStateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded stage state",
	}
	cmd.AddCommand(newStateShowCmd(cfg), newStateDiffCmd())
	return cmd
}

func newStateShowCmd(cfg *config.Config) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "show <topology>",
		Short: "Print the recorded stage state",
		Long: `Show prints one record per completed stage: the handles it consumed and
the handles it published. Pre-shared keys are never recorded, only their
secret references.

The json and yaml formats can be saved and compared later with state diff.

Examples:
    wetwire-vpn state show topology.yaml
    wetwire-vpn state show topology.yaml -f yaml > before.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateShow(cmd.Context(), cmd.OutOrStdout(), *cfg, args[0], outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text, json or yaml")

	return cmd
}

func runStateShow(ctx context.Context, w io.Writer, cfg config.Config, topoPath, format string) (err error) {
	topo, err := topology.Load(topoPath)
	if err != nil {
		return err
	}
	store, err := state.Open(ctx, cfg.StateOptions(topo.Name))
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	recs, err := store.List(ctx)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []wetwire.StageRecord{}
	}
	if format != "text" {
		return writeStructured(w, recs, format)
	}

	if len(recs) == 0 {
		fmt.Fprintf(w, "No stages recorded for %s\n", topo.Name)
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(w, "%s (%s)\n", rec.Stage, rec.CompletedAt)
		for _, name := range rec.Outputs.Names() {
			fmt.Fprintf(w, "    %s = %s\n", name, rec.Outputs[name])
		}
	}
	return nil
}

func newStateDiffCmd() *cobra.Command {
	var (
		outputFormat string
		opts         differ.Options
	)

	cmd := &cobra.Command{
		Use:   "diff <snapshot1> <snapshot2>",
		Short: "Compare two saved state snapshots",
		Long: `Diff compares two snapshots saved with state show and reports stages that
were added, removed or modified.

Examples:
    wetwire-vpn state diff before.json after.json
    wetwire-vpn state diff before.yaml after.yaml --show-values
    wetwire-vpn state diff before.json after.json --ignore-inputs -f json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateDiff(cmd.OutOrStdout(), args[0], args[1], outputFormat, opts)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&opts.IgnoreInputs, "ignore-inputs", false, "Only compare published handles")
	cmd.Flags().BoolVar(&opts.ShowValues, "show-values", false, "Show old and new handle values")

	return cmd
}

func runStateDiff(w io.Writer, file1, file2, format string, opts differ.Options) error {
	result, err := differ.CompareFiles(file1, file2, opts)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		return writeStructured(w, result, format)

	case "text":
		if result.Summary.Total == 0 {
			fmt.Fprintln(w, "No differences found")
			return nil
		}
		for _, e := range result.Diff.Added {
			fmt.Fprintf(w, "+ %s\n", e.Stage)
		}
		for _, e := range result.Diff.Removed {
			fmt.Fprintf(w, "- %s\n", e.Stage)
		}
		for _, e := range result.Diff.Modified {
			fmt.Fprintf(w, "~ %s\n", e.Stage)
			for _, change := range e.Changes {
				fmt.Fprintf(w, "    %s\n", change)
			}
		}
		fmt.Fprintf(w, "\nSummary: %d added, %d removed, %d modified\n",
			result.Summary.Added, result.Summary.Removed, result.Summary.Modified)
		return nil

	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}
