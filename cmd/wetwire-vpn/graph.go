package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lex00/wetwire-vpn-go/internal/config"
	"github.com/lex00/wetwire-vpn-go/internal/graph"
)

func newGraphCmd(cfg *config.Config) *cobra.Command {
	var (
		outputFormat  string
		showHandles   bool
		clusterBySite bool
	)

	cmd := &cobra.Command{
		Use:   "graph <topology>",
		Short: "Generate DOT graph of stage dependencies",
		Long: `Generate a DOT or Mermaid format graph showing stage dependencies.

Blue edges carry handles, dashed edges only order stages. Stages already
recorded in state are filled green.

The output can be rendered with Graphviz:
    wetwire-vpn graph topology.yaml | dot -Tpng -o stages.png

Or used in GitHub markdown (Mermaid format):
    wetwire-vpn graph topology.yaml -f mermaid

Examples:
    wetwire-vpn graph topology.yaml
    wetwire-vpn graph topology.yaml -H            # label edges with handles
    wetwire-vpn graph topology.yaml -c            # cluster by site`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd.Context(), cmd.OutOrStdout(), *cfg, args[0], outputFormat, showHandles, clusterBySite)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "format", "f", "dot", "Output format: dot or mermaid")
	cmd.Flags().BoolVarP(&showHandles, "handles", "H", false, "Label edges with the handles they carry")
	cmd.Flags().BoolVarP(&clusterBySite, "cluster", "c", false, "Cluster stages by site")

	return cmd
}

func runGraph(ctx context.Context, w io.Writer, cfg config.Config, topoPath, format string, handles, cluster bool) error {
	var graphFormat graph.Format
	switch format {
	case "dot":
		graphFormat = graph.FormatDOT
	case "mermaid":
		graphFormat = graph.FormatMermaid
	default:
		return fmt.Errorf("unknown format: %s (use 'dot' or 'mermaid')", format)
	}

	plan, err := loadPlan(ctx, cfg, topoPath)
	if err != nil {
		return err
	}

	gen := &graph.Generator{
		Format:        graphFormat,
		ShowHandles:   handles,
		ClusterBySite: cluster,
	}
	return gen.Generate(plan, w)
}
