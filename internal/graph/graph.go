// Package graph generates DOT and Mermaid format graphs of a resolved stage plan.
package graph

import (
	"io"
	"sort"
	"strings"

	"github.com/emicklei/dot"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Format specifies the output format for the graph.
type Format string

const (
	// FormatDOT outputs Graphviz DOT format.
	FormatDOT Format = "dot"
	// FormatMermaid outputs Mermaid format for GitHub/markdown rendering.
	FormatMermaid Format = "mermaid"
)

// Generator creates stage graphs from a plan.
type Generator struct {
	// ShowHandles labels each edge with the handles it carries.
	ShowHandles bool

	// Format specifies the output format (dot or mermaid). Defaults to dot.
	Format Format

	// ClusterBySite groups stages by the site they belong to.
	ClusterBySite bool
}

// Generate creates the graph and writes it to w.
func (g *Generator) Generate(plan *wetwire.PlanResult, w io.Writer) error {
	graph := g.buildGraph(plan)

	format := g.Format
	if format == "" {
		format = FormatDOT
	}

	var output string
	if format == FormatMermaid {
		output = dot.MermaidGraph(graph, dot.MermaidTopToBottom)
	} else {
		output = graph.String()
	}

	_, err := w.Write([]byte(output))
	return err
}

// GenerateString is a convenience method that returns the graph as a string.
func (g *Generator) GenerateString(plan *wetwire.PlanResult) (string, error) {
	var sb strings.Builder
	if err := g.Generate(plan, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (g *Generator) buildGraph(plan *wetwire.PlanResult) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "TB")

	graph.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "box")
		n.Attr("fontname", "Arial")
	})
	graph.EdgeInitializer(func(e dot.Edge) {
		e.Attr("fontname", "Arial")
		e.Attr("fontsize", "10")
	})

	nodes := make(map[string]dot.Node, len(plan.Order))
	if g.ClusterBySite {
		bySite := make(map[string][]wetwire.PlanStage)
		for _, st := range plan.Order {
			bySite[Site(st.Name)] = append(bySite[Site(st.Name)], st)
		}
		for _, site := range sortedKeys(bySite) {
			cluster := graph.Subgraph("cluster_"+site, dot.ClusterOption{})
			cluster.Attr("label", "site "+site)
			cluster.Attr("style", "rounded")
			cluster.Attr("bgcolor", "lightyellow")
			for _, st := range bySite[site] {
				nodes[st.Name] = stageNode(cluster, st)
			}
		}
	} else {
		for _, st := range plan.Order {
			nodes[st.Name] = stageNode(graph, st)
		}
	}

	producers := make(map[string]string)
	for _, st := range plan.Order {
		for _, h := range st.Produces {
			producers[h] = st.Name
		}
	}

	// Edges point from a stage to what it needs.
	for _, st := range plan.Order {
		carried := make(map[string][]string)
		for _, h := range st.Consumes {
			if p, ok := producers[h]; ok {
				carried[p] = append(carried[p], shortHandle(h))
			}
		}
		for _, p := range sortedKeys(carried) {
			e := graph.Edge(nodes[st.Name], nodes[p])
			e.Attr("color", "blue")
			if g.ShowHandles {
				e.Label(strings.Join(carried[p], "\\n"))
			}
		}
		for _, dep := range st.DependsOn {
			if _, ok := nodes[dep]; !ok {
				continue
			}
			if _, done := carried[dep]; done {
				continue
			}
			e := graph.Edge(nodes[st.Name], nodes[dep])
			e.Attr("style", "dashed")
		}
	}

	return graph
}

func stageNode(g *dot.Graph, st wetwire.PlanStage) dot.Node {
	n := g.Node(st.Name)
	n.Label(st.Name)
	switch {
	case st.Completed:
		n.Attr("style", "filled")
		n.Attr("fillcolor", "palegreen")
	case st.Changed:
		n.Attr("style", "filled")
		n.Attr("fillcolor", "khaki")
	}
	return n
}

// Site returns the site a stage name belongs to: the part after the last
// dash ("vpn-connection-b" -> "b").
func Site(stage string) string {
	if i := strings.LastIndex(stage, "-"); i >= 0 && i < len(stage)-1 {
		return stage[i+1:]
	}
	return "other"
}

// shortHandle strips the producing stage from a qualified handle name.
func shortHandle(h string) string {
	if i := strings.LastIndex(h, "."); i >= 0 {
		return h[i+1:]
	}
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
