package pipeline

import (
	"fmt"
	"strings"

	"github.com/connectorforge/forge/pkg/graph"
)

// Mermaid renders the compiled graph topology as a mermaid flowchart.
// Conditional edges are drawn dotted.
func Mermaid(app *graph.App) string {
	entry, _, edges := app.Topology()

	var sb strings.Builder
	sb.WriteString("graph TD\n")
	sb.WriteString(fmt.Sprintf("    START([start]) --> %s\n", entry))
	for _, e := range edges {
		to := e.To
		if to == graph.End {
			to = "END([end])"
		}
		arrow := "-->"
		if e.Conditional {
			arrow = "-.->"
		}
		sb.WriteString(fmt.Sprintf("    %s %s %s\n", e.From, arrow, to))
	}
	return sb.String()
}
