package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/mucode"
	"github.com/orneryd/mucode/pkg/muql"
)

var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorWarn   = lipgloss.Color("#F4D03F")
	colorError  = lipgloss.Color("#E74C3C")
	colorMuted  = lipgloss.Color("#6C7A80")
)

var styles = struct {
	title  lipgloss.Style
	header lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
}{
	title:  lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	header: lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1),
	muted:  lipgloss.NewStyle().Foreground(colorMuted),
	ok:     lipgloss.NewStyle().Foreground(colorAccent),
	warn:   lipgloss.NewStyle().Foreground(colorWarn),
	err:    lipgloss.NewStyle().Foreground(colorError),
}

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.muted).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.header
			}
			return cellStyle
		})
}

// formatCell renders one result value.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', 3, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', 3, 32)
	case []string:
		return strings.Join(x, " -> ")
	default:
		return fmt.Sprint(x)
	}
}

func renderResult(w io.Writer, res *muql.Result) {
	switch res.Shape {
	case muql.ShapeGraph:
		renderGraph(w, res)
	case muql.ShapePath:
		renderPath(w, res)
	default:
		renderRows(w, res)
	}
	renderFooter(w, res)
}

func renderRows(w io.Writer, res *muql.Result) {
	if len(res.Rows) == 0 {
		fmt.Fprintln(w, styles.muted.Render("(no rows)"))
		return
	}
	t := newTable(res.Columns...)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		t.Row(cells...)
	}
	fmt.Fprintln(w, t.Render())
}

func renderGraph(w io.Writer, res *muql.Result) {
	if res.Root != nil {
		fmt.Fprintf(w, "%s %s\n", styles.title.Render("root"), res.Root.ID)
	}
	if len(res.Nodes) == 0 {
		fmt.Fprintln(w, styles.muted.Render("(nothing reached)"))
		return
	}
	t := newTable("depth", "id", "kind", "path")
	for _, n := range res.Nodes {
		t.Row(strconv.Itoa(n.Depth), n.ID, n.Kind, n.Path)
	}
	fmt.Fprintln(w, t.Render())
}

func renderPath(w io.Writer, res *muql.Result) {
	if len(res.Nodes) == 0 {
		fmt.Fprintln(w, styles.muted.Render("(no path)"))
		return
	}
	var b strings.Builder
	b.WriteString(res.Nodes[0].ID)
	for i, e := range res.Edges {
		if i+1 >= len(res.Nodes) {
			break
		}
		fmt.Fprintf(&b, "\n  %s %s", styles.muted.Render("--"+e.Kind+"-->"), res.Nodes[i+1].ID)
	}
	fmt.Fprintln(w, b.String())
}

func renderFooter(w io.Writer, res *muql.Result) {
	n := res.Len()
	noun := "rows"
	if res.Shape != muql.ShapeRows {
		noun = "nodes"
	}
	parts := []string{fmt.Sprintf("%d %s", n, noun)}
	if res.Truncated {
		parts = append(parts, "truncated")
	}
	parts = append(parts,
		fmt.Sprintf("%d steps", res.Steps),
		fmt.Sprintf("snapshot %d", res.SnapshotVersion),
		res.Elapsed.Round(time.Microsecond).String())
	fmt.Fprintln(w, styles.muted.Render(strings.Join(parts, " · ")))
}

func renderBuild(w io.Writer, res *build.Result) {
	mark := styles.ok.Render("✓")
	if len(res.Failed) > 0 || res.EmbeddingError != "" {
		mark = styles.warn.Render("!")
	}
	fmt.Fprintf(w, "%s indexed %s in %s\n", mark, res.Root, res.Elapsed.Round(time.Millisecond))

	t := newTable("scanned", "parsed", "unchanged", "relinked", "removed", "failed")
	t.Row(strconv.Itoa(res.FilesScanned), strconv.Itoa(res.FilesParsed),
		strconv.Itoa(res.FilesUnchanged), strconv.Itoa(res.FilesRelinked),
		strconv.Itoa(res.FilesRemoved), strconv.Itoa(len(res.Failed)))
	fmt.Fprintln(w, t.Render())

	fmt.Fprintf(w, "nodes %d · edges %d · resolved %d · dangling %d · embeddings %d · snapshot %d\n",
		res.NodesWritten, res.EdgesWritten, res.EdgesResolved, res.DanglingEdges,
		res.EmbeddingsWritten, res.SnapshotVersion)

	for _, f := range res.Failed {
		fmt.Fprintf(w, "  %s %s (%s): %s\n", styles.err.Render("✗"), f.Path, f.Stage, f.Reason)
	}
	if res.EmbeddingError != "" {
		fmt.Fprintf(w, "  %s embeddings: %s\n", styles.warn.Render("!"), res.EmbeddingError)
	}
}

func renderStatus(w io.Writer, st *mucode.Status) {
	fmt.Fprintln(w, styles.title.Render("mucode status"))
	s := st.Storage
	fmt.Fprintf(w, "schema version  %d\n", s.SchemaVersion)
	fmt.Fprintf(w, "snapshot        %d (%d nodes, %d edges)\n", st.SnapshotVersion, st.SnapshotNodes, st.SnapshotEdges)
	fmt.Fprintf(w, "files           %d\n", s.Files)
	fmt.Fprintf(w, "dangling edges  %d\n", s.Dangling)
	if st.EmbeddingModel != "" {
		fmt.Fprintf(w, "embeddings      %d x %d (%s)\n", s.Embeddings, s.EmbeddingDimension, st.EmbeddingModel)
	} else {
		fmt.Fprintf(w, "embeddings      %d\n", s.Embeddings)
	}

	t := newTable("", "kind", "count")
	for _, k := range sortedKeys(s.NodesByKind) {
		t.Row("node", k, strconv.Itoa(s.NodesByKind[k]))
	}
	for _, k := range sortedKeys(s.EdgesByKind) {
		t.Row("edge", k, strconv.Itoa(s.EdgesByKind[k]))
	}
	fmt.Fprintln(w, t.Render())
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinNames(names []string) string { return strings.Join(names, "|") }
