package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/umiacs/nexus-status/pkg/cluster"
)

// Output formats of the status command.
const (
	FormatTable    = "table"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// currentUserMarker is appended to the name of the current user.
const currentUserMarker = " *"

// ErrUnknownFormat is returned for unsupported output formats.
var ErrUnknownFormat = errors.New("unknown output format")

// StatusOptions are the options of the status command.
type StatusOptions struct {
	Source           string
	Timeout          time.Duration
	HTTPClientConfig *config.HTTPClientConfig
	Format           string
}

// LoadStatus fetches and normalizes the cluster status. Like the dashboard,
// it falls back to mock data when the source cannot be used.
func LoadStatus(ctx context.Context, opts StatusOptions, logger *slog.Logger) (*cluster.Status, cluster.Source, error) {
	dataConfig := cluster.DefaultDataConfig
	dataConfig.Source = opts.Source

	if opts.Timeout > 0 {
		dataConfig.Timeout = model.Duration(opts.Timeout)
	}

	if opts.HTTPClientConfig != nil {
		dataConfig.HTTPClientConfig = *opts.HTTPClientConfig
	}

	fetcher, err := cluster.NewFetcher(dataConfig, logger, nil)
	if err != nil {
		return nil, cluster.SourceMock, err
	}

	status, source := fetcher.Fetch(ctx)

	return status, source, nil
}

// RenderStatus writes nodes and partitions tables of status to w.
func RenderStatus(w io.Writer, status *cluster.Status, source cluster.Source, format string) error {
	render, ok := map[string]func(table.Writer) string{
		FormatTable:    table.Writer.Render,
		FormatCSV:      table.Writer.RenderCSV,
		FormatMarkdown: table.Writer.RenderMarkdown,
		FormatHTML:     table.Writer.RenderHTML,
	}[format]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}

	if source == cluster.SourceMock {
		if _, err := fmt.Fprintln(w, "WARNING: cluster status source is unavailable, showing mock data"); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "Last updated: %s\n\n", status.LastUpdated); err != nil {
		return err
	}

	render(newNodesTable(w, status.Nodes))

	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	render(newPartitionsTable(w, status.Partitions))

	return nil
}

// tableStyle returns the style of the status tables.
func tableStyle() table.Style {
	return table.Style{
		Name:    "NexusStyleLight",
		Box:     table.StyleBoxLight,
		Color:   table.ColorOptionsDefault,
		HTML:    table.DefaultHTMLOptions,
		Options: table.OptionsDefault,
		Size:    table.SizeOptionsDefault,
		Title:   table.TitleOptionsDefault,
		Format: table.FormatOptions{
			Footer: text.FormatDefault,
			Header: text.FormatUpper,
			Row:    text.FormatDefault,
		},
	}
}

// newNodesTable returns the nodes table.
func newNodesTable(w io.Writer, nodes []cluster.Node) table.Writer {
	t := table.NewWriter()
	t.SetStyle(tableStyle())
	t.SetOutputMirror(w)
	t.SetTitle("Nodes")
	t.SuppressTrailingSpaces()

	t.AppendHeader(table.Row{"Name", "CPU", "GPU", "Unrequested Mem", "Free Mem", "Status", "Type"})

	for _, n := range nodes {
		t.AppendRow(table.Row{n.Name, n.CPU, n.GPU, n.UnreqMem, n.FreeMem, n.Status, n.Type})
	}

	return t
}

// newPartitionsTable returns the jobs table with one row per job and one
// total row per user.
func newPartitionsTable(w io.Writer, partitions cluster.Partitions) table.Writer {
	t := table.NewWriter()
	t.SetStyle(tableStyle())
	t.SetOutputMirror(w)
	t.SetTitle("Partitions")
	t.SuppressTrailingSpaces()
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 2, AutoMerge: true},
	})

	t.AppendHeader(table.Row{"Partition", "User", "Node", "CPU", "GPU", "Mem"})

	for i, p := range partitions {
		if i > 0 {
			t.AppendSeparator()
		}

		for _, u := range p.Partition.Users {
			name := u.Name
			if u.IsCurrentUser {
				name += currentUserMarker
			}

			for _, j := range u.Jobs {
				t.AppendRow(table.Row{p.Name, name, j.Node, j.CPU, j.GPU, j.Mem})
			}

			t.AppendRow(table.Row{p.Name, name, "Total", u.Total.CPU, u.Total.GPU, u.Total.Mem})
		}
	}

	return t
}
