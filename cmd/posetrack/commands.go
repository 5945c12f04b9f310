package main

import (
	"fmt"

	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/posetrack/config"
	"go.viam.com/posetrack/vision/pose"
)

// SchemaAction prints the config JSON Schema.
func SchemaAction(c *cli.Context) error {
	out, err := config.SchemaJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(out))
	return err
}

// AnchorsAction loads an anchor table and prints how many rows it has and the range they span.
func AnchorsAction(c *cli.Context) error {
	path := c.String(flagFile)
	table, err := pose.LoadAnchorsFile(path, c.Int(flagNum))
	if err != nil {
		return err
	}
	summary, err := summarizeAnchors(table)
	if err != nil {
		return errors.Wrap(err, "summarize anchors")
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s: %d anchors\n%s\n", path, table.Len(), summary)
	return err
}

type axisSummary struct {
	min, max, mean float64
}

type anchorSummary struct {
	x, y axisSummary
}

// String prints a table with a row per axis.
func (s anchorSummary) String() string {
	t := prettytable.NewWriter()
	t.AppendHeader(prettytable.Row{"Axis", "Min", "Max", "Mean"})
	for _, row := range []struct {
		name string
		axisSummary
	}{{"x", s.x}, {"y", s.y}} {
		t.AppendRow(prettytable.Row{
			row.name,
			fmt.Sprintf("%.4f", row.min),
			fmt.Sprintf("%.4f", row.max),
			fmt.Sprintf("%.4f", row.mean),
		})
	}
	return t.Render()
}

func summarizeAnchors(table *pose.AnchorTable) (anchorSummary, error) {
	xs := make(stats.Float64Data, 0, table.Len())
	ys := make(stats.Float64Data, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		a, err := table.Get(i)
		if err != nil {
			return anchorSummary{}, err
		}
		xs = append(xs, float64(a.X))
		ys = append(ys, float64(a.Y))
	}
	var s anchorSummary
	var err error
	if s.x, err = summarizeAxis(xs); err != nil {
		return s, err
	}
	s.y, err = summarizeAxis(ys)
	return s, err
}

func summarizeAxis(data stats.Float64Data) (axisSummary, error) {
	var a axisSummary
	var err error
	if a.min, err = data.Min(); err != nil {
		return a, err
	}
	if a.max, err = data.Max(); err != nil {
		return a, err
	}
	a.mean, err = data.Mean()
	return a, err
}
