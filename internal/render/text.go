package render

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// TextSink writes a page load to a terminal. Warnings and errors go to errOut.
type TextSink struct {
	out       io.Writer
	errOut    io.Writer
	useColors bool
}

func NewTextSink(out, errOut io.Writer, useColors bool) *TextSink {
	if errOut == nil {
		errOut = out
	}
	return &TextSink{out: out, errOut: errOut, useColors: useColors}
}

func (s *TextSink) Title(text string) {
	if s.useColors {
		color.New(color.FgWhite, color.Bold).Fprintf(s.out, "%s\n", text)
		return
	}
	fmt.Fprintf(s.out, "%s\n", text)
}

func (s *TextSink) Subheader(text string) {
	fmt.Fprintf(s.out, "\n%s\n", text)
}

func (s *TextSink) Warning(text string) {
	if s.useColors {
		color.New(color.FgYellow).Fprintf(s.errOut, "⚠ %s\n", text)
		return
	}
	fmt.Fprintf(s.errOut, "[WARN] %s\n", text)
}

func (s *TextSink) Error(text string) {
	if s.useColors {
		color.New(color.FgRed).Fprintf(s.errOut, "✗ %s\n", text)
		return
	}
	fmt.Fprintf(s.errOut, "[ERROR] %s\n", text)
}

// Chart prints the plotted points as a two column table.
func (s *TextSink) Chart(c Chart) {
	table := NewTable(s.out)
	table.Header([]string{c.XLabel, c.YLabel})
	rows := make([][]string, len(c.Series.Points))
	for i, p := range c.Series.Points {
		rows[i] = []string{strconv.Itoa(p.X), strconv.FormatInt(p.Y, 10)}
	}
	_ = table.Bulk(rows)
	_ = table.Render()
}

// NewTable returns a borderless left-aligned table.
func NewTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
}
