package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// printer renders command results as aligned text or indented JSON.
type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) *printer {
	return &printer{format: o.Format, w: w}
}

// emit writes v as JSON in json mode; otherwise it calls text.
func (p *printer) emit(v any, text func(w io.Writer) error) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(p.w)
}

// table writes tab-separated rows with a header.
func table(w io.Writer, header string, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
