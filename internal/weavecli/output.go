package weavecli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func printJSON(out io.Writer, data interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func flushTable(tw *tabwriter.Writer) {
	_ = tw.Flush()
}

// wantJSON reports whether the caller asked for JSON output.
func wantJSON() (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		return true, nil
	case "table", "":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

// render prints data as JSON or hands it to table.
func render(cmd *cobra.Command, data interface{}, table func(io.Writer)) error {
	asJSON, err := wantJSON()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), data)
	}
	table(cmd.OutOrStdout())
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t).Round(time.Second)
	if diff < 0 {
		return fmt.Sprintf("%s from now", -diff)
	}
	return fmt.Sprintf("%s ago", diff)
}
