package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jmerrifield20/auditledger/pkg/client"
)

// renderTable writes headers and rows as a table.
func renderTable(w io.Writer, headers []string, rows [][]any) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	headerRow := table.Row{}
	for _, h := range headers {
		headerRow = append(headerRow, h)
	}
	t.AppendHeader(headerRow)

	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON or hands it to table, depending on --output.
func render(w io.Writer, v any, tableFn func(io.Writer)) error {
	switch outputFormat {
	case "json":
		return renderJSON(w, v)
	case "table", "":
		tableFn(w)
		return nil
	}
	return fmt.Errorf("unknown output format %q", outputFormat)
}

func entryTable(w io.Writer, e *client.Entry) {
	prev := "(genesis)"
	if e.PreviousHash != nil {
		prev = *e.PreviousHash
	}
	rows := [][]any{
		{"ID", e.ID},
		{"Seq", e.Seq},
		{"Timestamp", e.Timestamp},
		{"Action", e.Action},
		{"Resource", e.ResourceType + "/" + e.ResourceID},
		{"Actor", e.ActorUserID},
		{"Reason", e.Reason},
		{"Old values", rawOrDash(e.OldValues)},
		{"New values", rawOrDash(e.NewValues)},
		{"IP address", strOrDash(e.IPAddress)},
		{"User agent", strOrDash(e.UserAgent)},
		{"Correlation", strOrDash(e.CorrelationID)},
		{"Hash", e.Hash},
		{"Previous", prev},
	}
	renderTable(w, []string{"Field", "Value"}, rows)
}

func reportTable(w io.Writer, r *client.Report) {
	status := "VALID"
	if !r.Valid {
		status = "BROKEN"
	}
	rows := [][]any{
		{"Status", status},
		{"Checked", r.Checked},
		{"Tip", orDash(r.Tip)},
	}
	if !r.Valid {
		rows = append(rows,
			[]any{"Broken at", r.BrokenAt},
			[]any{"Position", r.Position},
			[]any{"Reason", r.Reason},
		)
	}
	renderTable(w, []string{"Field", "Value"}, rows)
}

func rawOrDash(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "-"
	}
	return string(raw)
}

func strOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return orDash(*s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
