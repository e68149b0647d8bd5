package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/pkg/client"
)

// errChainBroken makes `ledgerctl verify` exit non-zero on tampering.
var errChainBroken = errors.New("ledger chain is broken")

// ── overview ─────────────────────────────────────────────────────────────────

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show the number of entries and the current tip hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.Overview(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), o, func(w io.Writer) {
			renderTable(w, []string{"Entries", "Tip"}, [][]any{{o.Entries, orDash(o.Tip)}})
		})
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the hash chain on the server and report the first break",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), r, func(w io.Writer) { reportTable(w, r) }); err != nil {
			return err
		}
		if !r.Valid {
			return errChainBroken
		}
		return nil
	},
}

// ── entry ────────────────────────────────────────────────────────────────────

var entryCmd = &cobra.Command{
	Use:   "entry <id>",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.GetEntry(cmd.Context(), args[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("entry %s not found", args[0])
		}
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), e, func(w io.Writer) { entryTable(w, e) })
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportFormat string
	exportFrom   string
	exportTo     string
	exportTenant string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download a JSON or CSV export of the ledger",
	Long: `Export downloads ledger entries ordered by timestamp.

  ledgerctl export --format csv --from 2026-01-01 --to 2026-03-31 --out q1.csv

--from and --to accept RFC 3339 timestamps or YYYY-MM-DD dates; a date in
--to includes the whole day. Without --out the export is written to stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exp, err := c.Export(cmd.Context(), client.ExportOptions{
			Format: exportFormat,
			From:   exportFrom,
			To:     exportTo,
			Tenant: exportTenant,
		})
		if err != nil {
			return err
		}

		if exportOut == "" {
			_, err := cmd.OutOrStdout().Write(exp.Data)
			return err
		}
		if err := os.WriteFile(exportOut, exp.Data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", exportOut, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d records to %s\n", exp.Records, exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format: json or csv")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "inclusive lower bound")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "inclusive upper bound")
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "restrict to actors currently in this tenant")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendAction        string
	appendResourceType  string
	appendResourceID    string
	appendActor         int64
	appendReason        string
	appendOld           string
	appendNew           string
	appendCorrelationID string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one entry to the ledger",
	Long: `Append records a single audited action. Requires a service token.

  ledgerctl append --action USER_ROLE_CHANGED --resource-type user \
    --resource-id 42 --actor 7 --reason "promoted to admin" \
    --old '{"role":"user"}' --new '{"role":"admin"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildAppendRequest(cmd)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.Append(cmd.Context(), req)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), e, func(w io.Writer) { entryTable(w, e) })
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendAction, "action", "", "action code, e.g. USER_ROLE_CHANGED")
	appendCmd.Flags().StringVar(&appendResourceType, "resource-type", "", "kind of resource affected")
	appendCmd.Flags().StringVar(&appendResourceID, "resource-id", "", "identifier of the resource affected")
	appendCmd.Flags().Int64Var(&appendActor, "actor", 0, "id of the user performing the action")
	appendCmd.Flags().StringVar(&appendReason, "reason", "", "why the action was taken")
	appendCmd.Flags().StringVar(&appendOld, "old", "", "JSON document of the state before")
	appendCmd.Flags().StringVar(&appendNew, "new", "", "JSON document of the state after")
	appendCmd.Flags().StringVar(&appendCorrelationID, "correlation-id", "", "correlation id grouping related entries")

	_ = appendCmd.MarkFlagRequired("action")
	_ = appendCmd.MarkFlagRequired("actor")
	_ = appendCmd.MarkFlagRequired("reason")
}

// buildAppendRequest assembles the request from flags. The server validates
// the fields; only the JSON documents are checked here.
func buildAppendRequest(cmd *cobra.Command) (*client.AppendRequest, error) {
	req := &client.AppendRequest{
		Action:       appendAction,
		ResourceType: appendResourceType,
		ResourceID:   appendResourceID,
		Reason:       appendReason,
	}
	if cmd.Flags().Changed("actor") {
		actor := appendActor
		req.ActorUserID = &actor
	}
	if appendCorrelationID != "" {
		id := appendCorrelationID
		req.CorrelationID = &id
	}

	var err error
	if req.OldValues, err = parseDocument("old", appendOld); err != nil {
		return nil, err
	}
	if req.NewValues, err = parseDocument("new", appendNew); err != nil {
		return nil, err
	}
	return req, nil
}

// parseDocument returns nil for an empty flag.
func parseDocument(flag, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("--%s is not valid JSON", flag)
	}
	return json.RawMessage(s), nil
}
