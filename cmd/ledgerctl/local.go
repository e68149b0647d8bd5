package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/internal/app"
	"github.com/jmerrifield20/auditledger/internal/archive"
	"github.com/jmerrifield20/auditledger/internal/auth"
	"github.com/jmerrifield20/auditledger/internal/config"
)

func loadConfig() (*config.Config, error) {
	if configDir != "" {
		return config.Load(configDir)
	}
	return config.Load()
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSubject string
	tokenRole    string
	tokenTenant  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token from the configured auth.jwt_secret",
	Long: `Token signs a bearer token with the same secret ledgerd verifies with.

  ledgerctl token --subject billing-service --role service
  ledgerctl token --subject acme-auditor --role auditor --tenant acme`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !auth.ValidRole(tokenRole) {
			return fmt.Errorf("%w: %q", auth.ErrInvalidRole, tokenRole)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if !issuer.Enabled() {
			return errors.New("auth.jwt_secret is not configured")
		}
		tok, err := issuer.Issue(tokenSubject, tokenRole, tokenTenant)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject, e.g. the calling service")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAuditor, "role: auditor, service or admin")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "restrict exports to one tenant")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── archive ──────────────────────────────────────────────────────────────────

var archiveDay string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write the WORM snapshot of one finished UTC day",
	Long: `Archive exports one UTC day to the configured archive backend, the
same way ledgerd's scheduled job does. It connects to the database directly.

  ledgerctl archive --day 2026-10-17`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		day := time.Now().UTC().AddDate(0, 0, -1)
		if archiveDay != "" {
			if day, err = time.Parse(time.DateOnly, archiveDay); err != nil {
				return fmt.Errorf("--day: %w", err)
			}
		}

		logger, err := app.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx := cmd.Context()
		store, err := app.NewArchiveStore(ctx, cfg)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("archive.backend is none; configure local or s3")
		}

		l, err := app.OpenLedger(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		m, err := archive.New(l, store, app.ArchivePrefix(cfg), logger).Snapshot(ctx, day)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), m, func(w io.Writer) { manifestTable(w, m) })
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveDay, "day", "", "UTC day to archive as YYYY-MM-DD (default yesterday)")
}

func manifestTable(w io.Writer, m *archive.Manifest) {
	rows := make([][]any, 0, len(m.Files))
	for _, f := range m.Files {
		rows = append(rows, []any{f.Key, f.Size, f.SHA256})
	}
	fmt.Fprintf(w, "day %s: %d records, tip %s\n", m.Day, m.Records, orDash(m.Tip))
	renderTable(w, []string{"Key", "Bytes", "SHA-256"}, rows)
}
