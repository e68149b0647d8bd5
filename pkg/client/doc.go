// Package client is the Go SDK for the audit ledger HTTP API.
//
// Collaborating services use it to append entries from outside the ledgerd
// process; auditors and ledgerctl use it to verify and export the chain.
//
//	c, err := client.New("https://ledger.internal:8080",
//	    client.WithBearerToken(os.Getenv("LEDGER_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	actor := int64(42)
//	entry, err := c.Append(ctx, &client.AppendRequest{
//	    Action:       "USER_ROLE_CHANGED",
//	    ResourceType: "user",
//	    ResourceID:   "17",
//	    ActorUserID:  &actor,
//	    NewValues:    map[string]any{"role": "admin"},
//	    Reason:       "promoted by tenant owner",
//	})
//
// # Verifying and exporting
//
//	report, err := c.Verify(ctx)
//	if !report.Valid {
//	    log.Printf("chain broken at position %d: %s", report.Position, report.Reason)
//	}
//
//	exp, err := c.Export(ctx, client.ExportOptions{Format: "csv", From: "2024-06-01", To: "2024-06-30"})
//	os.WriteFile(exp.Filename, exp.Data, 0o600)
package client
