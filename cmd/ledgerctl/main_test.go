package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api"
	"github.com/jmerrifield20/auditledger/internal/auth"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

const testSecret = "ledgerctl-test-secret"

func newServer(t *testing.T) (*httptest.Server, *auth.Issuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tokens := auth.NewIssuer(testSecret, "auditledger", time.Hour)
	router := api.NewRouter(ctx, ledger.NewMemoryLedger(zap.NewNop()), tokens, api.RouterConfig{}, zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, tokens
}

// execute runs ledgerctl with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	serverURL, bearerToken = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAppendThenShow(t *testing.T) {
	srv, tokens := newServer(t)
	svc, err := tokens.Issue("billing", auth.RoleService, "")
	require.NoError(t, err)
	aud, err := tokens.Issue("auditor", auth.RoleAuditor, "")
	require.NoError(t, err)

	out, err := execute(t, "append", "--server", srv.URL, "--token", svc, "-o", "json",
		"--action", "USER_ROLE_CHANGED", "--resource-type", "user", "--resource-id", "42",
		"--actor", "7", "--reason", "promoted", "--old", `{"role":"user"}`, "--new", `{"role":"admin"}`)
	require.NoError(t, err)

	var created struct {
		ID   string `json:"id"`
		Hash string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.ID)

	out, err = execute(t, "entry", created.ID, "--server", srv.URL, "--token", aud, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "USER_ROLE_CHANGED")
	assert.Contains(t, out, "(genesis)")
	assert.Contains(t, out, created.Hash)

	out, err = execute(t, "overview", "--server", srv.URL, "--token", aud, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, created.Hash)

	out, err = execute(t, "verify", "--server", srv.URL, "--token", aud, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "VALID")
}

func TestAppend_rejectsInvalidJSON(t *testing.T) {
	srv, _ := newServer(t)
	_, err := execute(t, "append", "--server", srv.URL, "--action", "A", "--actor", "1",
		"--reason", "r", "--old", "{not json", "--new", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--old")
}

func TestEntry_notFound(t *testing.T) {
	srv, tokens := newServer(t)
	aud, err := tokens.Issue("auditor", auth.RoleAuditor, "")
	require.NoError(t, err)

	_, err = execute(t, "entry", "00000000-0000-0000-0000-000000000000", "--server", srv.URL, "--token", aud)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRender_unknownFormat(t *testing.T) {
	outputFormat = "yaml"
	t.Cleanup(func() { outputFormat = "table" })
	err := render(&bytes.Buffer{}, struct{}{}, func(io.Writer) {})
	assert.Error(t, err)
}
