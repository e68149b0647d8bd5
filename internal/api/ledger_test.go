package api_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

const testSecret = "api-test-secret"

type fixture struct {
	router  *gin.Engine
	ledger  *ledger.MemoryLedger
	tokens  *auth.Issuer
	auditor string
	service string
}

func setup(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.NewMemoryLedger(zap.NewNop())
	tokens := auth.NewIssuer(secret, "auditledger", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		router: api.NewRouter(ctx, l, tokens, api.RouterConfig{}, zap.NewNop()),
		ledger: l,
		tokens: tokens,
	}
	if tokens.Enabled() {
		var err error
		f.auditor, err = tokens.Issue("auditor-1", auth.RoleAuditor, "")
		require.NoError(t, err)
		f.service, err = tokens.Issue("billing", auth.RoleService, "")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) do(method, path, token string, body []byte, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seed(t *testing.T, actors ...int64) []*ledger.Entry {
	t.Helper()
	var out []*ledger.Entry
	for _, a := range actors {
		a := a
		e, err := f.ledger.Append(context.Background(), ledger.AppendRequest{
			Action:       "USER_ROLE_CHANGED",
			ResourceType: "user",
			ResourceID:   "42",
			ActorUserID:  &a,
			Reason:       `promoted to "admin"`,
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestOverview(t *testing.T) {
	f := setup(t, testSecret)
	entries := f.seed(t, 1, 2)

	w := f.do(http.MethodGet, "/api/v1/ledger", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Entries int    `json:"entries"`
		Tip     string `json:"tip"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Entries)
	assert.Equal(t, entries[1].Hash, resp.Tip)
	assert.NotEmpty(t, w.Header().Get(api.CorrelationHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestVerify_requiresAuditor(t *testing.T) {
	f := setup(t, testSecret)
	f.seed(t, 1)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/ledger/verify", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/v1/ledger/verify", f.service, nil).Code)

	w := f.do(http.MethodGet, "/api/v1/ledger/verify", f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report ledger.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Checked)
}

func TestAppend_created(t *testing.T) {
	f := setup(t, testSecret)

	body := []byte(`{"action":"BANK_IMPORT_CONFIRMED","resourceType":"bank_import","resourceId":"imp-7",
		"actorUserId":9,"newValues":{"rows":120,"amount":1234.50},"reason":"monthly import"}`)
	w := f.do(http.MethodPost, "/api/v1/ledger/entries", f.service, body, api.CorrelationHeader, "req-123")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var e ledger.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, int64(9), e.ActorUserID)
	assert.JSONEq(t, `{"amount":1234.50,"rows":120}`, string(e.NewValues))
	assert.Contains(t, string(e.NewValues), "1234.50", "number kept as written")
	require.NotNil(t, e.CorrelationID)
	assert.Equal(t, "req-123", *e.CorrelationID)
	assert.Equal(t, "null", string(e.OldValues))

	ok, err := f.ledger.ValidateChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppend_errors(t *testing.T) {
	f := setup(t, testSecret)

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"no token", "", `{"actorUserId":1,"reason":"r"}`, http.StatusUnauthorized},
		{"auditor cannot append", f.auditor, `{"actorUserId":1,"reason":"r"}`, http.StatusForbidden},
		{"malformed json", f.service, `{"actorUserId":`, http.StatusBadRequest},
		{"missing actor", f.service, `{"action":"X","reason":"r"}`, http.StatusUnprocessableEntity},
		{"blank reason", f.service, `{"action":"X","actorUserId":1,"reason":"   "}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/ledger/entries", tt.token, []byte(tt.body))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	n, err := f.ledger.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetEntry(t *testing.T) {
	f := setup(t, testSecret)
	entries := f.seed(t, 1)

	w := f.do(http.MethodGet, "/api/v1/ledger/entries/"+entries[0].ID.String(), f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var e ledger.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, entries[0].Hash, e.Hash)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/ledger/entries/7", f.auditor, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(http.MethodGet, "/api/v1/ledger/entries/00000000-0000-0000-0000-000000000000", f.auditor, nil).Code)
}

func TestExport_csv(t *testing.T) {
	f := setup(t, testSecret)
	f.seed(t, 1, 2)

	w := f.do(http.MethodGet, "/api/v1/ledger/export?format=csv", f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment; filename=")
	assert.Equal(t, "2", w.Header().Get("X-Ledger-Records"))

	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ledger.CSVHeader, rows[0])
	assert.Equal(t, `promoted to "admin"`, rows[1][8])
}

func TestExport_json(t *testing.T) {
	f := setup(t, testSecret)
	f.seed(t, 1, 2, 3)

	w := f.do(http.MethodGet, "/api/v1/ledger/export", f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var records []ledger.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Len(t, records, 3)
}

func TestExport_badParams(t *testing.T) {
	f := setup(t, testSecret)

	for _, q := range []string{
		"format=xml",
		"from=yesterday",
		"to=2024-13-01",
		"from=2024-06-02&to=2024-06-01",
	} {
		w := f.do(http.MethodGet, "/api/v1/ledger/export?"+q, f.auditor, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestExport_dateBoundsCoverWholeDay(t *testing.T) {
	f := setup(t, testSecret)
	f.ledger.SetClock(func() time.Time { return time.Date(2024, 6, 1, 23, 59, 59, 0, time.UTC) })
	f.seed(t, 1)

	w := f.do(http.MethodGet, "/api/v1/ledger/export?from=2024-06-01&to=2024-06-01", f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Ledger-Records"))
}

func TestExport_tenantToken(t *testing.T) {
	f := setup(t, testSecret)
	f.ledger.AssignTenant(1, "acme")
	f.ledger.AssignTenant(2, "globex")
	f.seed(t, 1, 2, 1)

	acme, err := f.tokens.Issue("acme-auditor", auth.RoleAuditor, "acme")
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/ledger/export", acme, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-Ledger-Records"))

	w = f.do(http.MethodGet, "/api/v1/ledger/export?tenant=globex", acme, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Unscoped auditors may pick any tenant.
	w = f.do(http.MethodGet, "/api/v1/ledger/export?tenant=globex", f.auditor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Ledger-Records"))

	w = f.do(http.MethodGet, "/api/v1/ledger/entries/00000000-0000-0000-0000-000000000000", acme, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthDisabled_openRoutes(t *testing.T) {
	f := setup(t, "")
	w := f.do(http.MethodPost, "/api/v1/ledger/entries", "", []byte(`{"action":"X","actorUserId":1,"reason":"dev"}`))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCorrelationID_generatedWhenMissing(t *testing.T) {
	f := setup(t, "")
	w := f.do(http.MethodPost, "/api/v1/ledger/entries", "", []byte(`{"action":"X","actorUserId":1,"reason":"dev"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	var e ledger.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	require.NotNil(t, e.CorrelationID)
	assert.Equal(t, w.Header().Get(api.CorrelationHeader), *e.CorrelationID)
}
