package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/auth"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// LedgerHandler exposes the audit ledger over HTTP.
type LedgerHandler struct {
	ledger ledger.Ledger
	tokens *auth.Issuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. tokens may carry an empty
// secret, in which case every route is open.
func NewLedgerHandler(l ledger.Ledger, tokens *auth.Issuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", auth.RequireRole(h.tokens, auth.RoleAuditor), h.Verify)
		l.GET("/export", auth.RequireRole(h.tokens, auth.RoleAuditor), h.Export)
		l.GET("/entries/:id", auth.RequireRole(h.tokens, auth.RoleAuditor), h.GetEntry)
		l.POST("/entries", auth.RequireRole(h.tokens, auth.RoleService), h.Append)
	}
}

// Overview handles GET /ledger: the chain length and current tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	tip, err := h.ledger.Tip(ctx)
	if err != nil {
		h.logger.Error("ledger Tip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger tip"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"tip":     tip,
	})
}

// Verify handles GET /ledger/verify: replays the full chain and reports the
// first divergence, if any.
func (h *LedgerHandler) Verify(c *gin.Context) {
	report, err := h.ledger.Inspect(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger Inspect", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify ledger"})
		return
	}
	if !report.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.Int("position", report.Position),
			zap.String("reason", report.Reason),
		)
	}
	c.JSON(http.StatusOK, report)
}

// Export handles GET /ledger/export?format=&from=&to=&tenant=.
func (h *LedgerHandler) Export(c *gin.Context) {
	format, err := ledger.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := parseBound(c.Query("from"), false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from: " + err.Error()})
		return
	}
	to, err := parseBound(c.Query("to"), true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to: " + err.Error()})
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be before from"})
		return
	}

	tenant, ok := h.resolveTenant(c)
	if !ok {
		return
	}

	p, err := ledger.Export(c.Request.Context(), h.ledger, ledger.ExportRequest{
		Format:   format,
		From:     from,
		To:       to,
		TenantID: tenant,
	})
	if err != nil {
		h.logger.Error("ledger Export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export ledger"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Filename))
	c.Header("X-Ledger-Records", fmt.Sprint(len(p.Records)))
	c.Data(http.StatusOK, p.ContentType, p.Data)
}

// resolveTenant returns the tenant scope of an export. A token bound to a
// tenant may only export that tenant.
func (h *LedgerHandler) resolveTenant(c *gin.Context) (*string, bool) {
	requested := strings.TrimSpace(c.Query("tenant"))

	if claims := auth.ClaimsFromCtx(c); claims != nil && claims.TenantID != "" {
		if requested != "" && requested != claims.TenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "token is restricted to tenant " + claims.TenantID})
			return nil, false
		}
		t := claims.TenantID
		return &t, true
	}

	if requested == "" {
		return nil, true
	}
	return &requested, true
}

// GetEntry handles GET /ledger/entries/:id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	if claims := auth.ClaimsFromCtx(c); claims != nil && claims.TenantID != "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant-scoped tokens may only export"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// appendBody is the POST /ledger/entries payload. Structured values stay raw
// so numbers reach the canonicalizer exactly as the caller wrote them.
type appendBody struct {
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ActorUserID   *int64          `json:"actorUserId"`
	OldValues     json.RawMessage `json:"oldValues"`
	NewValues     json.RawMessage `json:"newValues"`
	IPAddress     *string         `json:"ipAddress"`
	UserAgent     *string         `json:"userAgent"`
	Reason        string          `json:"reason"`
	CorrelationID *string         `json:"correlationId"`
}

// Append handles POST /ledger/entries for collaborators running out of
// process. In-process callers use the ledger directly.
func (h *LedgerHandler) Append(c *gin.Context) {
	var body appendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	entry, err := h.ledger.Append(c.Request.Context(), ledger.AppendRequest{
		Action:        body.Action,
		ResourceType:  body.ResourceType,
		ResourceID:    body.ResourceID,
		ActorUserID:   body.ActorUserID,
		OldValues:     body.OldValues,
		NewValues:     body.NewValues,
		IPAddress:     body.IPAddress,
		UserAgent:     body.UserAgent,
		Reason:        body.Reason,
		CorrelationID: body.CorrelationID,
	})
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		h.logger.Error("ledger Append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append ledger entry"})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used as
// the upper bound covers the whole day.
func parseBound(s string, upper bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", s)
	}
	if upper {
		d = d.Add(24*time.Hour - time.Microsecond)
	}
	return &d, nil
}
