package operator

import (
	"net/http"
	"strconv"

	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler exposes the operator console over HTTP. All routes require a
// valid operator JWT carrying a tenant_id claim.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the operator routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/dead-letters", h.ListDeadLetters)
	rg.POST("/dead-letters/:id/requeue", h.RequeueDeadLetter)
	rg.POST("/dead-letters/:id/resolve", h.ResolveDeadLetter)
	rg.GET("/leads/:contactID", h.GetLead)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return
	}

	status := c.Query("status")
	switch status {
	case "", repository.StatusPending, repository.StatusRequeued, repository.StatusResolved:
	default:
		httpkit.Error(c, http.StatusBadRequest, "unknown status filter", nil)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpkit.Error(c, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	letters, err := h.svc.ListDeadLetters(c.Request.Context(), tenantID, status, limit)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, gin.H{"deadLetters": letters})
}

func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid dead letter ID", nil)
		return
	}

	letter, err := h.svc.RequeueDeadLetter(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, letter)
}

func (h *Handler) ResolveDeadLetter(c *gin.Context) {
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid dead letter ID", nil)
		return
	}

	if err := h.svc.ResolveDeadLetter(c.Request.Context(), tenantID, id); httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, gin.H{"status": repository.StatusResolved})
}

func (h *Handler) GetLead(c *gin.Context) {
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return
	}

	view, err := h.svc.GetLead(c.Request.Context(), tenantID, c.Param("contactID"))
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, view)
}

func mustGetTenantID(c *gin.Context) (string, bool) {
	tenantID := c.GetString(httpkit.ContextTenantIDKey)
	if tenantID == "" {
		httpkit.Error(c, http.StatusForbidden, "token is missing a tenant claim", nil)
		return "", false
	}
	return tenantID, true
}
