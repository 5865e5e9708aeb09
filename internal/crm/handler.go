package crm

import (
	"io"
	"net/http"
	"time"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/httpkit"
	"leadrouter_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Handler receives CRM webhooks.
type Handler struct {
	tenants   *config.TenantRegistry
	deduper   *Deduper
	processor *leads.Processor
	freshness time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewHandler creates the webhook handler.
func NewHandler(cfg config.DedupeConfig, tenants *config.TenantRegistry, deduper *Deduper, processor *leads.Processor, log *logger.Logger) *Handler {
	return &Handler{
		tenants:   tenants,
		deduper:   deduper,
		processor: processor,
		freshness: cfg.GetFreshnessWindow(),
		log:       log,
		now:       time.Now,
	}
}

// HandleInbound processes one webhook delivery.
// POST /api/v1/webhooks/crm/:tenantID
//
// Unverifiable deliveries get 401 and never reach business logic.
// Duplicates and stale events get 200 so the CRM stops redelivering.
func (h *Handler) HandleInbound(c *gin.Context) {
	tenantID := c.Param("tenantID")
	tenant, ok := h.tenants.Get(tenantID)
	if !ok {
		h.log.WebhookRejected(tenantID, "unknown tenant", c.ClientIP())
		httpkit.Error(c, http.StatusUnauthorized, "unknown tenant", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "unreadable body", nil)
		return
	}

	if !VerifySignature(tenant.WebhookSecret, body, c.GetHeader(SignatureHeader)) {
		h.log.WebhookRejected(tenantID, "invalid signature", c.ClientIP())
		httpkit.Error(c, http.StatusUnauthorized, "invalid signature", nil)
		return
	}

	msg, err := ParseEnvelope(tenantID, body, h.freshness, h.now())
	if err != nil {
		if apperr.Is(err, apperr.KindStale) {
			httpkit.JSON(c, http.StatusOK, gin.H{"status": "stale", "processed": false})
			return
		}
		httpkit.HandleError(c, err)
		return
	}

	seen, err := h.deduper.Seen(c.Request.Context(), tenantID, msg.EventKey)
	if err != nil {
		httpkit.HandleError(c, err)
		return
	}
	if seen {
		h.log.DuplicateEvent(tenantID, msg.EventKey)
		httpkit.JSON(c, http.StatusOK, gin.H{"status": "duplicate", "processed": false})
		return
	}

	lead, err := h.processor.ProcessMessage(c.Request.Context(), msg)
	if err != nil {
		if apperr.Is(err, apperr.KindStale) {
			// The event is terminally out of order; redelivering it would
			// only hit the same guard.
			h.deduper.Mark(c.Request.Context(), tenantID, msg.EventKey)
			httpkit.JSON(c, http.StatusOK, gin.H{"status": "stale", "processed": false})
			return
		}
		// The key was never claimed, so the CRM's redelivery gets a
		// clean retry.
		httpkit.HandleError(c, err)
		return
	}
	h.deduper.Mark(c.Request.Context(), tenantID, msg.EventKey)

	httpkit.JSON(c, http.StatusOK, gin.H{
		"status":      "processed",
		"processed":   true,
		"activeBot":   lead.ActiveBot,
		"temperature": lead.Temperature,
	})
}
