package crm

import (
	"leadrouter_backend/internal/events"
	apphttp "leadrouter_backend/internal/http"
	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

// ModuleConfig combines the config interfaces the CRM module needs.
type ModuleConfig interface {
	config.CrmConfig
	config.DedupeConfig
}

// Module wires the CRM adapter: webhook ingest, outbound client, and the
// state projector.
type Module struct {
	cfg       ModuleConfig
	tenants   *config.TenantRegistry
	log       *logger.Logger
	client    *Client
	projector *Projector
	deduper   *Deduper
	handler   *Handler
}

// NewModule creates the CRM module. The processor is injected afterwards
// via SetProcessor because the processor itself needs the module's client
// as its message sender.
func NewModule(
	cfg ModuleConfig,
	tenants *config.TenantRegistry,
	rdb *redis.Client,
	repo *repository.Repository,
	bus events.Bus,
	log *logger.Logger,
) *Module {
	client := NewClient(cfg, tenants, log)
	projector := NewProjector(cfg, client, tenants, repo, repo, bus, log)
	projector.Register(bus)

	return &Module{
		cfg:       cfg,
		tenants:   tenants,
		log:       log,
		client:    client,
		projector: projector,
		deduper:   NewDeduper(rdb, repo, cfg.GetDedupeTTL(), log),
	}
}

// Client returns the outbound CRM client for the processor's reply sends.
func (m *Module) Client() *Client {
	return m.client
}

// SetProcessor completes wiring once the lead processor exists.
func (m *Module) SetProcessor(processor *leads.Processor) {
	m.handler = NewHandler(m.cfg, m.tenants, m.deduper, processor, m.log)
}

func (m *Module) Name() string {
	return "crm"
}

// RegisterRoutes mounts the public webhook endpoint. Authentication is the
// per-tenant HMAC signature, not a JWT.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.V1.POST("/webhooks/crm/:tenantID", m.handler.HandleInbound)
}

var _ apphttp.Module = (*Module)(nil)
