package operator

import (
	"leadrouter_backend/internal/events"
	apphttp "leadrouter_backend/internal/http"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/logger"
)

// Module wires the operator console.
type Module struct {
	handler *Handler
	service *Service
}

// NewModule creates the operator module with all dependencies wired.
func NewModule(repo *repository.Repository, bus events.Bus, log *logger.Logger) *Module {
	svc := NewService(repo, repo, bus, log)
	return &Module{
		handler: NewHandler(svc),
		service: svc,
	}
}

// Name returns the module name for logging.
func (m *Module) Name() string {
	return "operator"
}

// Service returns the service layer for external use.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes registers the module's routes behind operator auth.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	operator := ctx.Protected.Group("/operator")
	m.handler.RegisterRoutes(operator)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
