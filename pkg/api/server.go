// Package api wires the HTTP surface: middleware chain, route
// registration, and server lifecycle.
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/config"
	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/middleware"
	"github.com/opsdesk/opsdesk/pkg/observability"
	"github.com/opsdesk/opsdesk/pkg/rbac"
	"github.com/opsdesk/opsdesk/pkg/session"
	"github.com/opsdesk/opsdesk/pkg/tickets"
)

// maxRequestBody caps request bodies well above the largest legitimate
// payload (ticket descriptions and audit export filters).
const maxRequestBody = 1 << 20

// Dependencies collects everything the server needs to route requests.
type Dependencies struct {
	Directory   *rbac.Directory
	Scopes      *rbac.ScopeResolver
	Checker     *rbac.Checker
	Grants      *rbac.GrantTable
	TicketStore *tickets.Store
	AuditStore  audit.Store
	Auditor     audit.Logger
	Sessions    *session.Manager
	Metrics     *observability.Metrics
	Logger      *observability.Logger
}

// Server is the opsdesk HTTP API server.
type Server struct {
	cfg    *config.Config
	router *mux.Router
	logger *observability.Logger
	http   *http.Server
}

// NewServer builds the router and middleware chain.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: deps.Logger,
	}

	guard := rbac.NewGuard(deps.Checker, deps.Auditor)

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBody),
	}
	if deps.Metrics != nil {
		chain = append(chain, deps.Metrics.HTTPMiddleware(routeTemplate))
	}
	chain = append(chain,
		audit.NewMiddleware(deps.Auditor, cfg.Audit.LogAllRequests).Handler,
		middleware.NewSessionMiddleware(deps.Sessions).Handler,
	)
	for _, mw := range chain {
		s.router.Use(mw)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Authentication (public)
	authHandlers := NewAuthHandlers(deps.Directory, deps.Sessions, deps.Auditor)
	v1.HandleFunc("/auth/login", authHandlers.Login).Methods(http.MethodPost)

	// Directory and permission administration
	rbacHandlers := rbac.NewHandlers(deps.Directory, deps.Scopes, deps.Checker, deps.Grants, deps.Auditor)
	rbacHandlers.RegisterRoutes(v1, guard)

	// Tickets
	ticketHandlers := tickets.NewHandlers(deps.TicketStore, deps.Scopes, deps.Auditor)
	ticketHandlers.RegisterRoutes(v1, guard)

	// Audit trail
	auditHandlers := audit.NewHandlers(deps.AuditStore)
	auditRoutes := v1.PathPrefix("/audit").Subrouter()
	auditRoutes.Handle("/logs",
		guard.RequirePermission(rbac.ActionRead, rbac.ResourceAuditLog, "")(http.HandlerFunc(auditHandlers.ListLogs))).
		Methods(http.MethodGet)
	auditRoutes.Handle("/logs/{id:[0-9]+}",
		guard.RequirePermission(rbac.ActionRead, rbac.ResourceAuditLog, "")(http.HandlerFunc(auditHandlers.GetLog))).
		Methods(http.MethodGet)
	auditRoutes.Handle("/export",
		guard.RequirePermission(rbac.ActionExport, rbac.ResourceAuditLog, "export_audit_logs")(http.HandlerFunc(auditHandlers.ExportLogs))).
		Methods(http.MethodGet)
	auditRoutes.Handle("/stats",
		guard.RequirePermission(rbac.ActionRead, rbac.ResourceAuditLog, "")(http.HandlerFunc(auditHandlers.GetStatsHandler))).
		Methods(http.MethodGet)
	auditRoutes.Handle("/cleanup",
		guard.RequirePermission(rbac.ActionDelete, rbac.ResourceAuditLog, "cleanup_audit_logs")(http.HandlerFunc(auditHandlers.CleanupLogs))).
		Methods(http.MethodPost)

	return s
}

// routeTemplate returns the mux route template for metric labels.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tmpl
}

// Router exposes the configured router, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.WithField("addr", addr).Info("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
