package tickets

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/contextkeys"
	"github.com/opsdesk/opsdesk/pkg/httputil"
	"github.com/opsdesk/opsdesk/pkg/observability"
	"github.com/opsdesk/opsdesk/pkg/rbac"
)

// Handlers exposes ticket CRUD over HTTP, gated by the permission
// guard.
type Handlers struct {
	store   *Store
	scopes  *rbac.ScopeResolver
	auditor audit.Logger
}

// NewHandlers creates ticket HTTP handlers.
func NewHandlers(store *Store, scopes *rbac.ScopeResolver, auditor audit.Logger) *Handlers {
	if auditor == nil {
		auditor = audit.NopLogger()
	}
	return &Handlers{store: store, scopes: scopes, auditor: auditor}
}

// resolver extracts the targeted ticket's ownership context for the
// guard. Missing tickets resolve to rbac.ErrNotFound so the guard
// falls back to the coarse check and the handler owns the 404.
func (h *Handlers) resolver(r *http.Request) (*rbac.ResourceContext, error) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		return nil, rbac.ErrNotFound
	}
	return h.store.ResourceContext(r.Context(), id)
}

// RegisterRoutes mounts the ticket surface on the router, guarded.
func (h *Handlers) RegisterRoutes(r *mux.Router, guard *rbac.Guard) {
	protect := func(action rbac.Action, auditAction string, withContext bool, fn http.HandlerFunc) http.Handler {
		req := rbac.Requirement{
			Permission:  &rbac.Permission{Resource: rbac.ResourceTicket, Action: action},
			AuditAction: auditAction,
		}
		if withContext {
			req.Resolver = h.resolver
		}
		return guard.Protect(req)(fn)
	}

	r.Handle("/tickets", protect(rbac.ActionRead, "", false, h.ListTickets)).Methods(http.MethodGet)
	r.Handle("/tickets", protect(rbac.ActionCreate, "create_ticket", false, h.CreateTicket)).Methods(http.MethodPost)
	r.Handle("/tickets/{id:[0-9]+}", protect(rbac.ActionRead, "", true, h.GetTicket)).Methods(http.MethodGet)
	r.Handle("/tickets/{id:[0-9]+}", protect(rbac.ActionUpdate, "update_ticket", true, h.UpdateTicket)).Methods(http.MethodPut)
	r.Handle("/tickets/{id:[0-9]+}", protect(rbac.ActionDelete, "delete_ticket", true, h.DeleteTicket)).Methods(http.MethodDelete)
	r.Handle("/tickets/{id:[0-9]+}/assign", protect(rbac.ActionAssign, "assign_ticket", true, h.AssignTicket)).Methods(http.MethodPost)
	r.Handle("/tickets/{id:[0-9]+}/comments", protect(rbac.ActionRead, "", true, h.ListTicketComments)).Methods(http.MethodGet)
	r.Handle("/tickets/{id:[0-9]+}/comments", protect(rbac.ActionComment, "comment_ticket", true, h.AddTicketComment)).Methods(http.MethodPost)
	r.Handle("/tickets/{id:[0-9]+}/follow", protect(rbac.ActionRead, "", true, h.FollowTicket)).Methods(http.MethodPost)
	r.Handle("/tickets/{id:[0-9]+}/follow", guard.RequireAuth(http.HandlerFunc(h.UnfollowTicket))).Methods(http.MethodDelete)
}

// ListTickets returns the page of tickets visible to the caller's
// access scope.
func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	userID := contextkeys.GetUserID(r.Context())
	scope, err := h.scopes.ResolveScope(r.Context(), userID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to resolve access scope")
		httputil.WriteInternalError(w)
		return
	}

	page, limit := httputil.ParsePage(r, 25, 100)
	tickets, total, err := h.store.ListVisible(r.Context(), userID, scope, limit, (page-1)*limit)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list tickets")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WritePaged(w, tickets, page, limit, total)
}

// CreateTicket opens a new ticket with the caller as creator.
func (h *Handlers) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject     string   `json:"subject"`
		Description string   `json:"description"`
		Priority    Priority `json:"priority"`
		TeamID      *int64   `json:"team_id"`
		CustomerID  *int64   `json:"customer_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Subject == "" {
		httputil.WriteValidationError(w, "subject is required")
		return
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		httputil.WriteValidationError(w, fmt.Sprintf("invalid priority: %q", req.Priority))
		return
	}

	ticket := &Ticket{
		Subject:     req.Subject,
		Description: req.Description,
		Status:      StatusOpen,
		Priority:    req.Priority,
		TeamID:      req.TeamID,
		CreatorID:   contextkeys.GetUserID(r.Context()),
		CustomerID:  req.CustomerID,
	}
	if err := h.store.Create(r.Context(), ticket); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to create ticket")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeTicketCreate,
		ticket.CreatorID, string(rbac.ResourceTicket), fmt.Sprintf("%d", ticket.ID),
		fmt.Sprintf("created ticket %q", ticket.Subject))
	httputil.WriteCreated(w, ticket)
}

// GetTicket returns a single ticket.
func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	ticket, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get ticket")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, ticket)
}

// UpdateTicket changes a ticket's fields.
func (h *Handlers) UpdateTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	ticket, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get ticket")
		httputil.WriteInternalError(w)
		return
	}

	var req struct {
		Subject     *string   `json:"subject"`
		Description *string   `json:"description"`
		Status      *Status   `json:"status"`
		Priority    *Priority `json:"priority"`
		TeamID      *int64    `json:"team_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Subject != nil {
		if *req.Subject == "" {
			httputil.WriteValidationError(w, "subject cannot be empty")
			return
		}
		ticket.Subject = *req.Subject
	}
	if req.Description != nil {
		ticket.Description = *req.Description
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			httputil.WriteValidationError(w, fmt.Sprintf("invalid status: %q", *req.Status))
			return
		}
		ticket.Status = *req.Status
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			httputil.WriteValidationError(w, fmt.Sprintf("invalid priority: %q", *req.Priority))
			return
		}
		ticket.Priority = *req.Priority
	}
	if req.TeamID != nil {
		ticket.TeamID = req.TeamID
	}

	if err := h.store.Update(r.Context(), ticket); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to update ticket")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeTicketUpdate,
		contextkeys.GetUserID(r.Context()), string(rbac.ResourceTicket), fmt.Sprintf("%d", id),
		"updated ticket")
	httputil.WriteSuccess(w, ticket)
}

// DeleteTicket removes a ticket.
func (h *Handlers) DeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.store.Delete(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to delete ticket")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeTicketDelete,
		contextkeys.GetUserID(r.Context()), string(rbac.ResourceTicket), fmt.Sprintf("%d", id),
		"deleted ticket")
	httputil.WriteNoContent(w)
}

// AssignTicket sets or clears the assignee.
func (h *Handlers) AssignTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		AssigneeID *int64 `json:"assignee_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := h.store.Assign(r.Context(), id, req.AssigneeID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to assign ticket")
		httputil.WriteInternalError(w)
		return
	}

	message := "unassigned ticket"
	if req.AssigneeID != nil {
		message = fmt.Sprintf("assigned ticket to user %d", *req.AssigneeID)
	}
	h.auditor.LogAdminAction(r.Context(), audit.EventTypeTicketAssign,
		contextkeys.GetUserID(r.Context()), string(rbac.ResourceTicket), fmt.Sprintf("%d", id),
		message)
	httputil.WriteNoContent(w)
}

// ListTicketComments returns a ticket's comments.
func (h *Handlers) ListTicketComments(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.Get(r.Context(), id); errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	} else if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get ticket")
		httputil.WriteInternalError(w)
		return
	}

	comments, err := h.store.ListComments(r.Context(), id)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list comments")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, comments)
}

// AddTicketComment appends a comment authored by the caller.
func (h *Handlers) AddTicketComment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.Get(r.Context(), id); errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	} else if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get ticket")
		httputil.WriteInternalError(w)
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Body == "" {
		httputil.WriteValidationError(w, "body is required")
		return
	}

	comment := &Comment{
		TicketID: id,
		AuthorID: contextkeys.GetUserID(r.Context()),
		Body:     req.Body,
	}
	if err := h.store.AddComment(r.Context(), comment); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to add comment")
		httputil.WriteInternalError(w)
		return
	}

	h.auditor.LogAdminAction(r.Context(), audit.EventTypeTicketComment,
		comment.AuthorID, string(rbac.ResourceTicket), fmt.Sprintf("%d", id),
		"commented on ticket")
	httputil.WriteCreated(w, comment)
}

// FollowTicket subscribes the caller to a ticket. The route requires
// read access to the ticket, so following cannot widen anyone's scope;
// it preserves read and comment access if the ticket later moves out
// of the follower's teams.
func (h *Handlers) FollowTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.Get(r.Context(), id); errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "ticket not found")
		return
	} else if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get ticket")
		httputil.WriteInternalError(w)
		return
	}

	if err := h.store.Follow(r.Context(), id, contextkeys.GetUserID(r.Context())); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to follow ticket")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

// UnfollowTicket removes the caller from a ticket's followers.
func (h *Handlers) UnfollowTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.Unfollow(r.Context(), id, contextkeys.GetUserID(r.Context())); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to unfollow ticket")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}
