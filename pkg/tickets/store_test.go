package tickets

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsdesk/opsdesk/pkg/rbac"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// A second pooled connection would see its own empty :memory: db.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'agent',
		team_id INTEGER REFERENCES teams(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE team_leaderships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		team_id INTEGER NOT NULL REFERENCES teams(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (team_id, user_id)
	);
	CREATE TABLE tickets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		priority TEXT NOT NULL DEFAULT 'normal',
		team_id INTEGER,
		creator_id INTEGER NOT NULL,
		assignee_id INTEGER,
		customer_id INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE ticket_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id INTEGER NOT NULL,
		author_id INTEGER NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE ticket_followers (
		ticket_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (ticket_id, user_id)
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	return db
}

func id64(v int64) *int64 { return &v }

func mustCreateTicket(t *testing.T, s *Store, ticket *Ticket) *Ticket {
	t.Helper()
	if ticket.Status == "" {
		ticket.Status = StatusOpen
	}
	if ticket.Priority == "" {
		ticket.Priority = PriorityNormal
	}
	if err := s.Create(context.Background(), ticket); err != nil {
		t.Fatalf("Failed to create ticket %q: %v", ticket.Subject, err)
	}
	return ticket
}

func TestCreateAndGetTicket(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	created := mustCreateTicket(t, s, &Ticket{
		Subject:     "Printer on fire",
		Description: "Smoke is coming out",
		Priority:    PriorityUrgent,
		TeamID:      id64(3),
		CreatorID:   1,
		CustomerID:  id64(9),
	})
	if created.ID == 0 {
		t.Fatal("Expected ticket id to be assigned")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be populated")
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to get ticket: %v", err)
	}
	if got.Subject != "Printer on fire" || got.Priority != PriorityUrgent {
		t.Errorf("Unexpected ticket: %+v", got)
	}
	if got.TeamID == nil || *got.TeamID != 3 {
		t.Errorf("Expected team 3, got %v", got.TeamID)
	}
	if got.AssigneeID != nil {
		t.Errorf("Expected no assignee, got %v", got.AssigneeID)
	}
	if got.CustomerID == nil || *got.CustomerID != 9 {
		t.Errorf("Expected customer 9, got %v", got.CustomerID)
	}

	if _, err := s.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTicket(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{Subject: "Slow laptop", CreatorID: 1})

	ticket.Subject = "Very slow laptop"
	ticket.Status = StatusPending
	ticket.Priority = PriorityHigh
	ticket.TeamID = id64(2)
	ticket.AssigneeID = id64(5)
	if err := s.Update(ctx, ticket); err != nil {
		t.Fatalf("Failed to update ticket: %v", err)
	}

	got, err := s.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to get ticket: %v", err)
	}
	if got.Subject != "Very slow laptop" || got.Status != StatusPending || got.Priority != PriorityHigh {
		t.Errorf("Unexpected ticket after update: %+v", got)
	}
	if got.TeamID == nil || *got.TeamID != 2 || got.AssigneeID == nil || *got.AssigneeID != 5 {
		t.Errorf("Expected team 2 and assignee 5, got %+v", got)
	}

	missing := &Ticket{ID: 9999, Subject: "x", Status: StatusOpen, Priority: PriorityNormal}
	if err := s.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAssignTicket(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{Subject: "VPN down", CreatorID: 1})

	if err := s.Assign(ctx, ticket.ID, id64(7)); err != nil {
		t.Fatalf("Failed to assign ticket: %v", err)
	}
	got, _ := s.Get(ctx, ticket.ID)
	if got.AssigneeID == nil || *got.AssigneeID != 7 {
		t.Errorf("Expected assignee 7, got %v", got.AssigneeID)
	}

	if err := s.Assign(ctx, ticket.ID, nil); err != nil {
		t.Fatalf("Failed to unassign ticket: %v", err)
	}
	got, _ = s.Get(ctx, ticket.ID)
	if got.AssigneeID != nil {
		t.Errorf("Expected no assignee, got %v", got.AssigneeID)
	}

	if err := s.Assign(ctx, 9999, id64(7)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTicketCascades(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{Subject: "Keyboard broken", CreatorID: 1})
	if err := s.AddComment(ctx, &Comment{TicketID: ticket.ID, AuthorID: 1, Body: "on it"}); err != nil {
		t.Fatalf("Failed to add comment: %v", err)
	}
	if err := s.Follow(ctx, ticket.ID, 4); err != nil {
		t.Fatalf("Failed to follow ticket: %v", err)
	}

	if err := s.Delete(ctx, ticket.ID); err != nil {
		t.Fatalf("Failed to delete ticket: %v", err)
	}

	if _, err := s.Get(ctx, ticket.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	comments, err := s.ListComments(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to list comments: %v", err)
	}
	if len(comments) != 0 {
		t.Errorf("Expected comments to be deleted, got %d", len(comments))
	}
	followers, err := s.FollowerIDs(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to list followers: %v", err)
	}
	if len(followers) != 0 {
		t.Errorf("Expected followers to be deleted, got %d", len(followers))
	}

	if err := s.Delete(ctx, ticket.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestComments(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{Subject: "Monitor flicker", CreatorID: 1})

	first := &Comment{TicketID: ticket.ID, AuthorID: 1, Body: "first"}
	second := &Comment{TicketID: ticket.ID, AuthorID: 2, Body: "second"}
	for _, c := range []*Comment{first, second} {
		if err := s.AddComment(ctx, c); err != nil {
			t.Fatalf("Failed to add comment: %v", err)
		}
		if c.ID == 0 {
			t.Fatal("Expected comment id to be assigned")
		}
	}

	comments, err := s.ListComments(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to list comments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("Expected 2 comments, got %d", len(comments))
	}
	if comments[0].Body != "first" || comments[1].Body != "second" {
		t.Errorf("Expected oldest-first ordering, got %q then %q", comments[0].Body, comments[1].Body)
	}
}

func TestFollowers(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{Subject: "Password reset", CreatorID: 1})

	if err := s.Follow(ctx, ticket.ID, 5); err != nil {
		t.Fatalf("Failed to follow: %v", err)
	}
	if err := s.Follow(ctx, ticket.ID, 3); err != nil {
		t.Fatalf("Failed to follow: %v", err)
	}
	// Following twice is a no-op.
	if err := s.Follow(ctx, ticket.ID, 5); err != nil {
		t.Fatalf("Expected duplicate follow to be a no-op, got %v", err)
	}

	followers, err := s.FollowerIDs(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to list followers: %v", err)
	}
	if len(followers) != 2 || followers[0] != 3 || followers[1] != 5 {
		t.Errorf("Expected followers [3 5], got %v", followers)
	}

	if err := s.Unfollow(ctx, ticket.ID, 5); err != nil {
		t.Fatalf("Failed to unfollow: %v", err)
	}
	followers, _ = s.FollowerIDs(ctx, ticket.ID)
	if len(followers) != 1 || followers[0] != 3 {
		t.Errorf("Expected followers [3], got %v", followers)
	}
}

func TestListVisibleOrganizationWide(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreateTicket(t, s, &Ticket{Subject: "ticket", CreatorID: int64(i + 10), TeamID: id64(int64(i + 1))})
	}

	scope := rbac.AccessScope{OrganizationWide: true}
	tickets, total, err := s.ListVisible(ctx, 1, scope, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list tickets: %v", err)
	}
	if total != 3 || len(tickets) != 3 {
		t.Errorf("Expected all 3 tickets, got total=%d len=%d", total, len(tickets))
	}

	tickets, total, err = s.ListVisible(ctx, 1, scope, 2, 0)
	if err != nil {
		t.Fatalf("Failed to list tickets: %v", err)
	}
	if total != 3 || len(tickets) != 2 {
		t.Errorf("Expected page of 2 with total 3, got total=%d len=%d", total, len(tickets))
	}
}

func TestListVisibleTeamScope(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()
	userID := int64(42)

	teamTicket := mustCreateTicket(t, s, &Ticket{Subject: "team", CreatorID: 1, TeamID: id64(7)})
	createdTicket := mustCreateTicket(t, s, &Ticket{Subject: "created", CreatorID: userID})
	assignedTicket := mustCreateTicket(t, s, &Ticket{Subject: "assigned", CreatorID: 1, AssigneeID: id64(userID)})
	customerTicket := mustCreateTicket(t, s, &Ticket{Subject: "customer", CreatorID: 1, CustomerID: id64(userID)})
	followedTicket := mustCreateTicket(t, s, &Ticket{Subject: "followed", CreatorID: 1, TeamID: id64(99)})
	if err := s.Follow(ctx, followedTicket.ID, userID); err != nil {
		t.Fatalf("Failed to follow: %v", err)
	}
	foreign := mustCreateTicket(t, s, &Ticket{Subject: "foreign", CreatorID: 1, TeamID: id64(99)})

	scope := rbac.AccessScope{TeamIDs: map[int64]struct{}{7: {}}}
	tickets, total, err := s.ListVisible(ctx, userID, scope, 50, 0)
	if err != nil {
		t.Fatalf("Failed to list tickets: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected 5 visible tickets, got %d", total)
	}

	visible := make(map[int64]bool, len(tickets))
	for _, tk := range tickets {
		visible[tk.ID] = true
	}
	for _, want := range []*Ticket{teamTicket, createdTicket, assignedTicket, customerTicket, followedTicket} {
		if !visible[want.ID] {
			t.Errorf("Expected ticket %q to be visible", want.Subject)
		}
	}
	if visible[foreign.ID] {
		t.Error("Foreign team ticket must not be visible")
	}
}

func TestListVisibleSelfOnlyScope(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()
	userID := int64(8)

	mine := mustCreateTicket(t, s, &Ticket{Subject: "mine", CreatorID: userID})
	mustCreateTicket(t, s, &Ticket{Subject: "team ticket", CreatorID: 1, TeamID: id64(3)})

	tickets, total, err := s.ListVisible(ctx, userID, rbac.AccessScope{}, 50, 0)
	if err != nil {
		t.Fatalf("Failed to list tickets: %v", err)
	}
	if total != 1 || len(tickets) != 1 || tickets[0].ID != mine.ID {
		t.Errorf("Expected only own ticket, got total=%d tickets=%v", total, tickets)
	}
}

func TestResourceContext(t *testing.T) {
	s := NewStore(newTestDB(t))
	ctx := context.Background()

	ticket := mustCreateTicket(t, s, &Ticket{
		Subject:    "Disk full",
		CreatorID:  1,
		TeamID:     id64(4),
		AssigneeID: id64(6),
		CustomerID: id64(9),
	})
	if err := s.Follow(ctx, ticket.ID, 11); err != nil {
		t.Fatalf("Failed to follow: %v", err)
	}

	rc, err := s.ResourceContext(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Failed to resolve resource context: %v", err)
	}
	if rc.CreatorID != 1 || rc.TeamID != 4 || rc.AssigneeID != 6 || rc.CustomerID != 9 {
		t.Errorf("Unexpected resource context: %+v", rc)
	}
	if len(rc.Followers) != 1 || rc.Followers[0] != 11 {
		t.Errorf("Expected followers [11], got %v", rc.Followers)
	}

	if _, err := s.ResourceContext(ctx, 9999); !errors.Is(err, rbac.ErrNotFound) {
		t.Errorf("Expected rbac.ErrNotFound, got %v", err)
	}
}
