// Package tickets implements the ticket store and its HTTP surface.
// Every read and mutation goes through the permission guard; list
// queries are filtered by the caller's access scope.
package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsdesk/opsdesk/pkg/rbac"
)

// ErrNotFound is returned for missing tickets and comments.
var ErrNotFound = errors.New("ticket not found")

// Status is the ticket workflow state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Priority is the ticket urgency level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Ticket is a helpdesk ticket.
type Ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	TeamID      *int64    `json:"team_id,omitempty"`
	CreatorID   int64     `json:"creator_id"`
	AssigneeID  *int64    `json:"assignee_id,omitempty"`
	CustomerID  *int64    `json:"customer_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Comment is a note on a ticket.
type Comment struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides ticket persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a ticket store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations is the ordered schema history for the ticket tables.
var Migrations = []rbac.Migration{
	{
		Version:     100,
		Description: "Create tickets table",
		SQL: `
			CREATE TABLE IF NOT EXISTS tickets (
				id BIGSERIAL PRIMARY KEY,
				subject VARCHAR(500) NOT NULL,
				description TEXT,
				status VARCHAR(20) NOT NULL DEFAULT 'open',
				priority VARCHAR(20) NOT NULL DEFAULT 'normal',
				team_id BIGINT,
				creator_id BIGINT NOT NULL,
				assignee_id BIGINT,
				customer_id BIGINT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
	},
	{
		Version:     101,
		Description: "Create ticket_comments table",
		SQL: `
			CREATE TABLE IF NOT EXISTS ticket_comments (
				id BIGSERIAL PRIMARY KEY,
				ticket_id BIGINT NOT NULL,
				author_id BIGINT NOT NULL,
				body TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
	},
	{
		Version:     102,
		Description: "Create ticket_followers table",
		SQL: `
			CREATE TABLE IF NOT EXISTS ticket_followers (
				ticket_id BIGINT NOT NULL,
				user_id BIGINT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (ticket_id, user_id)
			)`,
	},
	{
		Version:     103,
		Description: "Index tickets by team and assignee",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_tickets_team_id ON tickets(team_id)`,
	},
}

const ticketColumns = `id, subject, description, status, priority, team_id, creator_id, assignee_id, customer_id, created_at, updated_at`

func scanTicket(row interface{ Scan(...interface{}) error }) (*Ticket, error) {
	var t Ticket
	var description sql.NullString
	var teamID, assigneeID, customerID sql.NullInt64
	err := row.Scan(&t.ID, &t.Subject, &description, &t.Status, &t.Priority,
		&teamID, &t.CreatorID, &assigneeID, &customerID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.Description = description.String
	if teamID.Valid {
		t.TeamID = &teamID.Int64
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.Int64
	}
	if customerID.Valid {
		t.CustomerID = &customerID.Int64
	}
	return &t, nil
}

// Get returns a ticket by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

// Create inserts a new ticket.
func (s *Store) Create(ctx context.Context, t *Ticket) error {
	var teamID, assigneeID, customerID interface{}
	if t.TeamID != nil {
		teamID = *t.TeamID
	}
	if t.AssigneeID != nil {
		assigneeID = *t.AssigneeID
	}
	if t.CustomerID != nil {
		customerID = *t.CustomerID
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tickets (subject, description, status, priority, team_id, creator_id, assignee_id, customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`,
		t.Subject, t.Description, t.Status, t.Priority, teamID, t.CreatorID, assigneeID, customerID).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Update changes a ticket's mutable fields.
func (s *Store) Update(ctx context.Context, t *Ticket) error {
	var teamID, assigneeID interface{}
	if t.TeamID != nil {
		teamID = *t.TeamID
	}
	if t.AssigneeID != nil {
		assigneeID = *t.AssigneeID
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET subject = $1, description = $2, status = $3, priority = $4, team_id = $5, assignee_id = $6, updated_at = CURRENT_TIMESTAMP
		WHERE id = $7`,
		t.Subject, t.Description, t.Status, t.Priority, teamID, assigneeID, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	return requireRow(result)
}

// Assign sets the ticket assignee. A nil assignee unassigns.
func (s *Store) Assign(ctx context.Context, ticketID int64, assigneeID *int64) error {
	var aid interface{}
	if assigneeID != nil {
		aid = *assigneeID
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET assignee_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		aid, ticketID)
	if err != nil {
		return fmt.Errorf("failed to assign ticket: %w", err)
	}
	return requireRow(result)
}

// Delete removes a ticket along with its comments and followers.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_comments WHERE ticket_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete ticket comments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_followers WHERE ticket_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete ticket followers: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

// ListVisible returns the page of tickets the scope can see: every
// ticket for organization-wide scopes, otherwise tickets in the
// scope's teams plus tickets the user created, is assigned to,
// follows, or is the customer of.
func (s *Store) ListVisible(ctx context.Context, userID int64, scope rbac.AccessScope, limit, offset int) ([]*Ticket, int64, error) {
	where := ""
	args := []interface{}{}

	if !scope.OrganizationWide {
		args = append(args, userID)
		clauses := []string{
			"creator_id = $1",
			"assignee_id = $1",
			"customer_id = $1",
			"id IN (SELECT ticket_id FROM ticket_followers WHERE user_id = $1)",
		}
		teamIDs := scope.TeamIDList()
		if len(teamIDs) > 0 {
			placeholders := make([]string, len(teamIDs))
			for i, id := range teamIDs {
				args = append(args, id)
				placeholders[i] = fmt.Sprintf("$%d", len(args))
			}
			clauses = append(clauses, "team_id IN ("+strings.Join(placeholders, ", ")+")")
		}
		where = " WHERE " + strings.Join(clauses, " OR ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+ticketColumns+` FROM tickets%s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		tickets = append(tickets, t)
	}
	return tickets, total, rows.Err()
}

// AddComment appends a comment to a ticket.
func (s *Store) AddComment(ctx context.Context, c *Comment) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ticket_comments (ticket_id, author_id, body, created_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		RETURNING id, created_at`,
		c.TicketID, c.AuthorID, c.Body).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

// ListComments returns a ticket's comments oldest first.
func (s *Store) ListComments(ctx context.Context, ticketID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, author_id, body, created_at
		FROM ticket_comments
		WHERE ticket_id = $1
		ORDER BY created_at, id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// Follow subscribes a user to a ticket. Already following is a no-op.
func (s *Store) Follow(ctx context.Context, ticketID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_followers (ticket_id, user_id, created_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (ticket_id, user_id) DO NOTHING`, ticketID, userID)
	if err != nil {
		return fmt.Errorf("failed to follow ticket: %w", err)
	}
	return nil
}

// Unfollow removes a follower.
func (s *Store) Unfollow(ctx context.Context, ticketID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ticket_followers WHERE ticket_id = $1 AND user_id = $2`, ticketID, userID)
	if err != nil {
		return fmt.Errorf("failed to unfollow ticket: %w", err)
	}
	return nil
}

// FollowerIDs returns the user ids following a ticket.
func (s *Store) FollowerIDs(ctx context.Context, ticketID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM ticket_followers WHERE ticket_id = $1 ORDER BY user_id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan follower: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResourceContext returns the ownership facts of a ticket for
// permission checks, or rbac.ErrNotFound when the ticket does not
// exist.
func (s *Store) ResourceContext(ctx context.Context, ticketID int64) (*rbac.ResourceContext, error) {
	t, err := s.Get(ctx, ticketID)
	if errors.Is(err, ErrNotFound) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rc := &rbac.ResourceContext{CreatorID: t.CreatorID}
	if t.TeamID != nil {
		rc.TeamID = *t.TeamID
	}
	if t.AssigneeID != nil {
		rc.AssigneeID = *t.AssigneeID
	}
	if t.CustomerID != nil {
		rc.CustomerID = *t.CustomerID
	}

	followers, err := s.FollowerIDs(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	rc.Followers = followers
	return rc, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
