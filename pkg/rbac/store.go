package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by directory lookups for missing records.
var ErrNotFound = errors.New("record not found")

// Directory provides read and admin-write access to the user, team,
// and team-leadership records the permission engine depends on.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory store backed by db.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// DB exposes the underlying handle for health checks.
func (d *Directory) DB() *sql.DB {
	return d.db
}

// GetUser returns the user with the given id, or ErrNotFound.
func (d *Directory) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, email, name, role, team_id, active, created_at, updated_at
		FROM users
		WHERE id = $1`

	return d.scanUser(d.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail returns the user with the given email, or ErrNotFound.
func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, name, role, team_id, active, created_at, updated_at
		FROM users
		WHERE email = $1`

	return d.scanUser(d.db.QueryRowContext(ctx, query, email))
}

func (d *Directory) scanUser(row *sql.Row) (*User, error) {
	var u User
	var teamID sql.NullInt64
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &teamID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if teamID.Valid {
		u.TeamID = &teamID.Int64
	}
	return &u, nil
}

// ListUsers returns a page of users ordered by id.
func (d *Directory) ListUsers(ctx context.Context, limit, offset int) ([]*User, int64, error) {
	var total int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `
		SELECT id, email, name, role, team_id, active, created_at, updated_at
		FROM users
		ORDER BY id
		LIMIT $1 OFFSET $2`

	rows, err := d.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var teamID sql.NullInt64
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &teamID, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		if teamID.Valid {
			u.TeamID = &teamID.Int64
		}
		users = append(users, &u)
	}
	return users, total, rows.Err()
}

// CreateUser inserts a new directory record and returns it with its
// generated id and timestamps.
func (d *Directory) CreateUser(ctx context.Context, email, name string, role Role, teamID *int64) (*User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role: %q", role)
	}

	query := `
		INSERT INTO users (email, name, role, team_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`

	u := &User{Email: email, Name: name, Role: role, TeamID: teamID, Active: true}
	var tid interface{}
	if teamID != nil {
		tid = *teamID
	}
	err := d.db.QueryRowContext(ctx, query, email, name, role, tid).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// SetUserRole changes a user's role. The caller is responsible for the
// self-assignment check and for invalidating the user's cached scope.
func (d *Directory) SetUserRole(ctx context.Context, userID int64, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role: %q", role)
	}

	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET role = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, role, userID)
	if err != nil {
		return fmt.Errorf("failed to set user role: %w", err)
	}
	return requireRow(result)
}

// SetUserTeam moves a user to a team, or removes them from any team
// when teamID is nil.
func (d *Directory) SetUserTeam(ctx context.Context, userID int64, teamID *int64) error {
	var tid interface{}
	if teamID != nil {
		tid = *teamID
	}
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET team_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, tid, userID)
	if err != nil {
		return fmt.Errorf("failed to set user team: %w", err)
	}
	return requireRow(result)
}

// DeactivateUser marks a user inactive. Inactive users fail every
// permission check through the fail-closed scope path.
func (d *Directory) DeactivateUser(ctx context.Context, userID int64) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return requireRow(result)
}

// SetPassword stores a user's password hash.
func (d *Directory) SetPassword(ctx context.Context, userID int64, hash string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return requireRow(result)
}

// GetCredentials returns a user and their password hash by email, for
// login verification.
func (d *Directory) GetCredentials(ctx context.Context, email string) (*User, string, error) {
	query := `
		SELECT id, email, name, role, team_id, active, created_at, updated_at, password_hash
		FROM users
		WHERE email = $1`

	var u User
	var teamID sql.NullInt64
	var hash string
	err := d.db.QueryRowContext(ctx, query, email).
		Scan(&u.ID, &u.Email, &u.Name, &u.Role, &teamID, &u.Active, &u.CreatedAt, &u.UpdatedAt, &hash)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get credentials: %w", err)
	}
	if teamID.Valid {
		u.TeamID = &teamID.Int64
	}
	return &u, hash, nil
}

// GetTeam returns the team with the given id, or ErrNotFound.
func (d *Directory) GetTeam(ctx context.Context, id int64) (*Team, error) {
	var t Team
	var description sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM teams
		WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &description, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	t.Description = description.String
	return &t, nil
}

// ListTeams returns all teams ordered by name.
func (d *Directory) ListTeams(ctx context.Context) ([]*Team, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM teams
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		t.Description = description.String
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

// CreateTeam inserts a new team.
func (d *Directory) CreateTeam(ctx context.Context, name, description string) (*Team, error) {
	t := &Team{Name: name, Description: description}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO teams (name, description, created_at, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`, name, description).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	return t, nil
}

// UpdateTeam renames a team and updates its description.
func (d *Directory) UpdateTeam(ctx context.Context, id int64, name, description string) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE teams SET name = $1, description = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`, name, description, id)
	if err != nil {
		return fmt.Errorf("failed to update team: %w", err)
	}
	return requireRow(result)
}

// DeleteTeam removes a team. Members keep their accounts; their team
// reference and any leadership rows for the team are cleared.
func (d *Directory) DeleteTeam(ctx context.Context, id int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET team_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE team_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear team members: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM team_leaderships WHERE team_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear team leaderships: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

// TeamMemberIDs returns the ids of users whose primary team is teamID.
func (d *Directory) TeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM users WHERE team_id = $1 ORDER BY id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// AddLeadership records that userID leads teamID. Adding an existing
// leadership is a no-op.
func (d *Directory) AddLeadership(ctx context.Context, teamID, userID int64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO team_leaderships (team_id, user_id, created_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (team_id, user_id) DO NOTHING`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to add leadership: %w", err)
	}
	return nil
}

// RemoveLeadership removes a leadership relation.
func (d *Directory) RemoveLeadership(ctx context.Context, teamID, userID int64) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM team_leaderships WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove leadership: %w", err)
	}
	return requireRow(result)
}

// LedTeamIDs returns the ids of teams userID leads, capped at limit.
// The cap bounds scope resolution fan-out for pathological data.
func (d *Directory) LedTeamIDs(ctx context.Context, userID int64, limit int) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT team_id FROM team_leaderships
		WHERE user_id = $1
		ORDER BY team_id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list led teams: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// TeamLeaderIDs returns the ids of users leading teamID.
func (d *Directory) TeamLeaderIDs(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM team_leaderships WHERE team_id = $1 ORDER BY user_id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team leaders: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
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
