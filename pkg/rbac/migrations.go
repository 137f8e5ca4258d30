package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a single schema change applied at startup.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the ordered schema history for the directory tables.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Create teams table",
		SQL: `
			CREATE TABLE IF NOT EXISTS teams (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				description TEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
	},
	{
		Version:     2,
		Description: "Create users table",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				email VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				role VARCHAR(32) NOT NULL DEFAULT 'agent',
				team_id BIGINT REFERENCES teams(id),
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
	},
	{
		Version:     3,
		Description: "Create team_leaderships table",
		SQL: `
			CREATE TABLE IF NOT EXISTS team_leaderships (
				id BIGSERIAL PRIMARY KEY,
				team_id BIGINT NOT NULL REFERENCES teams(id),
				user_id BIGINT NOT NULL REFERENCES users(id),
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (team_id, user_id)
			)`,
	},
	{
		Version:     4,
		Description: "Index users by team",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_users_team_id ON users(team_id)`,
	},
	{
		Version:     5,
		Description: "Index leaderships by user",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_team_leaderships_user_id ON team_leaderships(user_id)`,
	},
	{
		Version:     6,
		Description: "Add password_hash to users",
		SQL:         `ALTER TABLE users ADD COLUMN password_hash VARCHAR(255) NOT NULL DEFAULT ''`,
	},
}

// RunMigrations applies the directory migrations, plus any extra
// migration sets other packages contribute, skipping versions already
// recorded in the tracking table.
func RunMigrations(ctx context.Context, db *sql.DB, extra ...[]Migration) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	all := make([]Migration, 0, len(Migrations))
	all = append(all, Migrations...)
	for _, set := range extra {
		all = append(all, set...)
	}

	for _, m := range all {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).
			Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}

		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
			m.Version, m.Description); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
