package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all identity store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGINT PRIMARY KEY,
					username VARCHAR(255) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					avatar_ref VARCHAR(255) NOT NULL DEFAULT '',
					locale VARCHAR(32) NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_users_username ON users(username);
				CREATE INDEX idx_users_is_active ON users(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(64) NOT NULL UNIQUE,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_roles_name ON roles(name);
			`,
		},
		{
			Version:     3,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, role_id)
				);

				CREATE INDEX idx_user_roles_user_id ON user_roles(user_id);
				CREATE INDEX idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create provider_credentials table",
			SQL: `
				CREATE TABLE IF NOT EXISTS provider_credentials (
					user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
					access_token TEXT NOT NULL,
					refresh_token TEXT NOT NULL,
					scope VARCHAR(255) NOT NULL DEFAULT '',
					token_type VARCHAR(32) NOT NULL DEFAULT '',
					expires_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_provider_credentials_expires_at ON provider_credentials(expires_at);
			`,
		},
		{
			Version:     5,
			Description: "Create user_sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_sessions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					device_id VARCHAR(255) NOT NULL,
					session_key VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_user_sessions_user_id ON user_sessions(user_id);
				CREATE INDEX idx_user_sessions_user_device ON user_sessions(user_id, device_id);
				CREATE INDEX idx_user_sessions_updated_at ON user_sessions(updated_at);
			`,
		},
		{
			Version:     6,
			Description: "Seed built-in roles",
			SQL: `
				INSERT INTO roles (name, description) VALUES
					('admin', 'Full administrative access'),
					('user', 'Standard authenticated user'),
					('anonymous', 'Unauthenticated access')
				ON CONFLICT (name) DO NOTHING;
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := db.QueryContext(ctx, "SELECT version FROM auth_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	// Run pending migrations
	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO auth_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// VerifyRoleCatalog confirms every built-in role is present. Called at
// startup so a missing catalog fails fast instead of surfacing as
// per-request errors.
func VerifyRoleCatalog(ctx context.Context, store *Store) error {
	for _, name := range []string{RoleAdmin, RoleUser, RoleAnonymous} {
		if _, err := store.RoleByName(ctx, name); err != nil {
			return fmt.Errorf("built-in role %q: %w", name, ErrRoleCatalogMissing)
		}
	}
	return nil
}
