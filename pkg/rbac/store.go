package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store handles identity persistence: users, roles, provider credentials
// and device sessions.
type Store struct {
	db *sql.DB
}

// NewStore creates a new identity store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertUser inserts a user on first login and updates profile fields on
// every subsequent one. The id is provider-issued and immutable. Reports
// whether the row was created so the caller can grant the default role.
func (s *Store) UpsertUser(ctx context.Context, user *User) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, user.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}

	now := time.Now()
	if exists {
		// is_active is an admin-controlled gate; re-login never touches it
		err = tx.QueryRowContext(ctx, `
			UPDATE users
			SET username = $2, display_name = $3, avatar_ref = $4, locale = $5, updated_at = $6
			WHERE id = $1
			RETURNING is_active, created_at
		`, user.ID, user.Username, user.DisplayName, user.AvatarRef, user.Locale, now).Scan(&user.IsActive, &user.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("failed to update user: %w", err)
		}
		user.UpdatedAt = now
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, username, display_name, avatar_ref, locale, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, true, $6, $6)
		`, user.ID, user.Username, user.DisplayName, user.AvatarRef, user.Locale, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert user: %w", err)
		}
		user.IsActive = true
		user.CreatedAt = now
		user.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit user upsert: %w", err)
	}
	return !exists, nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, avatar_ref, locale, is_active, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarRef,
		&user.Locale,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetActive toggles the account gate for a user
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteUser hard-deletes a user. Roles, provider credentials and device
// sessions cascade at the schema level; callers clear cache state.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// GrantRole assigns a role to a user by name. Granting an unknown role
// reports ErrRoleCatalogMissing: the catalog should always hold the
// built-ins this path is used with.
func (s *Store) GrantRole(ctx context.Context, userID int64, roleName string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, granted_at)
		SELECT $1, id, NOW() FROM roles WHERE name = $2
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleName)
	if err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Distinguish "already granted" from "role absent from catalog"
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM roles WHERE name = $1)`, roleName).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check role catalog: %w", err)
		}
		if !exists {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleCatalogMissing)
		}
	}
	return nil
}

// SetRoles replaces a user's role set. Fails with ErrInvalidRole when any
// name is not a known role; no partial writes happen in that case.
func (s *Store) SetRoles(ctx context.Context, userID int64, roleNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM roles WHERE name = ANY($1)`, pq.Array(roleNames))
	if err != nil {
		return fmt.Errorf("failed to resolve roles: %w", err)
	}

	known := make(map[string]int64)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan role: %w", err)
		}
		known[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read roles: %w", err)
	}

	for _, name := range roleNames {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("role %q: %w", name, ErrInvalidRole)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear roles: %w", err)
	}
	for _, name := range roleNames {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id, granted_at) VALUES ($1, $2, NOW())
		`, userID, known[name]); err != nil {
			return fmt.Errorf("failed to assign role %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role update: %w", err)
	}
	return nil
}

// RolesOf returns the role names granted to a user. An unknown user is
// ErrNotFound, distinct from a known user with zero roles.
func (s *Store) RolesOf(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles r ON r.id = ur.role_id
		WHERE u.id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var names []string
	found := false
	for rows.Next() {
		found = true
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role name: %w", err)
		}
		if name.Valid {
			names = append(names, name.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read roles: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return names, nil
}

// RoleByName retrieves a role from the catalog
func (s *Store) RoleByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description FROM roles WHERE name = $1
	`, name).Scan(&role.ID, &role.Name, &role.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// ListRoles returns the full role catalog
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpsertProviderCredential stores the provider token pair for a user,
// overwriting any previous one. ExpiresAt must be absolute; callers
// recompute it from expires_in at write time.
func (s *Store) UpsertProviderCredential(ctx context.Context, cred *ProviderCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (user_id, access_token, refresh_token, scope, token_type, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope = EXCLUDED.scope,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, cred.UserID, cred.AccessToken, cred.RefreshToken, cred.Scope, cred.TokenType, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider credential: %w", err)
	}
	return nil
}

// GetProviderCredential retrieves the live provider credential for a user
func (s *Store) GetProviderCredential(ctx context.Context, userID int64) (*ProviderCredential, error) {
	var cred ProviderCredential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, scope, token_type, expires_at
		FROM provider_credentials WHERE user_id = $1
	`, userID).Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.Scope,
		&cred.TokenType,
		&cred.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider credential for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider credential: %w", err)
	}
	return &cred, nil
}

// DeleteProviderCredential removes the provider credential for a user.
// Deleting an absent credential is not an error; logout is idempotent.
func (s *Store) DeleteProviderCredential(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete provider credential: %w", err)
	}
	return nil
}

// UpsertUserSession records a device login: the newest session row for the
// (user, device) pair is updated in place and any older duplicates are
// deleted, so concurrent logins collapse to a single record.
func (s *Store) UpsertUserSession(ctx context.Context, userID int64, deviceID, sessionKey string) (*UserSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	session := &UserSession{UserID: userID, DeviceID: deviceID, SessionKey: sessionKey}

	err = tx.QueryRowContext(ctx, `
		UPDATE user_sessions SET session_key = $3, updated_at = NOW()
		WHERE id = (
			SELECT id FROM user_sessions
			WHERE user_id = $1 AND device_id = $2
			ORDER BY updated_at DESC LIMIT 1
		)
		RETURNING id, created_at, updated_at
	`, userID, deviceID, sessionKey).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_sessions (user_id, device_id, session_key, created_at, updated_at)
			VALUES ($1, $2, $3, NOW(), NOW())
			RETURNING id, created_at, updated_at
		`, userID, deviceID, sessionKey).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert session: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to update session: %w", err)
	default:
		// Collapse any older duplicates for this device
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_sessions WHERE user_id = $1 AND device_id = $2 AND id <> $3
		`, userID, deviceID, session.ID); err != nil {
			return nil, fmt.Errorf("failed to collapse duplicate sessions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session upsert: %w", err)
	}
	return session, nil
}

// DeleteUserSessions removes all device sessions for a user
func (s *Store) DeleteUserSessions(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

// PruneExpiredSessions deletes sessions not touched since the cutoff and
// returns how many were removed
func (s *Store) PruneExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}
