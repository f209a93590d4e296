package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var userColumns = columns(
	"user_id", "email", "role", "unix_username", "must_change_password",
	"created_at", "updated_at",
)

// CreateUser inserts a new user. The first user ever created becomes the
// instance owner regardless of the requested role.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.UserID == "" {
		u.UserID = NewID()
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	if len(u.DefaultAgenticConfig) == 0 {
		u.DefaultAgenticConfig = json.RawMessage(`{}`)
	}
	if len(u.EncryptedAPIKeys) == 0 {
		u.EncryptedAPIKeys = json.RawMessage(`{}`)
	}
	u.CreatedAt = now()
	u.UpdatedAt = u.CreatedAt

	count, err := s.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		u.Role = RoleOwner
	}

	_, err = s.writer().NamedExecContext(ctx, `
		INSERT INTO users (user_id, email, password_hash, role, unix_username,
			must_change_password, default_agentic_config, encrypted_api_keys,
			created_at, updated_at)
		VALUES (:user_id, :email, :password_hash, :role, :unix_username,
			:must_change_password, :default_agentic_config, :encrypted_api_keys,
			:created_at, :updated_at)`, u)
	if isUniqueViolation(err) {
		return fmt.Errorf("user with email %q already exists: %w", u.Email, ErrConflict)
	}
	return err
}

// GetUser fetches a user by full ID or short-ID prefix.
func (s *Store) GetUser(ctx context.Context, idOrPrefix string) (*User, error) {
	id, err := s.resolveID(ctx, "users", "user_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var u User
	if err := getOne(ctx, s.reader(), &u, s.reader().Rebind(
		`SELECT * FROM users WHERE user_id = ?`), id); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by exact email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := getOne(ctx, s.reader(), &u, s.reader().Rebind(
		`SELECT * FROM users WHERE email = ?`), email); err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUsers lists users matching the query.
func (s *Store) FindUsers(ctx context.Context, q ListQuery) ([]User, error) {
	query, args, err := buildList("users", userColumns, q)
	if err != nil {
		return nil, err
	}
	users := []User{}
	if err := s.reader().SelectContext(ctx, &users, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return users, nil
}

// CountUsers returns the total number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}

// PatchUser deep-merges a patch document into a user and persists the result.
// Credential columns are never patchable through this path.
func (s *Store) PatchUser(ctx context.Context, idOrPrefix string, patch map[string]any) (*User, error) {
	u, err := s.GetUser(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, hash, keys, created := u.UserID, u.PasswordHash, u.EncryptedAPIKeys, u.CreatedAt
	if err := applyPatch(u, patch); err != nil {
		return nil, err
	}
	u.UserID, u.PasswordHash, u.EncryptedAPIKeys, u.CreatedAt = id, hash, keys, created
	u.UpdatedAt = now()

	_, err = s.writer().NamedExecContext(ctx, `
		UPDATE users SET email = :email, role = :role,
			unix_username = :unix_username,
			must_change_password = :must_change_password,
			default_agentic_config = :default_agentic_config,
			updated_at = :updated_at
		WHERE user_id = :user_id`, u)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user with email %q already exists: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SetUserPassword stores a new password hash and clears the must-change flag.
func (s *Store) SetUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE users SET password_hash = ?, must_change_password = FALSE, updated_at = ?
		WHERE user_id = ?`), passwordHash, now(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserAPIKeys replaces the sealed API key document for a user.
func (s *Store) SetUserAPIKeys(ctx context.Context, userID string, sealed json.RawMessage) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE users SET encrypted_api_keys = ?, updated_at = ? WHERE user_id = ?`),
		string(sealed), now(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveUser deletes a user by ID or prefix.
func (s *Store) RemoveUser(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "users", "user_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM users WHERE user_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
