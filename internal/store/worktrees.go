package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MaxWorktreeUniqueID bounds the monotonic worktree counter so derived ports
// stay inside the valid TCP range.
const MaxWorktreeUniqueID = 65535

var worktreeColumns = columns(
	"worktree_id", "repo_id", "name", "ref", "ref_type", "board_id",
	"created_by", "filesystem_status", "others_can", "others_fs_access",
	"worktree_unique_id", "created_at", "updated_at",
)

// allocateWorktreeUniqueID hands out the next monotonic worktree number.
// Numbers are never reclaimed, even after worktree removal, so derived port
// assignments stay stable for the lifetime of the instance.
func allocateWorktreeUniqueID(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var next int
	err := tx.GetContext(ctx, &next, tx.Rebind(
		`SELECT next_value FROM id_allocations WHERE name = ?`), "worktree")
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO id_allocations (name, next_value) VALUES (?, ?)`),
			"worktree", 2); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE id_allocations SET next_value = ? WHERE name = ?`),
			next+1, "worktree"); err != nil {
			return 0, err
		}
	}
	if next > MaxWorktreeUniqueID {
		return 0, fmt.Errorf("worktree unique id space exhausted (max %d)", MaxWorktreeUniqueID)
	}
	return next, nil
}

// CreateWorktree inserts a worktree, allocates its unique number, and records
// the creator as its first owner, all in one transaction.
func (s *Store) CreateWorktree(ctx context.Context, w *Worktree) error {
	if w.WorktreeID == "" {
		w.WorktreeID = NewID()
	}
	if w.RefType == "" {
		w.RefType = RefTypeBranch
	}
	if w.FilesystemStatus == "" {
		w.FilesystemStatus = FilesystemCreating
	}
	if w.OthersCan == "" {
		w.OthersCan = OthersCanNone
	}
	if w.OthersFSAccess == "" {
		w.OthersFSAccess = FSAccessNone
	}
	if len(w.EnvironmentInstance) == 0 {
		w.EnvironmentInstance = json.RawMessage(`{}`)
	}
	if len(w.ProjectConfig) == 0 {
		w.ProjectConfig = json.RawMessage(`{}`)
	}
	w.CreatedAt = now()
	w.UpdatedAt = w.CreatedAt

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w.WorktreeUniqueID, err = allocateWorktreeUniqueID(ctx, tx)
	if err != nil {
		return err
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO worktrees (worktree_id, repo_id, name, ref, ref_type, path,
			base_ref, new_branch, worktree_unique_id, board_id, created_by,
			filesystem_status, filesystem_error, others_can, others_fs_access,
			unix_group, environment_instance, project_config, created_at, updated_at)
		VALUES (:worktree_id, :repo_id, :name, :ref, :ref_type, :path,
			:base_ref, :new_branch, :worktree_unique_id, :board_id, :created_by,
			:filesystem_status, :filesystem_error, :others_can, :others_fs_access,
			:unix_group, :environment_instance, :project_config, :created_at, :updated_at)`, w); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("worktree insert conflict: %w", ErrConflict)
		}
		return err
	}

	if w.CreatedBy != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO worktree_owners (worktree_id, user_id, created_at)
			VALUES (?, ?, ?)`), w.WorktreeID, w.CreatedBy, w.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetWorktree fetches a worktree by full ID or short-ID prefix.
func (s *Store) GetWorktree(ctx context.Context, idOrPrefix string) (*Worktree, error) {
	id, err := s.resolveID(ctx, "worktrees", "worktree_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var w Worktree
	if err := getOne(ctx, s.reader(), &w, s.reader().Rebind(
		`SELECT * FROM worktrees WHERE worktree_id = ?`), id); err != nil {
		return nil, err
	}
	return &w, nil
}

// FindWorktrees lists worktrees matching the query.
func (s *Store) FindWorktrees(ctx context.Context, q ListQuery) ([]Worktree, error) {
	query, args, err := buildList("worktrees", worktreeColumns, q)
	if err != nil {
		return nil, err
	}
	worktrees := []Worktree{}
	if err := s.reader().SelectContext(ctx, &worktrees, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return worktrees, nil
}

// PatchWorktree deep-merges a patch document into a worktree. The unique
// number, repo binding, and creator never change after creation.
func (s *Store) PatchWorktree(ctx context.Context, idOrPrefix string, patch map[string]any) (*Worktree, error) {
	w, err := s.GetWorktree(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, repoID, uniqueID, createdBy, created := w.WorktreeID, w.RepoID, w.WorktreeUniqueID, w.CreatedBy, w.CreatedAt
	if err := applyPatch(w, patch); err != nil {
		return nil, err
	}
	w.WorktreeID, w.RepoID, w.WorktreeUniqueID, w.CreatedBy, w.CreatedAt = id, repoID, uniqueID, createdBy, created
	w.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE worktrees SET name = :name, ref = :ref, ref_type = :ref_type,
			path = :path, base_ref = :base_ref, new_branch = :new_branch,
			board_id = :board_id, filesystem_status = :filesystem_status,
			filesystem_error = :filesystem_error, others_can = :others_can,
			others_fs_access = :others_fs_access, unix_group = :unix_group,
			environment_instance = :environment_instance,
			project_config = :project_config, updated_at = :updated_at
		WHERE worktree_id = :worktree_id`, w); err != nil {
		return nil, err
	}
	return w, nil
}

// SetWorktreeFilesystemStatus transitions the on-disk lifecycle state,
// recording the failure message when the transition is to failed.
func (s *Store) SetWorktreeFilesystemStatus(ctx context.Context, worktreeID string, status FilesystemStatus, fsErr string) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE worktrees SET filesystem_status = ?, filesystem_error = ?, updated_at = ?
		WHERE worktree_id = ?`), status, fsErr, now(), worktreeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveWorktree deletes a worktree row and cascades to owners, sessions,
// tasks, and messages. The caller is responsible for filesystem teardown.
func (s *Store) RemoveWorktree(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "worktrees", "worktree_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM worktrees WHERE worktree_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddWorktreeOwner grants ownership. Adding an existing owner is a no-op.
func (s *Store) AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO worktree_owners (worktree_id, user_id, created_at)
		VALUES (?, ?, ?)`), worktreeID, userID, now())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// RemoveWorktreeOwner revokes ownership. The last owner cannot be removed.
func (s *Store) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(
		`SELECT COUNT(*) FROM worktree_owners WHERE worktree_id = ?`), worktreeID); err != nil {
		return err
	}
	if count <= 1 {
		return fmt.Errorf("cannot remove the last owner of worktree %s: %w", worktreeID, ErrConflict)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM worktree_owners WHERE worktree_id = ? AND user_id = ?`), worktreeID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListWorktreeOwners returns the owner user IDs for a worktree.
func (s *Store) ListWorktreeOwners(ctx context.Context, worktreeID string) ([]string, error) {
	owners := []string{}
	err := s.reader().SelectContext(ctx, &owners, s.reader().Rebind(`
		SELECT user_id FROM worktree_owners WHERE worktree_id = ? ORDER BY created_at`), worktreeID)
	return owners, err
}

// IsWorktreeOwner reports whether the user owns the worktree.
func (s *Store) IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, s.reader().Rebind(`
		SELECT COUNT(*) FROM worktree_owners WHERE worktree_id = ? AND user_id = ?`),
		worktreeID, userID)
	return count > 0, err
}
