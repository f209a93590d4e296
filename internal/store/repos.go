package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var repoColumns = columns(
	"repo_id", "slug", "remote_url", "default_branch", "created_at", "updated_at",
)

// CreateRepo registers a git repository.
func (s *Store) CreateRepo(ctx context.Context, r *Repo) error {
	if r.RepoID == "" {
		r.RepoID = NewID()
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	if len(r.EnvironmentConfig) == 0 {
		r.EnvironmentConfig = json.RawMessage(`{}`)
	}
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO repos (repo_id, slug, remote_url, local_path, default_branch,
			unix_group, environment_config, created_at, updated_at)
		VALUES (:repo_id, :slug, :remote_url, :local_path, :default_branch,
			:unix_group, :environment_config, :created_at, :updated_at)`, r)
	if isUniqueViolation(err) {
		return fmt.Errorf("repo with slug %q already exists: %w", r.Slug, ErrConflict)
	}
	return err
}

// GetRepo fetches a repo by full ID or short-ID prefix.
func (s *Store) GetRepo(ctx context.Context, idOrPrefix string) (*Repo, error) {
	id, err := s.resolveID(ctx, "repos", "repo_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var r Repo
	if err := getOne(ctx, s.reader(), &r, s.reader().Rebind(
		`SELECT * FROM repos WHERE repo_id = ?`), id); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRepoBySlug fetches a repo by its unique slug.
func (s *Store) GetRepoBySlug(ctx context.Context, slug string) (*Repo, error) {
	var r Repo
	if err := getOne(ctx, s.reader(), &r, s.reader().Rebind(
		`SELECT * FROM repos WHERE slug = ?`), slug); err != nil {
		return nil, err
	}
	return &r, nil
}

// FindRepos lists repos matching the query.
func (s *Store) FindRepos(ctx context.Context, q ListQuery) ([]Repo, error) {
	query, args, err := buildList("repos", repoColumns, q)
	if err != nil {
		return nil, err
	}
	repos := []Repo{}
	if err := s.reader().SelectContext(ctx, &repos, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return repos, nil
}

// PatchRepo deep-merges a patch document into a repo and persists the result.
func (s *Store) PatchRepo(ctx context.Context, idOrPrefix string, patch map[string]any) (*Repo, error) {
	r, err := s.GetRepo(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, created := r.RepoID, r.CreatedAt
	if err := applyPatch(r, patch); err != nil {
		return nil, err
	}
	r.RepoID, r.CreatedAt = id, created
	r.UpdatedAt = now()

	_, err = s.writer().NamedExecContext(ctx, `
		UPDATE repos SET slug = :slug, remote_url = :remote_url,
			local_path = :local_path, default_branch = :default_branch,
			unix_group = :unix_group, environment_config = :environment_config,
			updated_at = :updated_at
		WHERE repo_id = :repo_id`, r)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("repo with slug %q already exists: %w", r.Slug, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RemoveRepo deletes a repo and cascades to its worktrees.
func (s *Store) RemoveRepo(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "repos", "repo_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM repos WHERE repo_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
