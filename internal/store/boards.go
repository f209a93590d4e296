package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var (
	boardColumns = columns("board_id", "name", "created_by", "created_at", "updated_at")

	boardObjectColumns = columns(
		"object_id", "board_id", "object_type", "ref_id", "created_at", "updated_at",
	)

	boardCommentColumns = columns(
		"comment_id", "board_id", "object_id", "author_id", "created_at",
	)
)

// CreateBoard inserts a board.
func (s *Store) CreateBoard(ctx context.Context, b *Board) error {
	if b.BoardID == "" {
		b.BoardID = NewID()
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO boards (board_id, name, created_by, created_at, updated_at)
		VALUES (:board_id, :name, :created_by, :created_at, :updated_at)`, b)
	if isUniqueViolation(err) {
		return fmt.Errorf("board insert conflict: %w", ErrConflict)
	}
	return err
}

// GetBoard fetches a board by full ID or short-ID prefix.
func (s *Store) GetBoard(ctx context.Context, idOrPrefix string) (*Board, error) {
	id, err := s.resolveID(ctx, "boards", "board_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var b Board
	if err := getOne(ctx, s.reader(), &b, s.reader().Rebind(
		`SELECT * FROM boards WHERE board_id = ?`), id); err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBoards lists boards matching the query.
func (s *Store) FindBoards(ctx context.Context, q ListQuery) ([]Board, error) {
	query, args, err := buildList("boards", boardColumns, q)
	if err != nil {
		return nil, err
	}
	boards := []Board{}
	if err := s.reader().SelectContext(ctx, &boards, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return boards, nil
}

// PatchBoard deep-merges a patch document into a board.
func (s *Store) PatchBoard(ctx context.Context, idOrPrefix string, patch map[string]any) (*Board, error) {
	b, err := s.GetBoard(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, createdBy, created := b.BoardID, b.CreatedBy, b.CreatedAt
	if err := applyPatch(b, patch); err != nil {
		return nil, err
	}
	b.BoardID, b.CreatedBy, b.CreatedAt = id, createdBy, created
	b.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE boards SET name = :name, updated_at = :updated_at
		WHERE board_id = :board_id`, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RemoveBoard deletes a board and cascades to its objects and comments.
func (s *Store) RemoveBoard(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "boards", "board_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM boards WHERE board_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateBoardObject places an object on a board.
func (s *Store) CreateBoardObject(ctx context.Context, o *BoardObject) error {
	if o.ObjectID == "" {
		o.ObjectID = NewID()
	}
	if len(o.Data) == 0 {
		o.Data = json.RawMessage(`{}`)
	}
	o.CreatedAt = now()
	o.UpdatedAt = o.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO board_objects (object_id, board_id, object_type, ref_id,
			x, y, data, created_at, updated_at)
		VALUES (:object_id, :board_id, :object_type, :ref_id,
			:x, :y, :data, :created_at, :updated_at)`, o)
	if isUniqueViolation(err) {
		return fmt.Errorf("board object insert conflict: %w", ErrConflict)
	}
	return err
}

// GetBoardObject fetches a board object by full ID or short-ID prefix.
func (s *Store) GetBoardObject(ctx context.Context, idOrPrefix string) (*BoardObject, error) {
	id, err := s.resolveID(ctx, "board_objects", "object_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var o BoardObject
	if err := getOne(ctx, s.reader(), &o, s.reader().Rebind(
		`SELECT * FROM board_objects WHERE object_id = ?`), id); err != nil {
		return nil, err
	}
	return &o, nil
}

// FindBoardObjects lists board objects matching the query.
func (s *Store) FindBoardObjects(ctx context.Context, q ListQuery) ([]BoardObject, error) {
	query, args, err := buildList("board_objects", boardObjectColumns, q)
	if err != nil {
		return nil, err
	}
	objects := []BoardObject{}
	if err := s.reader().SelectContext(ctx, &objects, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return objects, nil
}

// PatchBoardObject deep-merges a patch document into a board object. Used for
// drag moves and data edits.
func (s *Store) PatchBoardObject(ctx context.Context, idOrPrefix string, patch map[string]any) (*BoardObject, error) {
	o, err := s.GetBoardObject(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, boardID, created := o.ObjectID, o.BoardID, o.CreatedAt
	if err := applyPatch(o, patch); err != nil {
		return nil, err
	}
	o.ObjectID, o.BoardID, o.CreatedAt = id, boardID, created
	o.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE board_objects SET object_type = :object_type, ref_id = :ref_id,
			x = :x, y = :y, data = :data, updated_at = :updated_at
		WHERE object_id = :object_id`, o); err != nil {
		return nil, err
	}
	return o, nil
}

// RemoveBoardObject deletes a board object.
func (s *Store) RemoveBoardObject(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "board_objects", "object_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM board_objects WHERE object_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateBoardComment records a comment on a board.
func (s *Store) CreateBoardComment(ctx context.Context, c *BoardComment) error {
	if c.CommentID == "" {
		c.CommentID = NewID()
	}
	c.CreatedAt = now()

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO board_comments (comment_id, board_id, object_id, author_id,
			body, created_at)
		VALUES (:comment_id, :board_id, :object_id, :author_id,
			:body, :created_at)`, c)
	if isUniqueViolation(err) {
		return fmt.Errorf("board comment insert conflict: %w", ErrConflict)
	}
	return err
}

// FindBoardComments lists comments matching the query, oldest first.
func (s *Store) FindBoardComments(ctx context.Context, q ListQuery) ([]BoardComment, error) {
	if len(q.Sort) == 0 {
		q.Sort = []SortField{{Field: "created_at"}}
	}
	query, args, err := buildList("board_comments", boardCommentColumns, q)
	if err != nil {
		return nil, err
	}
	comments := []BoardComment{}
	if err := s.reader().SelectContext(ctx, &comments, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return comments, nil
}

// RemoveBoardComment deletes a comment.
func (s *Store) RemoveBoardComment(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "board_comments", "comment_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM board_comments WHERE comment_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
