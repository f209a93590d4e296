package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var gatewayChannelColumns = columns(
	"channel_id", "channel_type", "agor_user_id", "target_worktree_id",
	"enabled", "created_at", "updated_at",
)

// CreateGatewayChannel binds an external chat channel to a worktree.
func (s *Store) CreateGatewayChannel(ctx context.Context, c *GatewayChannel) error {
	if c.ChannelID == "" {
		c.ChannelID = NewID()
	}
	if len(c.Config) == 0 {
		c.Config = json.RawMessage(`{}`)
	}
	if len(c.AgenticConfig) == 0 {
		c.AgenticConfig = json.RawMessage(`{}`)
	}
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO gateway_channels (channel_id, channel_type, channel_key,
			agor_user_id, target_worktree_id, enabled, config, agentic_config,
			last_message_at, created_at, updated_at)
		VALUES (:channel_id, :channel_type, :channel_key,
			:agor_user_id, :target_worktree_id, :enabled, :config, :agentic_config,
			:last_message_at, :created_at, :updated_at)`, c)
	if isUniqueViolation(err) {
		return fmt.Errorf("gateway channel insert conflict: %w", ErrConflict)
	}
	return err
}

// GetGatewayChannel fetches a channel by full ID or short-ID prefix.
func (s *Store) GetGatewayChannel(ctx context.Context, idOrPrefix string) (*GatewayChannel, error) {
	id, err := s.resolveID(ctx, "gateway_channels", "channel_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var c GatewayChannel
	if err := getOne(ctx, s.reader(), &c, s.reader().Rebind(
		`SELECT * FROM gateway_channels WHERE channel_id = ?`), id); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetGatewayChannelByKey resolves an inbound message's channel by type and
// opaque platform key. Only enabled channels match.
func (s *Store) GetGatewayChannelByKey(ctx context.Context, channelType, channelKey string) (*GatewayChannel, error) {
	var c GatewayChannel
	if err := getOne(ctx, s.reader(), &c, s.reader().Rebind(`
		SELECT * FROM gateway_channels
		WHERE channel_type = ? AND channel_key = ? AND enabled = ?`),
		channelType, channelKey, true); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindGatewayChannels lists channels matching the query.
func (s *Store) FindGatewayChannels(ctx context.Context, q ListQuery) ([]GatewayChannel, error) {
	query, args, err := buildList("gateway_channels", gatewayChannelColumns, q)
	if err != nil {
		return nil, err
	}
	chans := []GatewayChannel{}
	if err := s.reader().SelectContext(ctx, &chans, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return chans, nil
}

// PatchGatewayChannel deep-merges a patch document into a channel. The
// platform key is only settable at creation.
func (s *Store) PatchGatewayChannel(ctx context.Context, idOrPrefix string, patch map[string]any) (*GatewayChannel, error) {
	c, err := s.GetGatewayChannel(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, key, created := c.ChannelID, c.ChannelKey, c.CreatedAt
	if err := applyPatch(c, patch); err != nil {
		return nil, err
	}
	c.ChannelID, c.ChannelKey, c.CreatedAt = id, key, created
	c.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE gateway_channels SET channel_type = :channel_type,
			agor_user_id = :agor_user_id,
			target_worktree_id = :target_worktree_id, enabled = :enabled,
			config = :config, agentic_config = :agentic_config,
			updated_at = :updated_at
		WHERE channel_id = :channel_id`, c); err != nil {
		return nil, err
	}
	return c, nil
}

// TouchGatewayChannel stamps the last inbound message time.
func (s *Store) TouchGatewayChannel(ctx context.Context, channelID string) error {
	ts := now()
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE gateway_channels SET last_message_at = ?, updated_at = ? WHERE channel_id = ?`),
		ts, ts, channelID)
	return err
}

// RemoveGatewayChannel deletes a channel and cascades to its thread mappings.
func (s *Store) RemoveGatewayChannel(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "gateway_channels", "channel_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM gateway_channels WHERE channel_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertThreadSessionMap links a platform thread to a session, replacing any
// previous mapping for the thread.
func (s *Store) UpsertThreadSessionMap(ctx context.Context, m *ThreadSessionMap) error {
	if m.Status == "" {
		m.Status = "active"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	ts := now()
	m.LastMessageAt = &ts

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM thread_session_maps WHERE channel_id = ? AND thread_id = ?`),
		m.ChannelID, m.ThreadID); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO thread_session_maps (channel_id, thread_id, session_id,
			status, last_message_at, created_at)
		VALUES (:channel_id, :thread_id, :session_id,
			:status, :last_message_at, :created_at)`, m); err != nil {
		return err
	}
	return tx.Commit()
}

// GetThreadSessionMap resolves the session bound to a platform thread.
func (s *Store) GetThreadSessionMap(ctx context.Context, channelID, threadID string) (*ThreadSessionMap, error) {
	var m ThreadSessionMap
	if err := getOne(ctx, s.reader(), &m, s.reader().Rebind(`
		SELECT * FROM thread_session_maps WHERE channel_id = ? AND thread_id = ?`),
		channelID, threadID); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetThreadBySession finds the thread mapping that routes a session's
// outbound traffic, if any.
func (s *Store) GetThreadBySession(ctx context.Context, sessionID string) (*ThreadSessionMap, error) {
	var m ThreadSessionMap
	if err := getOne(ctx, s.reader(), &m, s.reader().Rebind(`
		SELECT * FROM thread_session_maps WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`), sessionID, "active"); err != nil {
		return nil, err
	}
	return &m, nil
}

// TouchThreadSessionMap stamps the last message time on a thread mapping.
func (s *Store) TouchThreadSessionMap(ctx context.Context, channelID, threadID string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE thread_session_maps SET last_message_at = ?
		WHERE channel_id = ? AND thread_id = ?`), now(), channelID, threadID)
	return err
}

// ListThreadSessionMaps returns every active thread mapping. The gateway
// router uses this to warm its fast-path cache at startup.
func (s *Store) ListThreadSessionMaps(ctx context.Context) ([]ThreadSessionMap, error) {
	maps := []ThreadSessionMap{}
	err := s.reader().SelectContext(ctx, &maps, s.reader().Rebind(`
		SELECT * FROM thread_session_maps WHERE status = ?`), "active")
	return maps, err
}

// HasActiveThreadMappings reports whether any enabled channel has an active
// thread mapping for the session. Outbound routing checks this before doing
// any per-message work.
func (s *Store) HasActiveThreadMappings(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, s.reader().Rebind(`
		SELECT COUNT(*) FROM thread_session_maps t
		JOIN gateway_channels c ON c.channel_id = t.channel_id
		WHERE t.session_id = ? AND t.status = ? AND c.enabled = ?`),
		sessionID, "active", true)
	return count > 0, err
}
