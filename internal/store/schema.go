package store

// initSchema creates all tables and indexes if they don't exist. Every
// statement is idempotent so Migrate can run on every start.
func (s *Store) initSchema() error {
	if err := s.initIdentitySchema(); err != nil {
		return err
	}
	if err := s.initWorkspaceSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initGatewaySchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initIdentitySchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		unix_username TEXT DEFAULT '',
		must_change_password BOOLEAN NOT NULL DEFAULT FALSE,
		default_agentic_config TEXT DEFAULT '{}',
		encrypted_api_keys TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		mcp_server_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		transport TEXT NOT NULL DEFAULT 'stdio',
		command TEXT DEFAULT '',
		url TEXT DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initWorkspaceSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS repos (
		repo_id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		remote_url TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		unix_group TEXT DEFAULT '',
		environment_config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		worktree_id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		name TEXT NOT NULL,
		ref TEXT NOT NULL DEFAULT '',
		ref_type TEXT NOT NULL DEFAULT 'branch',
		path TEXT NOT NULL DEFAULT '',
		base_ref TEXT DEFAULT '',
		new_branch BOOLEAN NOT NULL DEFAULT FALSE,
		worktree_unique_id INTEGER NOT NULL DEFAULT 0,
		board_id TEXT DEFAULT '',
		created_by TEXT DEFAULT '',
		filesystem_status TEXT NOT NULL DEFAULT 'creating',
		filesystem_error TEXT DEFAULT '',
		others_can TEXT NOT NULL DEFAULT 'none',
		others_fs_access TEXT NOT NULL DEFAULT 'none',
		unix_group TEXT DEFAULT '',
		environment_instance TEXT DEFAULT '{}',
		project_config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (repo_id) REFERENCES repos(repo_id) ON DELETE CASCADE,
		UNIQUE(worktree_unique_id)
	);

	CREATE TABLE IF NOT EXISTS id_allocations (
		name TEXT PRIMARY KEY,
		next_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktree_owners (
		worktree_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (worktree_id, user_id),
		FOREIGN KEY (worktree_id) REFERENCES worktrees(worktree_id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS boards (
		board_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS board_objects (
		object_id TEXT PRIMARY KEY,
		board_id TEXT NOT NULL,
		object_type TEXT NOT NULL,
		ref_id TEXT DEFAULT '',
		x REAL NOT NULL DEFAULT 0,
		y REAL NOT NULL DEFAULT 0,
		data TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (board_id) REFERENCES boards(board_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS board_comments (
		comment_id TEXT PRIMARY KEY,
		board_id TEXT NOT NULL,
		object_id TEXT DEFAULT '',
		author_id TEXT DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (board_id) REFERENCES boards(board_id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		unix_username TEXT DEFAULT '',
		agentic_tool TEXT NOT NULL,
		permission_config TEXT DEFAULT '{}',
		model_config TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'idle',
		task_ids TEXT DEFAULT '[]',
		message_count INTEGER NOT NULL DEFAULT 0,
		parent_session_id TEXT DEFAULT '',
		forked_from_session_id TEXT DEFAULT '',
		custom_context TEXT DEFAULT '{}',
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (worktree_id) REFERENCES worktrees(worktree_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		full_prompt TEXT NOT NULL DEFAULT '',
		description TEXT DEFAULT '',
		message_range TEXT DEFAULT '{}',
		tool_use_count INTEGER NOT NULL DEFAULT 0,
		report TEXT DEFAULT '',
		git_state TEXT DEFAULT '{}',
		raw_sdk_response TEXT DEFAULT '',
		normalized_sdk_response TEXT DEFAULT '',
		computed_context_window INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT DEFAULT '',
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		parent_tool_use_id TEXT DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_mcp_servers (
		session_id TEXT NOT NULL,
		mcp_server_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, mcp_server_id),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE,
		FOREIGN KEY (mcp_server_id) REFERENCES mcp_servers(mcp_server_id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initGatewaySchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS gateway_channels (
		channel_id TEXT PRIMARY KEY,
		channel_type TEXT NOT NULL,
		channel_key TEXT NOT NULL,
		agor_user_id TEXT NOT NULL,
		target_worktree_id TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		config TEXT DEFAULT '{}',
		agentic_config TEXT DEFAULT '{}',
		last_message_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS thread_session_maps (
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_message_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (channel_id, thread_id),
		FOREIGN KEY (channel_id) REFERENCES gateway_channels(channel_id) ON DELETE CASCADE,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.writer().Exec(`
	CREATE INDEX IF NOT EXISTS idx_worktrees_repo_id ON worktrees(repo_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_board_id ON worktrees(board_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_fs_status ON worktrees(filesystem_status);
	CREATE INDEX IF NOT EXISTS idx_worktree_owners_user ON worktree_owners(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_worktree_id ON sessions(worktree_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_board_objects_board ON board_objects(board_id);
	CREATE INDEX IF NOT EXISTS idx_thread_maps_session ON thread_session_maps(session_id);
	CREATE INDEX IF NOT EXISTS idx_gateway_channels_enabled ON gateway_channels(enabled);
	`)
	return err
}
