package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// PostgresStore implements the Store interface on Postgres.
type PostgresStore struct {
	db *sql.DB

	stmtCreateTask    *sql.Stmt
	stmtGetTask       *sql.Stmt
	stmtUpdateTask    *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtMaxSequence   *sql.Stmt
	stmtHistory       *sql.Stmt
}

// PostgresConfig holds connection pool configuration.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a Postgres-backed store from a DSN/URL.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newPostgresStore(db)
}

// NewPostgresStoreWithDB wraps an existing connection, mainly for tests.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	return newPostgresStore(db)
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			repo_full_name TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			shadow_branch TEXT NOT NULL,
			base_commit_hash TEXT NOT NULL DEFAULT '',
			main_model TEXT NOT NULL,
			status TEXT NOT NULL,
			init_status TEXT NOT NULL,
			pull_request_number INT NOT NULL DEFAULT 0,
			workspace_path TEXT NOT NULL DEFAULT '',
			last_activity_at TIMESTAMPTZ NOT NULL,
			scheduled_cleanup_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (shadow_branch <> base_branch)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			sequence INT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			stacked_task_id TEXT NOT NULL DEFAULT '',
			snapshot_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			edited_at TIMESTAMPTZ,
			UNIQUE (task_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			call_id TEXT NOT NULL UNIQUE,
			tool_name TEXT NOT NULL,
			args JSONB NOT NULL DEFAULT '{}',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pr_snapshots (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			files_changed INT NOT NULL DEFAULT 0,
			lines_added INT NOT NULL DEFAULT 0,
			lines_removed INT NOT NULL DEFAULT 0,
			commit_sha TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			github_login TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_cleanup ON tasks (scheduled_cleanup_at) WHERE scheduled_cleanup_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pr ON tasks (repo_full_name, pull_request_number)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateTask, err = s.db.Prepare(`
		INSERT INTO tasks (id, user_id, title, repo_full_name, repo_url, base_branch, shadow_branch,
			base_commit_hash, main_model, status, init_status, pull_request_number, workspace_path,
			last_activity_at, scheduled_cleanup_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create task: %w", err)
	}

	s.stmtGetTask, err = s.db.Prepare(taskSelect + ` WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare get task: %w", err)
	}

	s.stmtUpdateTask, err = s.db.Prepare(`
		UPDATE tasks SET title=$1, base_commit_hash=$2, main_model=$3, status=$4, init_status=$5,
			pull_request_number=$6, workspace_path=$7, last_activity_at=$8, scheduled_cleanup_at=$9,
			updated_at=$10
		WHERE id = $11
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update task: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO chat_messages (id, task_id, role, sequence, model, content, metadata,
			stacked_task_id, snapshot_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append message: %w", err)
	}

	s.stmtMaxSequence, err = s.db.Prepare(`
		SELECT COALESCE(MAX(sequence), 0) FROM chat_messages WHERE task_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare max sequence: %w", err)
	}

	s.stmtHistory, err = s.db.Prepare(messageSelect + ` WHERE task_id = $1 ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("failed to prepare history: %w", err)
	}

	return nil
}

const taskSelect = `
	SELECT id, user_id, title, repo_full_name, repo_url, base_branch, shadow_branch,
		base_commit_hash, main_model, status, init_status, pull_request_number, workspace_path,
		last_activity_at, scheduled_cleanup_at, created_at, updated_at
	FROM tasks`

const messageSelect = `
	SELECT id, task_id, role, sequence, model, content, metadata,
		stacked_task_id, snapshot_id, created_at, edited_at
	FROM chat_messages`

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.LastActivityAt.IsZero() {
		task.LastActivityAt = now
	}

	_, err := s.stmtCreateTask.ExecContext(ctx,
		task.ID, task.UserID, task.Title, task.RepoFullName, task.RepoURL,
		task.BaseBranch, task.ShadowBranch, task.BaseCommitHash, task.MainModel,
		string(task.Status), string(task.InitStatus), task.PullRequestNumber,
		task.WorkspacePath, task.LastActivityAt, nullableTime(task.ScheduledCleanupAt),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return scanTask(s.stmtGetTask.QueryRowContext(ctx, id))
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	task.UpdatedAt = time.Now()
	res, err := s.stmtUpdateTask.ExecContext(ctx,
		task.Title, task.BaseCommitHash, task.MainModel, string(task.Status),
		string(task.InitStatus), task.PullRequestNumber, task.WorkspacePath,
		task.LastActivityAt, nullableTime(task.ScheduledCleanupAt), task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasksByPR(ctx context.Context, repoFullName string, prNumber int) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE repo_full_name = $1 AND pull_request_number = $2 ORDER BY id`,
		repoFullName, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by pr: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) ListTasksDueForCleanup(ctx context.Context, now time.Time) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE scheduled_cleanup_at IS NOT NULL AND scheduled_cleanup_at <= $1 ORDER BY id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks due for cleanup: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// The kernel serializes appends per task, so max+1 cannot race.
	var max int
	if err := s.stmtMaxSequence.QueryRowContext(ctx, msg.TaskID).Scan(&max); err != nil {
		return fmt.Errorf("failed to read max sequence: %w", err)
	}
	msg.Sequence = max + 1

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.TaskID, string(msg.Role), msg.Sequence, msg.Model, msg.Content,
		metadata, msg.StackedTaskID, msg.SnapshotID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET content=$1, metadata=$2, model=$3,
			stacked_task_id=$4, snapshot_id=$5, edited_at=$6
		WHERE id = $7`,
		msg.Content, metadata, msg.Model, msg.StackedTaskID, msg.SnapshotID,
		nullableTime(msg.EditedAt), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) History(ctx context.Context, taskID string) ([]*models.Message, error) {
	rows, err := s.stmtHistory.QueryContext(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TruncateAfter(ctx context.Context, taskID string, sequence int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE task_id = $1 AND sequence > $2`, taskID, sequence)
	if err != nil {
		return fmt.Errorf("failed to truncate messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateToolMessage(ctx context.Context, tm *models.ToolMessage) error {
	if tm == nil {
		return errors.New("tool message is required")
	}
	if tm.ID == "" {
		tm.ID = uuid.NewString()
	}
	now := time.Now()
	if tm.CreatedAt.IsZero() {
		tm.CreatedAt = now
	}
	tm.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_messages (id, task_id, message_id, call_id, tool_name, args, content, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		tm.ID, tm.TaskID, tm.MessageID, tm.CallID, tm.ToolName,
		[]byte(tm.Args), tm.Content, string(tm.Status), tm.CreatedAt, tm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tool message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateToolMessage(ctx context.Context, tm *models.ToolMessage) error {
	if tm == nil {
		return errors.New("tool message is required")
	}
	tm.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_messages SET content=$1, status=$2, updated_at=$3 WHERE call_id = $4`,
		tm.Content, string(tm.Status), tm.UpdatedAt, tm.CallID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tool message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReplaceTodos(ctx context.Context, taskID string, todos []models.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin todo replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to clear todos: %w", err)
	}
	for i, todo := range todos {
		id := todo.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todos (id, task_id, content, status, sequence) VALUES ($1,$2,$3,$4,$5)`,
			id, taskID, todo.Content, string(todo.Status), i+1); err != nil {
			return fmt.Errorf("failed to insert todo: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetTodos(ctx context.Context, taskID string) ([]models.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, content, status, sequence FROM todos WHERE task_id = $1 ORDER BY sequence`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var out []models.Todo
	for rows.Next() {
		var todo models.Todo
		var status string
		if err := rows.Scan(&todo.ID, &todo.TaskID, &todo.Content, &status, &todo.Sequence); err != nil {
			return nil, err
		}
		todo.Status = models.TodoStatus(status)
		out = append(out, todo)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.PRSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pr_snapshots (id, task_id, message_id, status, title, description,
			files_changed, lines_added, lines_removed, commit_sha, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		snap.ID, snap.TaskID, snap.MessageID, string(snap.Status), snap.Title,
		snap.Description, snap.FilesChanged, snap.LinesAdded, snap.LinesRemoved,
		snap.CommitSHA, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, taskID string) ([]*models.PRSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, message_id, status, title, description,
			files_changed, lines_added, lines_removed, commit_sha, created_at
		FROM pr_snapshots WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.PRSnapshot
	for rows.Next() {
		var snap models.PRSnapshot
		var status string
		if err := rows.Scan(&snap.ID, &snap.TaskID, &snap.MessageID, &status, &snap.Title,
			&snap.Description, &snap.FilesChanged, &snap.LinesAdded, &snap.LinesRemoved,
			&snap.CommitSHA, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.Status = models.SnapshotStatus(status)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var account Account
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, github_login, access_token, refresh_token, token_expires_at, updated_at
		FROM accounts WHERE user_id = $1`, userID).
		Scan(&account.UserID, &account.GitHubLogin, &account.AccessToken,
			&account.RefreshToken, &expires, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if expires.Valid {
		account.TokenExpiresAt = expires.Time
	}
	return &account, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, account *Account) error {
	if account == nil {
		return errors.New("account is required")
	}
	account.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, github_login, access_token, refresh_token, token_expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			github_login = EXCLUDED.github_login,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = EXCLUDED.updated_at`,
		account.UserID, account.GitHubLogin, account.AccessToken,
		account.RefreshToken, account.TokenExpiresAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status, initStatus string
	var cleanup sql.NullTime
	err := row.Scan(&task.ID, &task.UserID, &task.Title, &task.RepoFullName, &task.RepoURL,
		&task.BaseBranch, &task.ShadowBranch, &task.BaseCommitHash, &task.MainModel,
		&status, &initStatus, &task.PullRequestNumber, &task.WorkspacePath,
		&task.LastActivityAt, &cleanup, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Status = models.TaskStatus(status)
	task.InitStatus = models.InitStatus(initStatus)
	if cleanup.Valid {
		t := cleanup.Time
		task.ScheduledCleanupAt = &t
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var metadata []byte
	var edited sql.NullTime
	err := row.Scan(&msg.ID, &msg.TaskID, &role, &msg.Sequence, &msg.Model, &msg.Content,
		&metadata, &msg.StackedTaskID, &msg.SnapshotID, &msg.CreatedAt, &edited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Role = models.Role(role)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	if edited.Valid {
		t := edited.Time
		msg.EditedAt = &t
	}
	return &msg, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
