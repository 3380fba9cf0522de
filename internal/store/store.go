// Package store provides the bot's on-disk persistence: messages,
// threads, users, and key/value settings in a single SQLite database.
//
// The database is opened with exactly one connection, so every reader
// and writer serializes through it — single writer by construction.
// All statements are prepared once at open.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orcabot/orcabot/internal/types"
)

// Message is one persisted chat message. Attachments are transient and
// never stored.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    types.ID  `json:"thread_id"`
	SenderID    types.ID  `json:"sender_id"`
	Text        string    `json:"text"`
	IsE2EE      bool      `json:"is_e2ee"`
	TimestampMs int64     `json:"timestamp_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Thread is a conversation, 1:1 or group.
type Thread struct {
	ID        types.ID  `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	Prefix    string    `json:"prefix"`
	Language  string    `json:"language"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a platform account the bot has seen or an operator has
// touched through the dashboard.
type User struct {
	ID         types.ID  `json:"id"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	ProfilePic string    `json:"profile_pic"`
	IsAdmin    bool      `json:"is_admin"`
	IsBlocked  bool      `json:"is_blocked"`
	FirstSeen  time.Time `json:"first_seen"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store owns the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	stmts  statements
}

// Open opens (creating if needed) the database at path with the WAL
// journal and the connection pragmas the single-writer design needs,
// then migrates the schema and prepares all statements.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing database handle. Tests use this with the
// CGO-free driver; production goes through [Open].
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	// One connection: every statement serializes through it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -2000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	s.stmts.close()
	return s.db.Close()
}

// migration is one schema step. Steps apply in order when their
// version exceeds the stored schema_version.
type migration struct {
	version int
	name    string
	script  string
}

var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		script: `
		CREATE TABLE IF NOT EXISTS threads (
			id INTEGER PRIMARY KEY,
			name TEXT,
			is_group INTEGER NOT NULL DEFAULT 0,
			prefix TEXT NOT NULL DEFAULT '!',
			language TEXT NOT NULL DEFAULT 'vi',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			text TEXT,
			is_e2ee INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread_ts ON messages(thread_id, timestamp);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			name TEXT,
			username TEXT,
			is_admin INTEGER NOT NULL DEFAULT 0,
			is_blocked INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
	},
	{
		version: 2,
		name:    "user profile pictures",
		script:  `ALTER TABLE users ADD COLUMN profile_pic TEXT;`,
	},
	{
		version: 3,
		name:    "thread recency index",
		script:  `CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);`,
	},
}

// migrate brings the schema up to the latest version. The settings
// table bootstraps outside the versioned list because it stores the
// version itself. Errors from re-adding an existing column are logged
// and skipped; anything else aborts startup.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}

	current := 0
	var raw string
	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	default:
		fmt.Sscanf(raw, "%d", &current)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.script); err != nil {
			if isDuplicateColumn(err) {
				s.logger.Warn("migration step already applied, skipping",
					"version", m.version, "name", m.name, "error", err)
			} else {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", m.version),
		); err != nil {
			return fmt.Errorf("record schema_version %d: %w", m.version, err)
		}
		s.logger.Info("applied schema migration", "version", m.version, "name", m.name)
	}
	return nil
}

// isDuplicateColumn recognizes the one migration failure that is safe
// to ignore: replaying an ALTER TABLE ADD COLUMN.
func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

type statements struct {
	saveMessage      *sql.Stmt
	getMessages      *sql.Stmt
	deleteOld        *sql.Stmt
	ensureThread     *sql.Stmt
	getThread        *sql.Stmt
	listThreads      *sql.Stmt
	setThreadPrefix  *sql.Stmt
	setThreadEnabled *sql.Stmt
	ensureUser       *sql.Stmt
	getUser          *sql.Stmt
	listUsers        *sql.Stmt
	setAdmin         *sql.Stmt
	setBlocked       *sql.Stmt
	isBlocked        *sql.Stmt
	getSetting       *sql.Stmt
	setSetting       *sql.Stmt
}

func (st *statements) close() {
	for _, stmt := range []*sql.Stmt{
		st.saveMessage, st.getMessages, st.deleteOld,
		st.ensureThread, st.getThread, st.listThreads,
		st.setThreadPrefix, st.setThreadEnabled,
		st.ensureUser, st.getUser, st.listUsers,
		st.setAdmin, st.setBlocked, st.isBlocked,
		st.getSetting, st.setSetting,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (s *Store) prepare() error {
	prepared := map[**sql.Stmt]string{
		&s.stmts.saveMessage: `INSERT OR IGNORE INTO messages
			(id, thread_id, sender_id, text, is_e2ee, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&s.stmts.getMessages: `SELECT id, thread_id, sender_id, text, is_e2ee, timestamp, created_at
			FROM messages WHERE thread_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
		&s.stmts.deleteOld: `DELETE FROM messages WHERE created_at < ?`,
		&s.stmts.ensureThread: `INSERT INTO threads (id, name, is_group, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = COALESCE(NULLIF(excluded.name, ''), threads.name),
				is_group = excluded.is_group,
				updated_at = excluded.updated_at`,
		&s.stmts.getThread: `SELECT id, name, is_group, prefix, language, enabled, created_at, updated_at
			FROM threads WHERE id = ?`,
		&s.stmts.listThreads: `SELECT id, name, is_group, prefix, language, enabled, created_at, updated_at
			FROM threads ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		&s.stmts.setThreadPrefix:  `UPDATE threads SET prefix = ?, updated_at = ? WHERE id = ?`,
		&s.stmts.setThreadEnabled: `UPDATE threads SET enabled = ?, updated_at = ? WHERE id = ?`,
		&s.stmts.ensureUser: `INSERT INTO users (id, name, first_seen, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = COALESCE(NULLIF(excluded.name, ''), users.name),
				updated_at = excluded.updated_at`,
		&s.stmts.getUser: `SELECT id, name, username, profile_pic, is_admin, is_blocked, first_seen, updated_at
			FROM users WHERE id = ?`,
		&s.stmts.listUsers: `SELECT id, name, username, profile_pic, is_admin, is_blocked, first_seen, updated_at
			FROM users ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		&s.stmts.setAdmin: `INSERT INTO users (id, is_admin, first_seen, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				is_admin = excluded.is_admin,
				updated_at = excluded.updated_at`,
		&s.stmts.setBlocked: `INSERT INTO users (id, is_blocked, first_seen, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				is_blocked = excluded.is_blocked,
				updated_at = excluded.updated_at`,
		&s.stmts.isBlocked:  `SELECT is_blocked FROM users WHERE id = ?`,
		&s.stmts.getSetting: `SELECT value FROM settings WHERE key = ?`,
		&s.stmts.setSetting: `INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
	}
	for target, query := range prepared {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", strings.Fields(query)[0], err)
		}
		*target = stmt
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// SaveMessage persists one message. Re-saving a known id is a no-op,
// which keeps the unique-id invariant under replays.
func (s *Store) SaveMessage(m *Message) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.stmts.saveMessage.Exec(
		m.ID, m.ThreadID.Int64(), m.SenderID.Int64(),
		nullString(m.Text), boolInt(m.IsE2EE), m.TimestampMs, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessages returns up to limit messages for a thread, newest first.
func (s *Store) GetMessages(threadID types.ID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.stmts.getMessages.Query(threadID.Int64(), limit)
	if err != nil {
		return nil, fmt.Errorf("get messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			text    sql.NullString
			e2ee    int
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &text, &e2ee, &m.TimestampMs, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Text = text.String
		m.IsE2EE = e2ee != 0
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnsureThread upserts a thread row. The name only overwrites when the
// caller has one; updated_at bumps on every call, which keeps the
// recency ordering the thread list and resolver rely on.
func (s *Store) EnsureThread(id types.ID, name string, isGroup bool) error {
	now := nowMillis()
	_, err := s.stmts.ensureThread.Exec(id.Int64(), name, boolInt(isGroup), now, now)
	if err != nil {
		return fmt.Errorf("ensure thread %s: %w", id, err)
	}
	return nil
}

// GetThread returns the thread or nil when unknown.
func (s *Store) GetThread(id types.ID) (*Thread, error) {
	t, err := scanThread(s.stmts.getThread.QueryRow(id.Int64()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return t, nil
}

// ListThreads pages through threads by most recent activity.
func (s *Store) ListThreads(limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.stmts.listThreads.Query(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetThreadPrefix changes the command prefix for one thread.
func (s *Store) SetThreadPrefix(id types.ID, prefix string) error {
	if _, err := s.stmts.setThreadPrefix.Exec(prefix, nowMillis(), id.Int64()); err != nil {
		return fmt.Errorf("set thread %s prefix: %w", id, err)
	}
	return nil
}

// SetThreadEnabled switches the bot on or off for one thread.
func (s *Store) SetThreadEnabled(id types.ID, enabled bool) error {
	if _, err := s.stmts.setThreadEnabled.Exec(boolInt(enabled), nowMillis(), id.Int64()); err != nil {
		return fmt.Errorf("set thread %s enabled: %w", id, err)
	}
	return nil
}

// EnsureUser upserts a user row, setting first_seen on first contact.
func (s *Store) EnsureUser(id types.ID, name string) error {
	now := nowMillis()
	if _, err := s.stmts.ensureUser.Exec(id.Int64(), name, now, now); err != nil {
		return fmt.Errorf("ensure user %s: %w", id, err)
	}
	return nil
}

// GetUser returns the user or nil when unknown.
func (s *Store) GetUser(id types.ID) (*User, error) {
	u, err := scanUser(s.stmts.getUser.QueryRow(id.Int64()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsers pages through users by most recent activity.
func (s *Store) ListUsers(limit, offset int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.stmts.listUsers.Query(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// SetAdmin grants or revokes admin, creating the row if the user has
// never been seen.
func (s *Store) SetAdmin(id types.ID, admin bool) error {
	now := nowMillis()
	if _, err := s.stmts.setAdmin.Exec(id.Int64(), boolInt(admin), now, now); err != nil {
		return fmt.Errorf("set user %s admin: %w", id, err)
	}
	return nil
}

// SetBlocked blocks or unblocks a user, creating the row if needed so
// a block lands before the user's first message.
func (s *Store) SetBlocked(id types.ID, blocked bool) error {
	now := nowMillis()
	if _, err := s.stmts.setBlocked.Exec(id.Int64(), boolInt(blocked), now, now); err != nil {
		return fmt.Errorf("set user %s blocked: %w", id, err)
	}
	return nil
}

// IsBlocked reports whether the user is blocked; unknown users are not.
func (s *Store) IsBlocked(id types.ID) (bool, error) {
	var blocked int
	err := s.stmts.isBlocked.QueryRow(id.Int64()).Scan(&blocked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is user %s blocked: %w", id, err)
	}
	return blocked != 0, nil
}

// Stats returns row counts and database size for the overview API.
func (s *Store) Stats() map[string]any {
	stats := map[string]any{}
	for _, table := range []string{"messages", "threads", "users"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err == nil {
			stats[table] = count
		}
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err == nil {
			stats["db_size_bytes"] = pageCount * pageSize
		}
	}
	if v, err := s.GetSetting("schema_version"); err == nil && v != "" {
		stats["schema_version"] = v
	}
	return stats
}

// rowScanner lets scanThread/scanUser serve both QueryRow and Query.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		t                  Thread
		name               sql.NullString
		isGroup, enabled   int
		createdAt, updated int64
	)
	err := row.Scan(&t.ID, &name, &isGroup, &t.Prefix, &t.Language, &enabled, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	t.IsGroup = isGroup != 0
	t.Enabled = enabled != 0
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updated)
	return &t, nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		name, username, pic  sql.NullString
		isAdmin, isBlocked   int
		firstSeen, updatedAt int64
	)
	err := row.Scan(&u.ID, &name, &username, &pic, &isAdmin, &isBlocked, &firstSeen, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Name = name.String
	u.Username = username.String
	u.ProfilePic = pic.String
	u.IsAdmin = isAdmin != 0
	u.IsBlocked = isBlocked != 0
	u.FirstSeen = time.UnixMilli(firstSeen)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return &u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
