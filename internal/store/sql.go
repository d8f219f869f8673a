package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/models"
	_ "modernc.org/sqlite"
)

// dialect captures the few differences between SQLite and PostgreSQL.
type dialect struct {
	name          string
	autoIncrement string
	numbered      bool // $1, $2 placeholders instead of ?
}

var (
	dialectSQLite   = dialect{name: "sqlite", autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	dialectPostgres = dialect{name: "postgres", autoIncrement: "BIGSERIAL PRIMARY KEY", numbered: true}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps credentials and collected payloads in a SQL database.
// It is thread-safe and supports concurrent access.
type SQLStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	dialect dialect
	opts    options
}

var _ CredentialStore = (*SQLStore)(nil)

// NewSQLiteStore opens a SQLite database with WAL mode enabled
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.FileError{Op: "create directory", Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.StoreError{Op: "open", Target: dbPath, Err: err}
	}

	return newSQLStore(db, dbPath, dialectSQLite, opts)
}

// NewPostgresStore opens a PostgreSQL database
func NewPostgresStore(dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &errors.StoreError{Op: "open", Target: redactDSN(dsn), Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newSQLStore(db, redactDSN(dsn), dialectPostgres, opts)
}

func newSQLStore(db *sql.DB, name string, d dialect, opts []Option) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.StoreError{Op: "open", Target: name, Err: err}
	}

	if err := runMigrations(db, d); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{
		db:      db,
		dialect: d,
		opts:    buildOptions(opts),
	}, nil
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return "postgres"
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB, d dialect) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.StoreError{Op: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.StoreError{Op: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      []string
	}{
		{
			version: 1,
			up: []string{
				`CREATE TABLE IF NOT EXISTS user_tokens (
					user_id TEXT PRIMARY KEY,
					access_token TEXT NOT NULL,
					refresh_token TEXT NOT NULL DEFAULT '',
					token_type TEXT NOT NULL DEFAULT '',
					expires_in BIGINT NOT NULL DEFAULT 0,
					scope TEXT NOT NULL DEFAULT '',
					provider_user_id TEXT NOT NULL DEFAULT '',
					last_updated BIGINT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS pkce_challenges (
					user_id TEXT PRIMARY KEY,
					verifier TEXT NOT NULL,
					created_at BIGINT NOT NULL
				)`,
			},
		},
		{
			version: 2,
			up: []string{
				`CREATE TABLE IF NOT EXISTS collected_payloads (
					id ` + d.autoIncrement + `,
					user_id TEXT NOT NULL,
					cadence TEXT NOT NULL,
					resource TEXT NOT NULL,
					body TEXT NOT NULL,
					collected_at BIGINT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_collected_payloads_user ON collected_payloads(user_id, collected_at)`,
			},
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.StoreError{Op: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.up {
			if _, err := tx.Exec(stmt); err != nil {
				return &errors.StoreError{Op: "migrate", Migration: m.version, Err: err}
			}
		}
		if _, err := tx.Exec(d.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
			return &errors.StoreError{Op: "migrate", Migration: m.version, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "commit migrations", Err: err}
	}

	return nil
}

// Dialect returns "sqlite" or "postgres".
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// Token operations

// PutToken stores or replaces the token of a user
func (s *SQLStore) PutToken(ctx context.Context, userID string, token *models.UserToken) error {
	t, err := stampToken(userID, token, s.opts.clock())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO user_tokens (user_id, access_token, refresh_token, token_type, expires_in, scope, provider_user_id, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_in = excluded.expires_in,
			scope = excluded.scope,
			provider_user_id = excluded.provider_user_id,
			last_updated = excluded.last_updated
	`), t.UserID, t.AccessToken, t.RefreshToken, t.TokenType, t.ExpiresIn, t.Scope, t.ProviderUserID, t.LastUpdated.UnixNano())
	if err != nil {
		return &errors.StoreError{Op: "put token", Err: err}
	}
	return nil
}

// GetToken retrieves the token of a user
func (s *SQLStore) GetToken(ctx context.Context, userID string) (*models.UserToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		t           models.UserToken
		lastUpdated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT user_id, access_token, refresh_token, token_type, expires_in, scope, provider_user_id, last_updated
		FROM user_tokens WHERE user_id = ?
	`), userID).Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ExpiresIn, &t.Scope, &t.ProviderUserID, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StoreError{Op: "get token", Err: err}
	}
	t.LastUpdated = time.Unix(0, lastUpdated)
	return &t, true, nil
}

// RemoveToken deletes the token of a user
func (s *SQLStore) RemoveToken(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM user_tokens WHERE user_id = ?"), userID); err != nil {
		return &errors.StoreError{Op: "remove token", Err: err}
	}
	return nil
}

// ListUsers returns all users with a stored token
func (s *SQLStore) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM user_tokens ORDER BY user_id")
	if err != nil {
		return nil, &errors.StoreError{Op: "list users", Err: err}
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &errors.StoreError{Op: "list users", Err: err}
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "list users", Err: err}
	}
	return users, nil
}

// Challenge operations

// PutChallenge stores a PKCE verifier, replacing any previous one
func (s *SQLStore) PutChallenge(ctx context.Context, userID, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO pkce_challenges (user_id, verifier, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			verifier = excluded.verifier,
			created_at = excluded.created_at
	`), userID, verifier, s.opts.clock().UnixNano())
	if err != nil {
		return &errors.StoreError{Op: "put challenge", Err: err}
	}
	return nil
}

// GetChallenge returns a live verifier and purges an expired one
func (s *SQLStore) GetChallenge(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, &errors.StoreError{Op: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		ch        models.PKCEChallenge
		createdAt int64
	)
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT user_id, verifier, created_at FROM pkce_challenges WHERE user_id = ?",
	), userID).Scan(&ch.UserID, &ch.Verifier, &createdAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &errors.StoreError{Op: "get challenge", Err: err}
	}
	ch.CreatedAt = time.Unix(0, createdAt)

	if !ch.Expired(s.opts.clock()) {
		return ch.Verifier, true, nil
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind("DELETE FROM pkce_challenges WHERE user_id = ?"), userID); err != nil {
		return "", false, &errors.StoreError{Op: "expire challenge", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", false, &errors.StoreError{Op: "expire challenge", Err: err}
	}
	return "", false, nil
}

// RemoveChallenge deletes the verifier of a user
func (s *SQLStore) RemoveChallenge(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM pkce_challenges WHERE user_id = ?"), userID); err != nil {
		return &errors.StoreError{Op: "remove challenge", Err: err}
	}
	return nil
}

// Payload operations

// SavePayload appends one collected API response
func (s *SQLStore) SavePayload(ctx context.Context, p *models.Payload) error {
	collectedAt := p.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = s.opts.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO collected_payloads (user_id, cadence, resource, body, collected_at)
		VALUES (?, ?, ?, ?, ?)
	`), p.UserID, string(p.Cadence), p.Resource, string(p.Body), collectedAt.UnixNano())
	if err != nil {
		return &errors.StoreError{Op: "save payload", Err: err}
	}
	return nil
}

// ListPayloads returns the newest payloads of a user, newest first
func (s *SQLStore) ListPayloads(ctx context.Context, userID string, limit int) ([]*models.Payload, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, user_id, cadence, resource, body, collected_at
		FROM collected_payloads WHERE user_id = ?
		ORDER BY collected_at DESC, id DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, &errors.StoreError{Op: "list payloads", Err: err}
	}
	defer rows.Close()

	var out []*models.Payload
	for rows.Next() {
		var (
			p           models.Payload
			cadence     string
			body        string
			collectedAt int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &cadence, &p.Resource, &body, &collectedAt); err != nil {
			return nil, &errors.StoreError{Op: "list payloads", Err: err}
		}
		p.Cadence = models.Cadence(cadence)
		p.Body = []byte(body)
		p.CollectedAt = time.Unix(0, collectedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// PurgePayloadsBefore deletes payloads collected before cutoff
func (s *SQLStore) PurgePayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM collected_payloads WHERE collected_at < ?"), cutoff.UnixNano())
	if err != nil {
		return 0, &errors.StoreError{Op: "purge payloads", Err: err}
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
