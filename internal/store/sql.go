package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/shared"
)

const defaultHistoryLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	call_id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	ended_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, started_at);
CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls(receiver_id, started_at);
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);
`

// Dialect selects placeholder style and schema preamble.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Repository on database/sql. Queries are written with
// ? placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLite opens (creating if needed) a SQLite database at dbPath.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(db, DialectSQLite)
}

// NewPostgres connects to Postgres using a lib/pq DSN.
func NewPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	return open(db, DialectPostgres)
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func open(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	query := schema
	if s.dialect == DialectSQLite {
		query = "PRAGMA busy_timeout = 5000;\n" + schema
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Dialect returns the backend in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnConflict(ctx, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, s.rebind(query), args...)
		return err
	})
	return res, err
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, username, created_at, updated_at FROM users WHERE user_id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), userID)

	var user domain.User
	var createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UserExists reports whether the user is in the directory.
func (s *SQLStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM users WHERE user_id = ?`), userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return true, nil
}

// UpsertUser creates or updates a user record. Zero timestamps default to now.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	query := `
	INSERT INTO users (user_id, username, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.Username, user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ListUsers returns every user ordered by ID.
func (s *SQLStore) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, username, created_at, updated_at FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close user rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		var createdAt, updatedAt int64
		if err := rows.Scan(&user.UserID, &user.Username, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		user.CreatedAt = time.Unix(createdAt, 0)
		user.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// CreateCall inserts an ongoing call record.
func (s *SQLStore) CreateCall(ctx context.Context, callerID, receiverID string) (*domain.CallRecord, error) {
	call := &domain.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     domain.CallOngoing,
		StartedAt:  time.Unix(s.now().Unix(), 0),
	}

	query := `INSERT INTO calls (call_id, caller_id, receiver_id, status, started_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "create call", query,
		call.ID, call.CallerID, call.ReceiverID, string(call.Status), call.StartedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return call, nil
}

// EndCall closes an ongoing call.
func (s *SQLStore) EndCall(ctx context.Context, callID string, status domain.CallStatus) (*domain.CallRecord, error) {
	if status == "" || status == domain.CallOngoing {
		status = domain.CallEnded
	}

	query := `UPDATE calls SET status = ?, ended_at = ? WHERE call_id = ? AND status = ?`
	_, err := s.exec(ctx, "end call", query,
		string(status), s.now().Unix(), callID, string(domain.CallOngoing),
	)
	if err != nil {
		return nil, fmt.Errorf("end call: %w", err)
	}
	return s.GetCall(ctx, callID)
}

const callColumns = `call_id, caller_id, receiver_id, status, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*domain.CallRecord, error) {
	var call domain.CallRecord
	var status string
	var startedAt int64
	var endedAt sql.NullInt64

	if err := row.Scan(&call.ID, &call.CallerID, &call.ReceiverID, &status, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	call.Status = domain.CallStatus(status)
	call.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		call.EndedAt = &ts
	}
	return &call, nil
}

// GetCall retrieves a call record by ID.
func (s *SQLStore) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = ?`
	call, err := scanCall(s.db.QueryRowContext(ctx, s.rebind(query), callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call row: %w", err)
	}
	return call, nil
}

// ListUserCalls returns calls the user took part in, newest first.
func (s *SQLStore) ListUserCalls(ctx context.Context, userID string, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `SELECT ` + callColumns + ` FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY started_at DESC LIMIT ?`
	return s.queryCalls(ctx, query, userID, userID, limit)
}

// ListActiveCalls returns every ongoing call, newest first.
func (s *SQLStore) ListActiveCalls(ctx context.Context) ([]*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE status = ? ORDER BY started_at DESC`
	return s.queryCalls(ctx, query, string(domain.CallOngoing))
}

func (s *SQLStore) queryCalls(ctx context.Context, query string, args ...any) ([]*domain.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close call rows", "error", closeErr)
		}
	}()

	var calls []*domain.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}
