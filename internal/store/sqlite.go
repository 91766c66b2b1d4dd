package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS wizard_sessions (
		session_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		site_name TEXT NOT NULL DEFAULT '',
		site_id TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		business_type TEXT NOT NULL DEFAULT '',
		current_step INTEGER NOT NULL DEFAULT 0,
		wizard_data TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'in_progress',
		version INTEGER NOT NULL DEFAULT 1,
		reserved_at INTEGER,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_customer ON wizard_sessions(customer_id, last_active_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_site_id ON wizard_sessions(site_id) WHERE site_id != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_reserved_site
		ON wizard_sessions(site_id) WHERE reserved_at IS NOT NULL AND status != 'abandoned';

	CREATE TABLE IF NOT EXISTS ai_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES wizard_sessions(session_id),
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		prompt TEXT NOT NULL,
		expected_fields TEXT NOT NULL DEFAULT '[]',
		target_field TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_admin_id TEXT,
		result TEXT,
		actual_cost REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		error_reason TEXT NOT NULL DEFAULT '',
		reclaim_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		assigned_at INTEGER,
		started_at INTEGER,
		completed_at INTEGER,
		merged_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ai_requests_status ON ai_requests(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_ai_requests_session ON ai_requests(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `
	session_id, customer_id, site_name, site_id, domain, business_type,
	current_step, wizard_data, status, version, reserved_at,
	created_at, last_active_at, completed_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.WizardSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM wizard_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.WizardSession) error {
	data, err := encodeWizardData(session.WizardData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO wizard_sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		session.SessionID, session.CustomerID, session.SiteName, session.SiteID,
		session.Domain, session.BusinessType, session.CurrentStep, data,
		string(session.Status), session.Version, nullableTime(session.ReservedAt),
		session.CreatedAt.UnixNano(), session.LastActiveAt.UnixNano(), nullableTime(session.CompletedAt),
	)
	if shared.IsSQLiteUniqueViolation(err) {
		return fmt.Errorf("insert session %s: %w", session.SessionID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession writes session if its stored version equals expectedVersion.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.WizardSession, expectedVersion int64) error {
	data, err := encodeWizardData(session.WizardData)
	if err != nil {
		return err
	}

	query := `
	UPDATE wizard_sessions SET
		site_name = ?, site_id = ?, domain = ?, business_type = ?,
		current_step = ?, wizard_data = ?, status = ?, version = ?,
		reserved_at = ?, last_active_at = ?, completed_at = ?
	WHERE session_id = ? AND version = ?`

	newVersion := expectedVersion + 1
	result, err := s.db.ExecContext(ctx, query,
		session.SiteName, session.SiteID, session.Domain, session.BusinessType,
		session.CurrentStep, data, string(session.Status), newVersion,
		nullableTime(session.ReservedAt), session.LastActiveAt.UnixNano(), nullableTime(session.CompletedAt),
		session.SessionID, expectedVersion,
	)
	if shared.IsSQLiteUniqueViolation(err) {
		return fmt.Errorf("update session %s: %w", session.SessionID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("UpdateSession affected 0 rows", "session_id", session.SessionID, "expected_version", expectedVersion)
		return ErrVersionMismatch
	}

	session.Version = newVersion
	return nil
}

// ListSessions returns a customer's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, customerID string) ([]*domain.WizardSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM wizard_sessions
		WHERE customer_id = ?
		ORDER BY last_active_at DESC, session_id ASC`

	rows, err := s.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []*domain.WizardSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SiteIDInUse reports whether another live session carries siteID.
func (s *SQLiteStore) SiteIDInUse(ctx context.Context, siteID, excludeSessionID string) (bool, error) {
	query := `
	SELECT EXISTS (
		SELECT 1 FROM wizard_sessions
		WHERE site_id = ? AND status != 'abandoned' AND session_id != ?
	)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, siteID, excludeSessionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query site id: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.WizardSession, error) {
	var session domain.WizardSession
	var data, status string
	var reservedAt, completedAt sql.NullInt64
	var createdAt, lastActiveAt int64

	if err := row.Scan(
		&session.SessionID, &session.CustomerID, &session.SiteName, &session.SiteID,
		&session.Domain, &session.BusinessType, &session.CurrentStep, &data,
		&status, &session.Version, &reservedAt,
		&createdAt, &lastActiveAt, &completedAt,
	); err != nil {
		return nil, err
	}

	session.WizardData = domain.WizardData{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &session.WizardData); err != nil {
			return nil, fmt.Errorf("decode wizard data for %s: %w", session.SessionID, err)
		}
	}
	session.Status = domain.SessionStatus(status)
	session.ReservedAt = timePtr(reservedAt)
	session.CompletedAt = timePtr(completedAt)
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.LastActiveAt = time.Unix(0, lastActiveAt).UTC()
	return &session, nil
}

func encodeWizardData(data domain.WizardData) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode wizard data: %w", err)
	}
	return string(raw), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
