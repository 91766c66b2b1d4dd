package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/logen-app/logen/internal/domain"
)

const requestColumns = `
	id, session_id, customer_id, kind, prompt, expected_fields, target_field,
	status, assigned_admin_id, result, actual_cost, notes, error_reason, reclaim_count,
	created_at, assigned_at, started_at, completed_at, merged_at, updated_at`

// CreateAIRequest inserts a new request.
func (s *SQLiteStore) CreateAIRequest(ctx context.Context, req *domain.AIRequest) error {
	fields := req.ExpectedFields
	if fields == nil {
		fields = []string{}
	}
	expected, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode expected fields: %w", err)
	}

	query := `
	INSERT INTO ai_requests (
		id, session_id, customer_id, kind, prompt, expected_fields, target_field,
		status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.SessionID, req.CustomerID, string(req.Kind), req.Prompt,
		string(expected), req.TargetField, string(req.Status),
		req.CreatedAt.UnixNano(), req.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert ai request: %w", err)
	}
	return nil
}

// GetAIRequest retrieves a request by ID.
func (s *SQLiteStore) GetAIRequest(ctx context.Context, requestID string) (*domain.AIRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ai_requests WHERE id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ai request row: %w", err)
	}
	return req, nil
}

// ListAIRequests returns requests matching filter, oldest first.
func (s *SQLiteStore) ListAIRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.AIRequest, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.AdminID != "" {
		where = append(where, "assigned_admin_id = ?")
		args = append(args, filter.AdminID)
	}

	query := `SELECT ` + requestColumns + ` FROM ai_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ai requests: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close ai request rows", "error", closeErr)
		}
	}()

	reqs := []*domain.AIRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ai request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ai requests: %w", err)
	}
	return reqs, nil
}

// ClaimAIRequest assigns a pending, unheld request to adminID.
func (s *SQLiteStore) ClaimAIRequest(ctx context.Context, requestID, adminID string, at time.Time) (bool, error) {
	query := `
	UPDATE ai_requests SET status = 'assigned', assigned_admin_id = ?, assigned_at = ?, updated_at = ?
	WHERE id = ? AND status = 'pending' AND assigned_admin_id IS NULL`
	return s.execTransition(ctx, "claim", query, adminID, at.UnixNano(), at.UnixNano(), requestID)
}

// StartAIRequest moves an assigned request held by adminID to processing.
func (s *SQLiteStore) StartAIRequest(ctx context.Context, requestID, adminID string, at time.Time) (bool, error) {
	query := `
	UPDATE ai_requests SET status = 'processing', started_at = ?, updated_at = ?
	WHERE id = ? AND status = 'assigned' AND assigned_admin_id = ?`
	return s.execTransition(ctx, "start", query, at.UnixNano(), at.UnixNano(), requestID, adminID)
}

// CompleteAIRequest stores the result of a request held by adminID.
func (s *SQLiteStore) CompleteAIRequest(ctx context.Context, requestID, adminID string, c Completion, at time.Time) (bool, error) {
	query := `
	UPDATE ai_requests SET status = 'completed', result = ?, actual_cost = ?, notes = ?,
		completed_at = ?, updated_at = ?
	WHERE id = ? AND status IN ('assigned', 'processing') AND assigned_admin_id = ?`
	return s.execTransition(ctx, "complete", query,
		string(c.Result), c.ActualCost, c.Notes, at.UnixNano(), at.UnixNano(), requestID, adminID)
}

// FailAIRequest moves a non-terminal request to failed.
func (s *SQLiteStore) FailAIRequest(ctx context.Context, requestID, adminID, reason string, at time.Time) (bool, error) {
	query := `
	UPDATE ai_requests SET status = 'failed', error_reason = ?, completed_at = ?, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'assigned', 'processing')
		AND (assigned_admin_id IS NULL OR assigned_admin_id = ?)`
	return s.execTransition(ctx, "fail", query, reason, at.UnixNano(), at.UnixNano(), requestID, adminID)
}

// MarkAIRequestMerged stamps merged_at on a completed request.
func (s *SQLiteStore) MarkAIRequestMerged(ctx context.Context, requestID string, at time.Time) error {
	query := `UPDATE ai_requests SET merged_at = ? WHERE id = ? AND status = 'completed' AND merged_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, at.UnixNano(), requestID); err != nil {
		return fmt.Errorf("mark ai request merged: %w", err)
	}
	return nil
}

// ReclaimStaleAIRequests returns stale held requests to the pending pool.
func (s *SQLiteStore) ReclaimStaleAIRequests(ctx context.Context, cutoff, at time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before reclaiming: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ai_requests
		WHERE status IN ('assigned', 'processing') AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale ai requests: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale ai request: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate stale ai requests: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close stale ai request rows", "error", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("Failed to rollback reclaim transaction", "error", rbErr)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE ai_requests SET status = 'pending', assigned_admin_id = NULL,
			assigned_at = NULL, started_at = NULL,
			reclaim_count = reclaim_count + 1, updated_at = ?
		WHERE id = ? AND status IN ('assigned', 'processing') AND updated_at <= ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare reclaim update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var reclaimed []string
	for _, id := range stale {
		result, err := stmt.ExecContext(ctx, at.UnixNano(), id, cutoff.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("reclaim ai request %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected for ai request %s: %w", id, err)
		}
		if n > 0 {
			reclaimed = append(reclaimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim transaction: %w", err)
	}
	return reclaimed, nil
}

func (s *SQLiteStore) execTransition(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s ai request: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

func scanRequest(row rowScanner) (*domain.AIRequest, error) {
	var req domain.AIRequest
	var kind, status, expected string
	var adminID, result sql.NullString
	var assignedAt, startedAt, completedAt, mergedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&req.ID, &req.SessionID, &req.CustomerID, &kind, &req.Prompt, &expected, &req.TargetField,
		&status, &adminID, &result, &req.ActualCost, &req.Notes, &req.ErrorReason, &req.ReclaimCount,
		&createdAt, &assignedAt, &startedAt, &completedAt, &mergedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if expected != "" {
		if err := json.Unmarshal([]byte(expected), &req.ExpectedFields); err != nil {
			return nil, fmt.Errorf("decode expected fields for %s: %w", req.ID, err)
		}
	}
	req.Kind = domain.RequestKind(kind)
	req.Status = domain.RequestStatus(status)
	req.AssignedAdminID = adminID.String
	if result.Valid {
		req.Result = json.RawMessage(result.String)
	}
	req.AssignedAt = timePtr(assignedAt)
	req.StartedAt = timePtr(startedAt)
	req.CompletedAt = timePtr(completedAt)
	req.MergedAt = timePtr(mergedAt)
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	req.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &req, nil
}
