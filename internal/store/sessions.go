package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionColumns = `id, topic, research_type, status, structured_prompt, research_plan,
	output_directory, metadata, error_log, created_at, updated_at, completed_at`

// CreateSession inserts s. An empty ID is filled with a new UUID and zero
// ResearchType/Status take their defaults. Returns ErrDuplicate if the id
// is taken.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.ResearchType == "" {
		sess.ResearchType = ResearchDeep
	}
	if sess.Status == "" {
		sess.Status = SessionInitializing
	}
	if err := checkInput(sess); err != nil {
		return err
	}
	if !sess.ResearchType.Valid() {
		return fmt.Errorf("%w: research type %q", ErrInvalidArgument, sess.ResearchType)
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("%w: session status %q", ErrInvalidArgument, sess.Status)
	}

	now := s.db.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, topic, research_type, status, structured_prompt, research_plan,
			output_directory, metadata, error_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Topic, sess.ResearchType, sess.Status,
		nullString(sess.StructuredPrompt), nullString(sess.ResearchPlan),
		nullString(sess.OutputDirectory), sess.Metadata, nullString(sess.ErrorLog), now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrDuplicate, sess.ID)
	}
	s.db.log.Debug("session created", zap.String("session", sess.ID), zap.String("topic", sess.Topic))
	return nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.conn, id)
}

func getSession(ctx context.Context, q querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		sess                         Session
		prompt, plan, outDir, errLog sql.NullString
		completed                    sql.NullInt64
	)
	if err := r.Scan(&sess.ID, &sess.Topic, &sess.ResearchType, &sess.Status, &prompt, &plan,
		&outDir, &sess.Metadata, &errLog, &sess.CreatedAt, &sess.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	sess.StructuredPrompt = prompt.String
	sess.ResearchPlan = plan.String
	sess.OutputDirectory = outDir.String
	sess.ErrorLog = errLog.String
	sess.CompletedAt = int64Ptr(completed)
	return &sess, nil
}

// requireWritable fails unless the session exists and is not terminal.
func requireWritable(ctx context.Context, q querier, sessionID string) error {
	var status SessionStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, sessionID, status)
	}
	return nil
}

// UpdateSessionStatus moves a session to status. Reaching COMPLETED sets
// completed_at; reaching FAILED appends errMsg to the error log. Returns
// false when the session does not exist.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: session status %q", ErrInvalidArgument, status)
	}

	var found bool
	err := s.withTx(ctx, "update_session_status", func(tx *sql.Tx) error {
		found = false
		var current SessionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if !current.CanTransition(status) {
			return fmt.Errorf("%w: session %s from %s to %s", ErrInvalidTransition, id, current, status)
		}
		if current == status {
			return nil
		}

		now := s.db.now()
		var completed sql.NullInt64
		if status == SessionCompleted {
			completed = sql.NullInt64{Int64: now, Valid: true}
		}
		var logLine string
		if status == SessionFailed && errMsg != "" {
			logLine = fmt.Sprintf("[%s] %s\n", time.UnixMilli(now).UTC().Format(time.RFC3339), errMsg)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, updated_at = ?,
				completed_at = COALESCE(?, completed_at),
				error_log = CASE WHEN ? = '' THEN error_log ELSE COALESCE(error_log, '') || ? END
			WHERE id = ?`,
			status, now, completed, logLine, logLine, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	if found {
		s.db.log.Info("session status changed", zap.String("session", id), zap.String("status", string(status)))
	}
	return found, nil
}

// UpdateSession applies patch. Metadata keys are merged into the stored map.
// Returns false when the session does not exist.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) (bool, error) {
	if patch.ResearchType != nil && !patch.ResearchType.Valid() {
		return false, fmt.Errorf("%w: research type %q", ErrInvalidArgument, *patch.ResearchType)
	}

	var found bool
	err := s.withTx(ctx, "update_session", func(tx *sql.Tx) error {
		found = false
		sess, err := getSession(ctx, tx, id)
		if err != nil || sess == nil {
			return err
		}
		found = true
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, id, sess.Status)
		}

		sets := []string{"updated_at = ?"}
		args := []any{s.db.now()}
		add := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if patch.Topic != nil {
			add("topic", *patch.Topic)
		}
		if patch.ResearchType != nil {
			add("research_type", *patch.ResearchType)
		}
		if patch.StructuredPrompt != nil {
			add("structured_prompt", nullString(*patch.StructuredPrompt))
		}
		if patch.ResearchPlan != nil {
			add("research_plan", nullString(*patch.ResearchPlan))
		}
		if patch.OutputDirectory != nil {
			add("output_directory", nullString(*patch.OutputDirectory))
		}
		if patch.Metadata != nil {
			add("metadata", sess.Metadata.Merge(patch.Metadata))
		}
		args = append(args, id)
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return found, nil
}

// ListSessions returns sessions most recent first. An empty status lists
// all; limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, status SessionStatus, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: session status %q", ErrInvalidArgument, status)
		}
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, through ON DELETE CASCADE, every
// record it owns. Returns false when the session does not exist.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete_session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if deleted {
		s.db.log.Info("session deleted", zap.String("session", id))
	}
	return deleted, nil
}
