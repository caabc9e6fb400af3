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

const agentColumns = `id, session_id, agent_type, role, status, focus, search_queries, output_file,
	token_usage, error_message, metadata, created_at, updated_at, completed_at, last_heartbeat`

// RegisterAgent inserts a with status DEPLOYING. Registering an id that
// already exists returns false, nil so a worker may retry registration.
func (s *Store) RegisterAgent(ctx context.Context, a *Agent) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := checkInput(a); err != nil {
		return false, err
	}

	var created bool
	err := s.withTx(ctx, "register_agent", func(tx *sql.Tx) error {
		created = false
		if err := requireWritable(ctx, tx, a.SessionID); err != nil {
			return err
		}
		now := s.db.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, session_id, agent_type, role, status, focus, search_queries,
				output_file, token_usage, metadata, created_at, updated_at, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			a.ID, a.SessionID, a.AgentType, nullString(a.Role), AgentDeploying, nullString(a.Focus),
			jsonList[string](a.SearchQueries), nullString(a.OutputFile), a.TokenUsage, a.Metadata,
			now, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if n > 0 {
			created = true
			a.Status = AgentDeploying
			a.CreatedAt, a.UpdatedAt, a.LastHeartbeat = now, now, now
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("register agent: %w", err)
	}
	if created {
		s.db.log.Debug("agent registered",
			zap.String("agent", a.ID), zap.String("session", a.SessionID), zap.String("type", a.AgentType))
	}
	return created, nil
}

// GetAgent returns nil, nil when the agent does not exist.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return getAgent(ctx, s.conn, id)
}

func getAgent(ctx context.Context, q querier, id string) (*Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func scanAgent(r rowScanner) (*Agent, error) {
	var (
		a                            Agent
		role, focus, outFile, errMsg sql.NullString
		queries                      jsonList[string]
		completed                    sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.SessionID, &a.AgentType, &role, &a.Status, &focus, &queries, &outFile,
		&a.TokenUsage, &errMsg, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &completed, &a.LastHeartbeat); err != nil {
		return nil, err
	}
	a.Role = role.String
	a.Focus = focus.String
	a.SearchQueries = queries
	a.OutputFile = outFile.String
	a.ErrorMessage = errMsg.String
	a.CompletedAt = int64Ptr(completed)
	return &a, nil
}

// UpdateAgentStatus moves an agent to status. Terminal states set
// completed_at; errMsg is recorded for FAILED and TIMEOUT. Returns false
// when the agent does not exist.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, errMsg string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: agent status %q", ErrInvalidArgument, status)
	}

	var found, changed bool
	err := s.withTx(ctx, "update_agent_status", func(tx *sql.Tx) error {
		found, changed = false, false
		var (
			current   AgentStatus
			sessionID string
		)
		err := tx.QueryRowContext(ctx, `SELECT status, session_id FROM agents WHERE id = ?`, id).Scan(&current, &sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		if !current.CanTransition(status) {
			return fmt.Errorf("%w: agent %s from %s to %s", ErrInvalidTransition, id, current, status)
		}
		if current == status {
			return nil
		}

		now := s.db.now()
		var completed sql.NullInt64
		if status.Terminal() {
			completed = sql.NullInt64{Int64: now, Valid: true}
		}
		var msg sql.NullString
		if status == AgentFailed || status == AgentTimeout {
			msg = nullString(errMsg)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents
			SET status = ?, updated_at = ?, last_heartbeat = ?,
				completed_at = COALESCE(?, completed_at),
				error_message = COALESCE(?, error_message)
			WHERE id = ?`,
			status, now, now, completed, msg, id)
		changed = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update agent status: %w", err)
	}
	if changed {
		s.db.log.Debug("agent status changed", zap.String("agent", id), zap.String("status", string(status)))
	}
	return found, nil
}

// UpdateAgent applies patch. TokenDelta is added atomically and metadata
// keys are merged. Returns false when the agent does not exist.
func (s *Store) UpdateAgent(ctx context.Context, id string, patch AgentPatch) (bool, error) {
	var found bool
	err := s.withTx(ctx, "update_agent", func(tx *sql.Tx) error {
		found = false
		a, err := getAgent(ctx, tx, id)
		if err != nil || a == nil {
			return err
		}
		found = true
		if err := requireWritable(ctx, tx, a.SessionID); err != nil {
			return err
		}

		now := s.db.now()
		sets := []string{"updated_at = ?", "last_heartbeat = ?", "token_usage = token_usage + ?"}
		args := []any{now, now, patch.TokenDelta}
		add := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if patch.Role != nil {
			add("role", nullString(*patch.Role))
		}
		if patch.Focus != nil {
			add("focus", nullString(*patch.Focus))
		}
		if patch.SearchQueries != nil {
			add("search_queries", jsonList[string](patch.SearchQueries))
		}
		if patch.OutputFile != nil {
			add("output_file", nullString(*patch.OutputFile))
		}
		if patch.Metadata != nil {
			add("metadata", a.Metadata.Merge(patch.Metadata))
		}
		args = append(args, id)
		_, err = tx.ExecContext(ctx, `UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update agent: %w", err)
	}
	return found, nil
}

// ListAgents returns a session's agents in registration order. An empty
// status lists all.
func (s *Store) ListAgents(ctx context.Context, sessionID string, status AgentStatus) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: agent status %q", ErrInvalidArgument, status)
		}
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`
	return s.queryAgents(ctx, query, args...)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentStatistics counts a session's agents per status and sums their
// token usage.
func (s *Store) AgentStatistics(ctx context.Context, sessionID string) (*AgentStats, error) {
	return agentStatistics(ctx, s.conn, sessionID)
}

func agentStatistics(ctx context.Context, q querier, sessionID string) (*AgentStats, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(token_usage), 0)
		FROM agents WHERE session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agent statistics: %w", err)
	}
	defer rows.Close()

	stats := &AgentStats{}
	for rows.Next() {
		var (
			status AgentStatus
			count  int
			tokens int64
		)
		if err := rows.Scan(&status, &count, &tokens); err != nil {
			return nil, fmt.Errorf("scan agent statistics: %w", err)
		}
		stats.Total += count
		stats.TokenUsage += tokens
		switch status {
		case AgentDeploying:
			stats.Deploying = count
		case AgentRunning:
			stats.Running = count
		case AgentCompleted:
			stats.Completed = count
		case AgentFailed:
			stats.Failed = count
		case AgentTimeout:
			stats.Timeout = count
		}
	}
	return stats, rows.Err()
}

// Heartbeat records that an agent is alive. Returns false when the agent
// does not exist or is already terminal.
func (s *Store) Heartbeat(ctx context.Context, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?
		WHERE id = ? AND status IN (?, ?)`,
		s.db.now(), id, AgentDeploying, AgentRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StaleAgents lists non-terminal agents in non-terminal sessions whose last
// heartbeat is older than olderThan.
func (s *Store) StaleAgents(ctx context.Context, olderThan time.Duration) ([]*Agent, error) {
	cutoff := s.db.now() - olderThan.Milliseconds()
	return s.queryAgents(ctx, `
		SELECT `+prefixColumns("a", agentColumns)+`
		FROM agents a JOIN sessions s ON s.id = a.session_id
		WHERE a.status IN (?, ?) AND a.last_heartbeat < ?
			AND s.status NOT IN (?, ?)
		ORDER BY a.last_heartbeat`,
		AgentDeploying, AgentRunning, cutoff, SessionCompleted, SessionFailed)
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
