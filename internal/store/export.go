package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatistics summarizes every component of one session. It returns
// ErrNotFound when the session does not exist.
func (s *Store) SessionStatistics(ctx context.Context, sessionID string) (*SessionStats, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session statistics: %w: session %s", ErrNotFound, sessionID)
	}

	st := &SessionStats{
		Session:    sess,
		Nodes:      make(map[NodeStatus]int),
		Operations: make(map[OperationType]int),
	}
	if st.Agents, err = agentStatistics(ctx, s.conn, sessionID); err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}
	if st.Citations, err = citationStatistics(ctx, s.conn, sessionID); err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM got_nodes WHERE session_id = ? GROUP BY status`,
		sessionID, func(k string, n int) { st.Nodes[NodeStatus(k)] = n }); err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}
	if err := s.countBy(ctx, `SELECT operation_type, COUNT(*) FROM got_operations WHERE session_id = ? GROUP BY operation_type`,
		sessionID, func(k string, n int) { st.Operations[OperationType(k)] = n }); err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}

	err = s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM facts WHERE session_id = ?1),
			(SELECT COUNT(*) FROM entities WHERE session_id = ?1),
			(SELECT COUNT(*) FROM entity_edges WHERE session_id = ?1),
			(SELECT COUNT(*) FROM fact_conflicts WHERE session_id = ?1 AND resolved_at IS NULL)`,
		sessionID).Scan(&st.Facts, &st.Entities, &st.Edges, &st.UnresolvedConflicts)
	if err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, query, sessionID string, set func(string, int)) error {
	rows, err := s.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}

// SessionExport is a full dump of one session.
type SessionExport struct {
	ExportedAt    time.Time       `json:"exportedAt"`
	Session       *Session        `json:"session"`
	Agents        []*Agent        `json:"agents"`
	Nodes         []*ThoughtNode  `json:"nodes"`
	Operations    []*Operation    `json:"operations"`
	Facts         []*Fact         `json:"facts"`
	Conflicts     []*Conflict     `json:"conflicts"`
	Entities      []*Entity       `json:"entities"`
	Edges         []*Edge         `json:"edges"`
	Cooccurrences []*Cooccurrence `json:"cooccurrences"`
	Citations     []*Citation     `json:"citations"`
	Statistics    *SessionStats   `json:"statistics"`
}

// ExportSession collects everything recorded for a session, including the
// thought graph operation log. It returns ErrNotFound when the session does
// not exist.
func (s *Store) ExportSession(ctx context.Context, sessionID string) (*SessionExport, error) {
	stats, err := s.SessionStatistics(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export session: %w", err)
	}

	out := &SessionExport{
		ExportedAt: s.db.opts.Now().UTC(),
		Session:    stats.Session,
		Statistics: stats,
	}
	steps := []func() error{
		func() (err error) { out.Agents, err = s.ListAgents(ctx, sessionID, ""); return },
		func() (err error) { out.Nodes, err = s.ListNodes(ctx, sessionID, ""); return },
		func() (err error) { out.Operations, err = s.ListOperations(ctx, sessionID, ""); return },
		func() (err error) {
			out.Facts, err = s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts
				WHERE session_id = ? ORDER BY created_at, id`, sessionID)
			return
		},
		func() (err error) { out.Conflicts, err = s.ListConflicts(ctx, sessionID, nil); return },
		func() (err error) { out.Entities, err = s.ListEntities(ctx, sessionID); return },
		func() (err error) { out.Edges, err = s.ListEdges(ctx, sessionID); return },
		func() (err error) { out.Cooccurrences, err = s.Cooccurrences(ctx, sessionID, 1); return },
		func() (err error) { out.Citations, err = s.ListCitations(ctx, sessionID); return },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("export session: %w", err)
		}
	}
	return out, nil
}

// ExportSessionJSON is ExportSession rendered as indented JSON.
func (s *Store) ExportSessionJSON(ctx context.Context, sessionID string) ([]byte, error) {
	dump, err := s.ExportSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(dump, "", "  ")
}
