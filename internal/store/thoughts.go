package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/internal/metrics"
)

const nodeColumns = `id, session_id, parent_id, node_type, content, quality_score, depth, status,
	summary, compression_ratio, metadata, version, created_at, updated_at`

// maxBatchVars bounds the number of bound parameters in one IN (...) list.
const maxBatchVars = 500

// =============================================================================
// Nodes
// =============================================================================

// CreateNode inserts a thought node. It returns false, nil when the id
// already exists so a worker may retry. A non-root node needs an active
// parent in the same session; a parent that has gone (pruned or deleted by
// a circuit break) yields ErrStaleWrite.
func (s *Store) CreateNode(ctx context.Context, in NodeInput) (bool, error) {
	if err := checkInput(in); err != nil {
		return false, err
	}
	if in.NodeType == "" {
		in.NodeType = NodeBranch
		if in.ParentID == "" {
			in.NodeType = NodeRoot
		}
	}
	if !in.NodeType.Valid() {
		return false, fmt.Errorf("%w: node type %q", ErrInvalidArgument, in.NodeType)
	}
	if in.NodeType == NodeRoot && in.ParentID != "" {
		return false, fmt.Errorf("%w: root node %s cannot have a parent", ErrInvalidArgument, in.ID)
	}
	if in.NodeType != NodeRoot && in.ParentID == "" {
		return false, fmt.Errorf("%w: %s node %s needs a parent", ErrInvalidArgument, in.NodeType, in.ID)
	}

	var created bool
	err := s.withTx(ctx, "create_node", func(tx *sql.Tx) error {
		created = false
		if err := requireWritable(ctx, tx, in.SessionID); err != nil {
			return err
		}

		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM got_nodes WHERE id = ?`, in.ID).Scan(&exists)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		depth := in.Depth
		if in.ParentID == "" {
			if depth < 0 {
				depth = 0
			}
			if depth != 0 {
				return fmt.Errorf("%w: root node depth must be 0, got %d", ErrInvalidArgument, depth)
			}
		} else {
			parent, err := getNode(ctx, tx, in.ParentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return fmt.Errorf("%w: parent %s no longer exists", ErrStaleWrite, in.ParentID)
			}
			if parent.SessionID != in.SessionID {
				return fmt.Errorf("%w: parent %s belongs to another session", ErrInvalidArgument, in.ParentID)
			}
			if parent.Status != NodeActive {
				return fmt.Errorf("%w: parent %s is %s", ErrStaleWrite, in.ParentID, parent.Status)
			}
			if depth < 0 {
				depth = parent.Depth + 1
			}
			if depth != parent.Depth+1 {
				return fmt.Errorf("%w: depth %d, parent depth %d", ErrInvalidArgument, depth, parent.Depth)
			}
		}

		now := s.db.now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO got_nodes (id, session_id, parent_id, node_type, content, quality_score,
				depth, status, metadata, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			in.ID, in.SessionID, nullString(in.ParentID), in.NodeType, in.Content, in.QualityScore,
			depth, NodeActive, in.Meta, now, now)
		created = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("create node: %w", err)
	}
	return created, nil
}

// GetNode returns nil, nil when the node does not exist.
func (s *Store) GetNode(ctx context.Context, id string) (*ThoughtNode, error) {
	n, err := getNode(ctx, s.conn, id)
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func getNode(ctx context.Context, q querier, id string) (*ThoughtNode, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM got_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func scanNode(r rowScanner) (*ThoughtNode, error) {
	var (
		n               ThoughtNode
		parent, summary sql.NullString
		ratio           sql.NullFloat64
	)
	if err := r.Scan(&n.ID, &n.SessionID, &parent, &n.NodeType, &n.Content, &n.QualityScore, &n.Depth,
		&n.Status, &summary, &ratio, &n.Meta, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.ParentID = parent.String
	n.Summary = summary.String
	n.CompressionRatio = floatPtr(ratio)
	return &n, nil
}

// UpdateNode applies u to a node and bumps its version. It returns false
// when the node does not exist and ErrStaleWrite when a guard in u no
// longer holds.
func (s *Store) UpdateNode(ctx context.Context, id string, u NodeUpdate) (bool, error) {
	if u.QualityScore != nil && (*u.QualityScore < 0 || *u.QualityScore > MaxScore) {
		return false, fmt.Errorf("%w: quality score %v out of range", ErrInvalidArgument, *u.QualityScore)
	}
	if u.Status != nil && !u.Status.Valid() {
		return false, fmt.Errorf("%w: node status %q", ErrInvalidArgument, *u.Status)
	}

	var found bool
	err := s.withTx(ctx, "update_node", func(tx *sql.Tx) error {
		found = false
		n, err := getNode(ctx, tx, id)
		if err != nil || n == nil {
			return err
		}
		found = true
		if err := requireWritable(ctx, tx, n.SessionID); err != nil {
			return err
		}
		if u.ExpectVersion != nil && *u.ExpectVersion != n.Version {
			return fmt.Errorf("%w: node %s is at version %d, expected %d", ErrStaleWrite, id, n.Version, *u.ExpectVersion)
		}
		if u.RequireActive && n.Status != NodeActive {
			return fmt.Errorf("%w: node %s is %s", ErrStaleWrite, id, n.Status)
		}

		sets := []string{"version = version + 1", "updated_at = ?"}
		args := []any{s.db.now()}
		add := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if u.Content != nil {
			add("content", *u.Content)
		}
		if u.QualityScore != nil {
			add("quality_score", *u.QualityScore)
		}
		if u.Status != nil {
			add("status", *u.Status)
		}
		if u.Summary != nil {
			add("summary", nullString(*u.Summary))
		}
		if u.CompressionRatio != nil {
			add("compression_ratio", *u.CompressionRatio)
		}
		if u.Metadata != nil {
			add("metadata", n.Meta.Merge(u.Metadata))
		}
		args = append(args, id, n.Version)
		res, err := tx.ExecContext(ctx,
			`UPDATE got_nodes SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`, args...)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: node %s changed concurrently", ErrStaleWrite, id)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update node: %w", err)
	}
	return found, nil
}

// GetChildren returns a node's children in creation order.
func (s *Store) GetChildren(ctx context.Context, parentID string, includePruned bool) ([]*ThoughtNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM got_nodes WHERE parent_id = ?`
	if !includePruned {
		query += ` AND status != 'pruned'`
	}
	query += ` ORDER BY created_at, rowid`
	return s.queryNodes(ctx, query, parentID)
}

// ListNodes returns a session's nodes in creation order. An empty status
// lists all, pruned included.
func (s *Store) ListNodes(ctx context.Context, sessionID string, status NodeStatus) ([]*ThoughtNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM got_nodes WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: node status %q", ErrInvalidArgument, status)
		}
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`
	return s.queryNodes(ctx, query, args...)
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]*ThoughtNode, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*ThoughtNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// Pruning and circuit breaking
// =============================================================================

// KeepBestN keeps the n highest-scoring active nodes in scope and marks the
// rest pruned. Ties go to the earlier node. The scope is the whole session,
// or the children of parentID when it is set. Selection and update are one
// statement, so a node inserted concurrently is either ranked or untouched.
func (s *Store) KeepBestN(ctx context.Context, sessionID string, n int, parentID string) (*PruneResult, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: n must be >= 0, got %d", ErrInvalidArgument, n)
	}

	scope := `session_id = ? AND status = 'active'`
	scopeArgs := []any{sessionID}
	if parentID != "" {
		scope += ` AND parent_id = ?`
		scopeArgs = append(scopeArgs, parentID)
	}
	ranked := `SELECT id FROM got_nodes WHERE ` + scope +
		` ORDER BY quality_score DESC, created_at, rowid LIMIT ?`

	var result *PruneResult
	err := s.withTx(ctx, "keep_best_n", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}

		args := []any{NodePruned, s.db.now()}
		args = append(args, scopeArgs...)
		args = append(args, scopeArgs...)
		args = append(args, n)
		res, err := tx.ExecContext(ctx, `
			UPDATE got_nodes SET status = ?, version = version + 1, updated_at = ?
			WHERE `+scope+` AND id NOT IN (`+ranked+`)`, args...)
		if err != nil {
			return err
		}
		pruned, err := res.RowsAffected()
		if err != nil {
			return err
		}

		kept, err := collectStrings(ctx, tx, `SELECT id FROM got_nodes WHERE `+scope+
			` ORDER BY quality_score DESC, created_at, rowid`, scopeArgs...)
		if err != nil {
			return err
		}

		result = &PruneResult{SessionID: sessionID, ParentID: parentID, Kept: kept, Pruned: int(pruned)}
		_, err = logOperation(ctx, tx, s.db.now(), sessionID, OpKeepBestN, kept,
			Metadata{"n": n, "parent_id": parentID},
			Metadata{"kept": len(kept), "pruned": pruned})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("keep best n: %w", err)
	}

	metrics.NodesPruned.Add(float64(result.Pruned))
	if result.Pruned > 0 {
		s.db.log.Info("nodes pruned",
			zap.String("session", sessionID), zap.String("parent", parentID),
			zap.Int("kept", len(result.Kept)), zap.Int("pruned", result.Pruned))
	}
	return result, nil
}

// CheckCircuitBreak inspects the newest consecutive non-pruned children of a
// node. It signals a break only when there are at least consecutive of them
// and every one scores below threshold.
func (s *Store) CheckCircuitBreak(ctx context.Context, nodeID string, consecutive int, threshold float64) (*BreakCheck, error) {
	if consecutive < 1 {
		return nil, fmt.Errorf("%w: consecutive threshold must be >= 1", ErrInvalidArgument)
	}
	node, err := getNode(ctx, s.conn, nodeID)
	if err != nil {
		return nil, fmt.Errorf("check circuit break: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("check circuit break: %w: node %s", ErrNotFound, nodeID)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, quality_score FROM got_nodes
		WHERE parent_id = ? AND status != 'pruned'
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, nodeID, consecutive)
	if err != nil {
		return nil, fmt.Errorf("check circuit break: %w", err)
	}
	defer rows.Close()

	check := &BreakCheck{NodeID: nodeID, Consecutive: consecutive, Threshold: threshold}
	var sum float64
	allLow := true
	for rows.Next() {
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		check.NodeIDs = append(check.NodeIDs, id)
		sum += score
		if score >= threshold {
			allLow = false
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("check circuit break: %w", err)
	}

	if len(check.NodeIDs) > 0 {
		check.MeanScore = sum / float64(len(check.NodeIDs))
	}
	switch {
	case len(check.NodeIDs) < consecutive:
		check.Reason = BreakInsufficientData
	case allLow:
		check.ShouldBreak = true
		check.Reason = BreakLowScores
	default:
		check.Reason = BreakHealthy
	}
	return check, nil
}

// ExecuteCircuitBreak marks a node circuit_broken, records why in its
// metadata and deletes every descendant. This cannot be undone.
func (s *Store) ExecuteCircuitBreak(ctx context.Context, nodeID, reason string) (*BreakResult, error) {
	var result *BreakResult
	err := s.withTx(ctx, "circuit_break", func(tx *sql.Tx) error {
		node, err := getNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
		}
		if err := requireWritable(ctx, tx, node.SessionID); err != nil {
			return err
		}

		now := s.db.now()
		meta := node.Meta
		meta.CircuitBroken = true
		meta.CircuitBreakReason = reason
		meta.CircuitBrokenAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE got_nodes SET status = ?, metadata = ?, version = version + 1, updated_at = ?
			WHERE id = ?`, NodeCircuitBroken, meta, now, nodeID); err != nil {
			return err
		}

		desc, err := descendants(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		ids := make([]string, len(desc))
		for i, d := range desc {
			ids[i] = d.id
		}
		if err := deleteNodes(ctx, tx, ids); err != nil {
			return err
		}

		result = &BreakResult{NodeID: nodeID, Reason: reason, DeletedIDs: ids, BrokenAt: now}
		_, err = logOperation(ctx, tx, now, node.SessionID, OpCircuitBreak, []string{nodeID},
			Metadata{"reason": reason},
			Metadata{"deleted": len(ids)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("execute circuit break: %w", err)
	}

	metrics.CircuitBreaks.Inc()
	metrics.NodesDeleted.Add(float64(len(result.DeletedIDs)))
	s.db.log.Info("branch circuit broken",
		zap.String("node", nodeID), zap.String("reason", reason), zap.Int("deleted", len(result.DeletedIDs)))
	return result, nil
}

func deleteNodes(ctx context.Context, tx *sql.Tx, ids []string) error {
	for start := 0; start < len(ids); start += maxBatchVars {
		batch := ids[start:min(start+maxBatchVars, len(ids))]
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM got_nodes WHERE id IN (`+placeholders(len(batch))+`)`, anySlice(batch)...); err != nil {
			return fmt.Errorf("delete descendants: %w", err)
		}
	}
	return nil
}

// ExtendBranchBudget adds to a node's depth and token allowance. The
// budget lives in node metadata.
func (s *Store) ExtendBranchBudget(ctx context.Context, nodeID string, depthDelta, tokenDelta int, reason string) (*Budget, error) {
	if depthDelta < 0 || tokenDelta < 0 || depthDelta+tokenDelta == 0 {
		return nil, fmt.Errorf("%w: budget deltas must be non-negative and not both zero", ErrInvalidArgument)
	}

	var budget *Budget
	err := s.withTx(ctx, "extend_budget", func(tx *sql.Tx) error {
		node, err := getNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
		}
		if err := requireWritable(ctx, tx, node.SessionID); err != nil {
			return err
		}
		if node.Status == NodePruned || node.Status == NodeCircuitBroken {
			return fmt.Errorf("%w: node %s is %s", ErrStaleWrite, nodeID, node.Status)
		}

		meta := node.Meta
		meta.DepthBudget += depthDelta
		meta.TokenBudget += tokenDelta
		meta.BudgetExtensions++
		now := s.db.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE got_nodes SET metadata = ?, version = version + 1, updated_at = ?
			WHERE id = ?`, meta, now, nodeID); err != nil {
			return err
		}

		budget = &Budget{
			NodeID:      nodeID,
			DepthBudget: meta.DepthBudget,
			TokenBudget: meta.TokenBudget,
			Extensions:  meta.BudgetExtensions,
		}
		_, err = logOperation(ctx, tx, now, node.SessionID, OpExtendBudget, []string{nodeID},
			Metadata{"depth_delta": depthDelta, "token_delta": tokenDelta, "reason": reason},
			Metadata{"depth_budget": budget.DepthBudget, "token_budget": budget.TokenBudget})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extend branch budget: %w", err)
	}
	return budget, nil
}

// =============================================================================
// Operation log
// =============================================================================

// LogOperation appends an entry to a session's thought graph operation log.
func (s *Store) LogOperation(ctx context.Context, sessionID string, typ OperationType, nodeIDs []string, params, result Metadata) (int64, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: operation type %q", ErrInvalidArgument, typ)
	}
	var id int64
	err := s.withTx(ctx, "log_operation", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		id, err = logOperation(ctx, tx, s.db.now(), sessionID, typ, nodeIDs, params, result)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("log operation: %w", err)
	}
	return id, nil
}

func logOperation(ctx context.Context, q querier, now int64, sessionID string, typ OperationType, nodeIDs []string, params, result Metadata) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO got_operations (session_id, operation_type, node_ids, parameters, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		sessionID, typ, jsonList[string](nodeIDs), params, result, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert operation: %w", err)
	}
	return id, nil
}

// ListOperations returns a session's operation log oldest first. An empty
// type lists all.
func (s *Store) ListOperations(ctx context.Context, sessionID string, typ OperationType) ([]*Operation, error) {
	return listOperations(ctx, s.conn, sessionID, typ)
}

func listOperations(ctx context.Context, q querier, sessionID string, typ OperationType) ([]*Operation, error) {
	query := `SELECT id, session_id, operation_type, node_ids, parameters, result, created_at
		FROM got_operations WHERE session_id = ?`
	args := []any{sessionID}
	if typ != "" {
		query += ` AND operation_type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		var (
			op  Operation
			ids jsonList[string]
		)
		if err := rows.Scan(&op.ID, &op.SessionID, &op.Type, &ids, &op.Parameters, &op.Result, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.NodeIDs = ids
		out = append(out, &op)
	}
	return out, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

type nodeScore struct {
	id     string
	score  float64
	status NodeStatus
}

// descendants walks the subtree below rootID breadth first, one query per
// level, and returns every node found in visit order. Without
// includePruned, pruned nodes and everything under them are skipped.
func descendants(ctx context.Context, q querier, rootID string, includePruned bool) ([]nodeScore, error) {
	var out []nodeScore
	seen := map[string]bool{rootID: true}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		var next []string
		for start := 0; start < len(frontier); start += maxBatchVars {
			batch := frontier[start:min(start+maxBatchVars, len(frontier))]
			query := `SELECT id, quality_score, status FROM got_nodes WHERE parent_id IN (` + placeholders(len(batch)) + `)`
			if !includePruned {
				query += ` AND status != 'pruned'`
			}
			query += ` ORDER BY created_at, rowid`

			rows, err := q.QueryContext(ctx, query, anySlice(batch)...)
			if err != nil {
				return nil, fmt.Errorf("collect descendants: %w", err)
			}
			for rows.Next() {
				var n nodeScore
				if err := rows.Scan(&n.id, &n.score, &n.status); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan descendant: %w", err)
				}
				if seen[n.id] {
					continue
				}
				seen[n.id] = true
				out = append(out, n)
				next = append(next, n.id)
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return nil, fmt.Errorf("collect descendants: %w", err)
			}
		}
		frontier = next
	}
	return out, nil
}

func collectStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
