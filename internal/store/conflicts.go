package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/internal/metrics"
	"github.com/kittclouds/researchstate/pkg/factvalue"
)

// Severity thresholds on the relative spread of a numeric group.
const (
	criticalSpread = 0.20
	moderateSpread = 0.05
)

const conflictColumns = `id, session_id, entity, attribute, conflict_type, severity, fact_ids,
	fact_values, spread, resolution, resolved_fact_id, resolved_at, detected_at, updated_at`

// groupKey identifies an (entity, attribute) pair, ignoring case and
// surrounding space.
func groupKey(entity, attribute string) string {
	return strings.ToLower(strings.TrimSpace(entity)) + "\x1f" + strings.ToLower(strings.TrimSpace(attribute))
}

// classifyGroup decides the type, severity and numeric spread of a conflict
// group. Severity is (max-min)/max over the numeric values; groups with
// fewer than two numeric values are temporal when all values are dates and
// scope otherwise, both minor.
func classifyGroup(facts []*Fact) (ConflictType, Severity, *float64) {
	var nums []float64
	allDates := true
	for _, f := range facts {
		if f.ValueType.Numeric() && f.ValueNumeric != nil {
			nums = append(nums, *f.ValueNumeric)
		}
		if f.ValueType != factvalue.Date {
			allDates = false
		}
	}

	if len(nums) >= 2 {
		lo, hi := slices.Min(nums), slices.Max(nums)
		scale := math.Max(math.Abs(hi), math.Abs(lo))
		var spread float64
		if scale > 0 {
			spread = (hi - lo) / scale
		}
		sev := SeverityMinor
		switch {
		case spread > criticalSpread:
			sev = SeverityCritical
		case spread > moderateSpread:
			sev = SeverityModerate
		}
		return ConflictNumerical, sev, &spread
	}
	if allDates {
		return ConflictTemporal, SeverityMinor, nil
	}
	return ConflictScope, SeverityMinor, nil
}

// DetectConflicts groups a session's facts by (entity, attribute) and
// records a conflict for every group holding more than one distinct value.
// A group keeps at most one open conflict, which is refreshed in place on
// later runs. A group whose exact fact set was already resolved is skipped.
// It returns the open conflicts touched by this run.
func (s *Store) DetectConflicts(ctx context.Context, sessionID string) ([]*Conflict, error) {
	var found []*Conflict
	err := s.withTx(ctx, "detect_conflicts", func(tx *sql.Tx) error {
		found = nil
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		facts, err := scanFacts(ctx, tx, `SELECT `+factColumns+` FROM facts WHERE session_id = ? ORDER BY created_at, id`, sessionID)
		if err != nil {
			return fmt.Errorf("load facts: %w", err)
		}

		groups := make(map[string][]*Fact)
		var order []string
		for _, f := range facts {
			k := groupKey(f.Entity, f.Attribute)
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], f)
		}

		now := s.db.now()
		for _, k := range order {
			group := groups[k]
			var values []string
			for _, f := range group {
				v := strings.TrimSpace(f.Value)
				if !slices.Contains(values, v) {
					values = append(values, v)
				}
			}
			if len(values) < 2 {
				continue
			}

			c := &Conflict{
				SessionID:  sessionID,
				Entity:     group[0].Entity,
				Attribute:  group[0].Attribute,
				Values:     values,
				DetectedAt: now,
				UpdatedAt:  now,
			}
			for _, f := range group {
				c.FactIDs = append(c.FactIDs, f.ID)
			}
			c.Type, c.Severity, c.Spread = classifyGroup(group)

			done, err := resolvedBefore(ctx, tx, sessionID, k, c.FactIDs)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := upsertConflict(ctx, tx, k, c); err != nil {
				return err
			}
			found = append(found, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("detect conflicts: %w", err)
	}

	for _, c := range found {
		metrics.ConflictsDetected.WithLabelValues(string(c.Severity)).Inc()
	}
	if len(found) > 0 {
		s.db.log.Info("fact conflicts detected", zap.String("session", sessionID), zap.Int("open", len(found)))
	}
	return found, nil
}

func resolvedBefore(ctx context.Context, q querier, sessionID, key string, factIDs []int64) (bool, error) {
	prior, err := collectStrings(ctx, q, `
		SELECT fact_ids FROM fact_conflicts
		WHERE session_id = ? AND group_key = ? AND resolved_at IS NOT NULL`, sessionID, key)
	if err != nil {
		return false, fmt.Errorf("load resolved conflicts: %w", err)
	}
	want, err := json.Marshal(factIDs)
	if err != nil {
		return false, err
	}
	for _, p := range prior {
		if p == string(want) {
			return true, nil
		}
	}
	return false, nil
}

// upsertConflict refreshes the group's open conflict or inserts a new one,
// filling c.ID and c.DetectedAt.
func upsertConflict(ctx context.Context, tx *sql.Tx, key string, c *Conflict) error {
	var detected int64
	err := tx.QueryRowContext(ctx, `
		SELECT id, detected_at FROM fact_conflicts
		WHERE session_id = ? AND group_key = ? AND resolved_at IS NULL`,
		c.SessionID, key).Scan(&c.ID, &detected)
	switch {
	case err == nil:
		c.DetectedAt = detected
		_, err = tx.ExecContext(ctx, `
			UPDATE fact_conflicts
			SET conflict_type = ?, severity = ?, fact_ids = ?, fact_values = ?, spread = ?, updated_at = ?
			WHERE id = ?`,
			c.Type, c.Severity, jsonList[int64](c.FactIDs), jsonList[string](c.Values), nullFloat(c.Spread),
			c.UpdatedAt, c.ID)
		if err != nil {
			return fmt.Errorf("update conflict: %w", err)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO fact_conflicts (session_id, group_key, entity, attribute, conflict_type, severity,
				fact_ids, fact_values, spread, detected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			c.SessionID, key, c.Entity, c.Attribute, c.Type, c.Severity,
			jsonList[int64](c.FactIDs), jsonList[string](c.Values), nullFloat(c.Spread),
			c.DetectedAt, c.UpdatedAt).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("load open conflict: %w", err)
	}
}

// ResolveConflict records a resolution note. Resolution is accepted even
// after the session has closed. Returns false when the conflict does not
// exist.
func (s *Store) ResolveConflict(ctx context.Context, id int64, note string) (bool, error) {
	ok, err := resolveConflict(ctx, s.conn, s.db.now(), id, note, nil)
	if err != nil {
		return false, fmt.Errorf("resolve conflict: %w", err)
	}
	if ok {
		metrics.ConflictsResolved.WithLabelValues(string(PolicyManual)).Inc()
	}
	return ok, nil
}

func resolveConflict(ctx context.Context, q querier, now, id int64, note string, factID *int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE fact_conflicts
		SET resolution = ?, resolved_fact_id = COALESCE(?, resolved_fact_id),
			resolved_at = COALESCE(resolved_at, ?), updated_at = ?
		WHERE id = ?`,
		note, nullInt64(factID), now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetConflict returns nil, nil when the conflict does not exist.
func (s *Store) GetConflict(ctx context.Context, id int64) (*Conflict, error) {
	out, err := listConflicts(ctx, s.conn, `WHERE id = ?`, id)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// ListConflicts returns a session's conflicts, most severe first. A nil
// resolved lists both open and resolved conflicts.
func (s *Store) ListConflicts(ctx context.Context, sessionID string, resolved *bool) ([]*Conflict, error) {
	where := `WHERE session_id = ?`
	if resolved != nil {
		if *resolved {
			where += ` AND resolved_at IS NOT NULL`
		} else {
			where += ` AND resolved_at IS NULL`
		}
	}
	out, err := listConflicts(ctx, s.conn, where, sessionID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *Conflict) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
	return out, nil
}

func listConflicts(ctx context.Context, q querier, where string, args ...any) ([]*Conflict, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+conflictColumns+` FROM fact_conflicts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		var (
			c                    Conflict
			ids                  jsonList[int64]
			values               jsonList[string]
			spread               sql.NullFloat64
			resolution           sql.NullString
			resolvedFact, doneAt sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Entity, &c.Attribute, &c.Type, &c.Severity, &ids,
			&values, &spread, &resolution, &resolvedFact, &doneAt, &c.DetectedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.FactIDs = ids
		c.Values = values
		c.Spread = floatPtr(spread)
		c.Resolution = resolution.String
		c.ResolvedFactID = int64Ptr(resolvedFact)
		c.ResolvedAt = int64Ptr(doneAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// =============================================================================
// Automatic resolution
// =============================================================================

// candidate is a conflicting fact with the attributes policies rank on.
type candidate struct {
	id         int64
	value      string
	confidence Confidence
	bestSource QualityGrade
	createdAt  int64
}

func (p ConflictPolicy) score(c candidate) int64 {
	switch p {
	case PolicyHighestConfidence:
		return int64(c.confidence.Rank())
	case PolicyBestSource:
		return int64(c.bestSource.Rank())
	case PolicyMostRecent:
		return c.createdAt
	case PolicyManual:
		return 0
	}
	return 0
}

// pick returns the single best candidate under p, or false on a tie for
// first place.
func (p ConflictPolicy) pick(cands []candidate) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best, tie := cands[0], false
	for _, c := range cands[1:] {
		switch sc, sb := p.score(c), p.score(best); {
		case sc > sb:
			best, tie = c, false
		case sc == sb:
			tie = true
		}
	}
	return best, !tie
}

// ApplyConflictPolicy resolves a session's open conflicts under policy and
// returns how many it resolved. PolicyManual resolves nothing. A conflict
// whose top candidates tie under the policy stays open.
func (s *Store) ApplyConflictPolicy(ctx context.Context, sessionID string, policy ConflictPolicy) (int, error) {
	if !policy.Valid() {
		return 0, fmt.Errorf("%w: conflict policy %q", ErrInvalidArgument, policy)
	}
	if policy == PolicyManual {
		return 0, nil
	}

	var resolved int
	err := s.withTx(ctx, "apply_conflict_policy", func(tx *sql.Tx) error {
		resolved = 0
		open, err := listConflicts(ctx, tx, `WHERE session_id = ? AND resolved_at IS NULL`, sessionID)
		if err != nil {
			return err
		}
		now := s.db.now()
		for _, c := range open {
			cands, err := loadCandidates(ctx, tx, c.FactIDs)
			if err != nil {
				return err
			}
			winner, ok := policy.pick(cands)
			if !ok {
				continue
			}
			note := fmt.Sprintf("auto-resolved by %s policy at %s: kept fact %d (%s)",
				policy, time.UnixMilli(now).UTC().Format(time.RFC3339), winner.id, winner.value)
			if _, err := resolveConflict(ctx, tx, now, c.ID, note, &winner.id); err != nil {
				return err
			}
			resolved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply conflict policy: %w", err)
	}
	if resolved > 0 {
		metrics.ConflictsResolved.WithLabelValues(string(policy)).Add(float64(resolved))
		s.db.log.Info("conflicts auto-resolved",
			zap.String("session", sessionID), zap.String("policy", string(policy)), zap.Int("resolved", resolved))
	}
	return resolved, nil
}

func loadCandidates(ctx context.Context, q querier, ids []int64) ([]candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT f.id, f.value, f.confidence, f.created_at,
			(SELECT MIN(quality) FROM fact_sources s
			 WHERE s.fact_id = f.id AND quality IN ('A', 'B', 'C', 'D', 'E'))
		FROM facts f WHERE f.id IN (`+placeholders(len(ids))+`)
		ORDER BY f.id`, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c       candidate
			quality sql.NullString
		)
		if err := rows.Scan(&c.id, &c.value, &c.confidence, &c.createdAt, &quality); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.bestSource = QualityGrade(quality.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// Statistics
// =============================================================================

// StatisticsTable summarizes a session's facts: counts per confidence level,
// open conflicts, and one row per non-text fact with its best source.
func (s *Store) StatisticsTable(ctx context.Context, sessionID string) (*StatisticsTable, error) {
	table := &StatisticsTable{SessionID: sessionID, Rows: []StatRow{}}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT confidence, COUNT(*) FROM facts WHERE session_id = ? GROUP BY confidence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("statistics table: %w", err)
	}
	for rows.Next() {
		var (
			c Confidence
			n int
		)
		if err := rows.Scan(&c, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan confidence counts: %w", err)
		}
		table.Total += n
		switch c {
		case ConfidenceHigh:
			table.HighConfidence = n
		case ConfidenceMedium:
			table.MediumConfidence = n
		case ConfidenceLow:
			table.LowConfidence = n
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("statistics table: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fact_conflicts WHERE session_id = ? AND resolved_at IS NULL`,
		sessionID).Scan(&table.UnresolvedConflicts); err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}

	facts, err := s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts
		WHERE session_id = ? AND value_type != ?
		ORDER BY entity COLLATE NOCASE, attribute COLLATE NOCASE, id`, sessionID, factvalue.Text)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		row := StatRow{Entity: f.Entity, Attribute: f.Attribute, Value: f.Value}
		if src, ok := bestSource(f.Sources); ok {
			row.Source = src.Title
			if row.Source == "" {
				row.Source = src.URL
			}
			row.Quality = src.Quality
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// bestSource returns the highest-graded source, preferring the earliest on
// ties.
func bestSource(sources []Source) (Source, bool) {
	if len(sources) == 0 {
		return Source{}, false
	}
	best := sources[0]
	for _, src := range sources[1:] {
		if src.Quality.Rank() > best.Quality.Rank() {
			best = src
		}
	}
	return best, true
}

// RenderStatisticsMarkdown renders a statistics table and the given
// conflicts as a Markdown report.
func RenderStatisticsMarkdown(table *StatisticsTable, conflicts []*Conflict, generated time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Key Statistics - %s\n\n", table.SessionID)
	fmt.Fprintf(&b, "*Generated: %s*\n\n", generated.UTC().Format(time.RFC3339))
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Total Facts**: %d\n", table.Total)
	fmt.Fprintf(&b, "- **High Confidence**: %d\n", table.HighConfidence)
	fmt.Fprintf(&b, "- **Medium Confidence**: %d\n", table.MediumConfidence)
	fmt.Fprintf(&b, "- **Low Confidence**: %d\n", table.LowConfidence)
	fmt.Fprintf(&b, "- **Unresolved Conflicts**: %d\n\n", table.UnresolvedConflicts)

	b.WriteString("## Key Statistics Table\n\n")
	b.WriteString("| Entity | Attribute | Value | Source | Quality |\n")
	b.WriteString("|--------|-----------|-------|--------|---------|\n")
	for _, r := range table.Rows {
		quality := string(r.Quality)
		if quality == "" {
			quality = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			mdCell(r.Entity), mdCell(r.Attribute), mdCell(r.Value), mdCell(r.Source), quality)
	}

	if len(conflicts) > 0 {
		b.WriteString("\n## Data Conflicts\n\n")
		b.WriteString("| Entity | Attribute | Values | Severity |\n")
		b.WriteString("|--------|-----------|--------|----------|\n")
		for _, c := range conflicts {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				mdCell(c.Entity), mdCell(c.Attribute), mdCell(strings.Join(c.Values, ", ")), c.Severity)
		}
	}

	fmt.Fprintf(&b, "\n---\n*Auto-generated from fact ledger. %d high-confidence facts, %d conflicts detected.*\n",
		table.HighConfidence, table.UnresolvedConflicts)
	return b.String()
}

// mdCell escapes a value for a Markdown table cell.
func mdCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
