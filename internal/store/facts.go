package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kittclouds/researchstate/pkg/factvalue"
)

const factColumns = `id, session_id, agent_id, entity, attribute, value, value_type, value_numeric,
	unit, confidence, context, created_at`

// CreateFact records a fact and its sources. The value is classified by
// factvalue.Parse; ValueType, ValueNumeric and Unit in the input take
// precedence over the parsed values.
func (s *Store) CreateFact(ctx context.Context, in FactInput) (int64, error) {
	if err := prepareFact(&in); err != nil {
		return 0, err
	}

	var id int64
	err := s.withTx(ctx, "create_fact", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, in.SessionID); err != nil {
			return err
		}
		var err error
		id, err = insertFact(ctx, tx, s.db.now(), in)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create fact: %w", err)
	}
	return id, nil
}

// prepareFact validates in and fills defaults and parsed value fields.
func prepareFact(in *FactInput) error {
	in.Entity = strings.TrimSpace(in.Entity)
	in.Attribute = strings.TrimSpace(in.Attribute)
	if in.Confidence == "" {
		in.Confidence = ConfidenceMedium
	} else if c, err := ParseConfidence(string(in.Confidence)); err == nil {
		in.Confidence = c
	}
	if err := checkInput(in); err != nil {
		return err
	}
	if in.ValueType != "" && !in.ValueType.Valid() {
		return fmt.Errorf("%w: value type %q", ErrInvalidArgument, in.ValueType)
	}

	parsed := factvalue.Parse(in.Value)
	if in.ValueType == "" {
		in.ValueType = parsed.Type
	}
	if in.ValueNumeric == nil {
		in.ValueNumeric = parsed.Numeric
	}
	if in.Unit == "" {
		in.Unit = parsed.Unit
	}
	return nil
}

func insertFact(ctx context.Context, tx *sql.Tx, now int64, in FactInput) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO facts (session_id, agent_id, entity, attribute, value, value_type, value_numeric,
			unit, confidence, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		in.SessionID, nullString(in.AgentID), in.Entity, in.Attribute, in.Value, in.ValueType,
		nullFloat(in.ValueNumeric), nullString(in.Unit), in.Confidence, nullString(in.Context), now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	for _, src := range in.Sources {
		if _, err := insertSource(ctx, tx, now, id, src); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func insertSource(ctx context.Context, tx *sql.Tx, now, factID int64, src Source) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fact_sources (fact_id, url, title, author, source_date, quality, page, excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fact_id, url) DO NOTHING`,
		factID, src.URL, nullString(src.Title), nullString(src.Author), nullString(src.Date),
		nullString(string(src.Quality)), nullString(src.Page), nullString(src.Excerpt), now)
	if err != nil {
		return false, fmt.Errorf("insert source: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddSource attaches a provenance record to a fact. It returns false when
// the fact already cites src.URL.
func (s *Store) AddSource(ctx context.Context, factID int64, src Source) (bool, error) {
	if err := checkInput(src); err != nil {
		return false, err
	}

	var added bool
	err := s.withTx(ctx, "add_source", func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM facts WHERE id = ?`, factID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: fact %d", ErrNotFound, factID)
		}
		if err != nil {
			return err
		}
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		added, err = insertSource(ctx, tx, s.db.now(), factID, src)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add source: %w", err)
	}
	return added, nil
}

// GetFact returns nil, nil when the fact does not exist.
func (s *Store) GetFact(ctx context.Context, id int64) (*Fact, error) {
	facts, err := s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	if err != nil || len(facts) == 0 {
		return nil, err
	}
	return facts[0], nil
}

// QueryFacts filters a session's facts. Entity and attribute match as
// case-insensitive substrings; results are oldest first and capped at
// q.Limit (DefaultFactLimit when unset).
func (s *Store) QueryFacts(ctx context.Context, q FactQuery) ([]*Fact, error) {
	if q.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}

	where := []string{"session_id = ?"}
	args := []any{q.SessionID}
	if q.Entity != "" {
		where = append(where, "entity LIKE ? ESCAPE '\\'")
		args = append(args, likePattern(q.Entity))
	}
	if q.Attribute != "" {
		where = append(where, "attribute LIKE ? ESCAPE '\\'")
		args = append(args, likePattern(q.Attribute))
	}
	if q.MinConfidence != "" {
		floor, err := ParseConfidence(string(q.MinConfidence))
		if err != nil {
			return nil, err
		}
		var levels []any
		for _, c := range []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow} {
			if c.Rank() >= floor.Rank() {
				levels = append(levels, c)
			}
		}
		where = append(where, "confidence IN ("+placeholders(len(levels))+")")
		args = append(args, levels...)
	}
	if q.ValueType != "" {
		if !q.ValueType.Valid() {
			return nil, fmt.Errorf("%w: value type %q", ErrInvalidArgument, q.ValueType)
		}
		where = append(where, "value_type = ?")
		args = append(args, q.ValueType)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultFactLimit
	}
	args = append(args, limit)

	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at, id LIMIT ?`, args...)
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// queryFacts runs query and attaches each fact's sources.
func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]*Fact, error) {
	facts, err := scanFacts(ctx, s.conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	if err := attachSources(ctx, s.conn, facts); err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	return facts, nil
}

func scanFacts(ctx context.Context, q querier, query string, args ...any) ([]*Fact, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		var (
			f                    Fact
			agent, unit, factCtx sql.NullString
			numeric              sql.NullFloat64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &agent, &f.Entity, &f.Attribute, &f.Value, &f.ValueType,
			&numeric, &unit, &f.Confidence, &factCtx, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.AgentID = agent.String
		f.ValueNumeric = floatPtr(numeric)
		f.Unit = unit.String
		f.Context = factCtx.String
		out = append(out, &f)
	}
	return out, rows.Err()
}

func attachSources(ctx context.Context, q querier, facts []*Fact) error {
	if len(facts) == 0 {
		return nil
	}
	byID := make(map[int64]*Fact, len(facts))
	ids := make([]int64, 0, len(facts))
	for _, f := range facts {
		byID[f.ID] = f
		ids = append(ids, f.ID)
	}

	for start := 0; start < len(ids); start += maxBatchVars {
		batch := ids[start:min(start+maxBatchVars, len(ids))]
		rows, err := q.QueryContext(ctx, `
			SELECT id, fact_id, url, title, author, source_date, quality, page, excerpt
			FROM fact_sources WHERE fact_id IN (`+placeholders(len(batch))+`)
			ORDER BY id`, anySlice(batch)...)
		if err != nil {
			return fmt.Errorf("load sources: %w", err)
		}
		for rows.Next() {
			var (
				src                                         Source
				title, author, date, quality, page, excerpt sql.NullString
			)
			if err := rows.Scan(&src.ID, &src.FactID, &src.URL, &title, &author, &date, &quality, &page, &excerpt); err != nil {
				rows.Close()
				return fmt.Errorf("scan source: %w", err)
			}
			src.Title = title.String
			src.Author = author.String
			src.Date = date.String
			src.Quality = QualityGrade(quality.String)
			src.Page = page.String
			src.Excerpt = excerpt.String
			f := byID[src.FactID]
			f.Sources = append(f.Sources, src)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("load sources: %w", err)
		}
	}
	return nil
}

// ImportFacts records each input independently. Items that fail validation
// or insertion are reported in the result; the rest are committed.
func (s *Store) ImportFacts(ctx context.Context, sessionID string, items []FactInput) (*BatchResult, error) {
	result := &BatchResult{Total: len(items), Errors: []ItemError{}}
	for i, in := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		in.SessionID = sessionID
		if _, err := s.CreateFact(ctx, in); err != nil {
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotFound) {
				return result, err
			}
			result.fail(i, "fact", err)
			continue
		}
		result.Created++
	}
	return result, nil
}
