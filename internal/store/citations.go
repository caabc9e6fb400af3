package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const citationColumns = `id, session_id, claim, agent_id, author, citation_date, title, url, pages,
	quality_rating, url_accessible, complete, created_at, updated_at`

// AddCitation records a claim and its source. c.ID and the timestamps are
// filled in on success.
func (s *Store) AddCitation(ctx context.Context, c *Citation) error {
	c.Claim = strings.TrimSpace(c.Claim)
	c.Quality = QualityGrade(strings.ToUpper(string(c.Quality)))
	if err := checkInput(c); err != nil {
		return err
	}

	now := s.db.now()
	err := s.withTx(ctx, "add_citation", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, c.SessionID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO citations (session_id, claim, agent_id, author, citation_date, title, url, pages,
				quality_rating, url_accessible, complete, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			c.SessionID, c.Claim, nullString(c.AgentID), nullString(c.Author), nullString(c.Date),
			nullString(c.Title), nullString(c.URL), nullString(c.Pages), nullString(string(c.Quality)),
			boolInt(c.URLAccessible), boolInt(c.Complete), now, now).Scan(&c.ID)
	})
	if err != nil {
		return fmt.Errorf("add citation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// UpdateCitationValidation stores the outcome of checking a citation. An
// empty quality leaves the current grade. Returns false when the citation
// does not exist.
func (s *Store) UpdateCitationValidation(ctx context.Context, id int64, quality QualityGrade, accessible, complete bool) (bool, error) {
	quality = QualityGrade(strings.ToUpper(strings.TrimSpace(string(quality))))
	if quality != "" && !quality.Valid() {
		return false, fmt.Errorf("%w: quality %q", ErrInvalidArgument, quality)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE citations SET
			quality_rating = COALESCE(?, quality_rating),
			url_accessible = ?,
			complete = ?,
			updated_at = ?
		WHERE id = ?`,
		nullString(string(quality)), boolInt(accessible), boolInt(complete), s.db.now(), id)
	if err != nil {
		return false, fmt.Errorf("update citation: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListCitations returns a session's citations in insertion order.
func (s *Store) ListCitations(ctx context.Context, sessionID string) ([]*Citation, error) {
	out, err := listCitations(ctx, s.conn, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	return out, nil
}

func listCitations(ctx context.Context, q querier, sessionID string) ([]*Citation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+citationColumns+` FROM citations
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Citation
	for rows.Next() {
		var (
			c                                               Citation
			agent, author, date, title, url, pages, quality sql.NullString
			accessible, complete                            int
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Claim, &agent, &author, &date, &title, &url, &pages,
			&quality, &accessible, &complete, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.AgentID = agent.String
		c.Author = author.String
		c.Date = date.String
		c.Title = title.String
		c.URL = url.String
		c.Pages = pages.String
		c.Quality = QualityGrade(quality.String)
		c.URLAccessible = accessible != 0
		c.Complete = complete != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CitationStatistics counts a session's citations by validation state and
// quality grade.
func (s *Store) CitationStatistics(ctx context.Context, sessionID string) (*CitationStats, error) {
	st, err := citationStatistics(ctx, s.conn, sessionID)
	if err != nil {
		return nil, fmt.Errorf("citation statistics: %w", err)
	}
	return st, nil
}

func citationStatistics(ctx context.Context, q querier, sessionID string) (*CitationStats, error) {
	var st CitationStats
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(complete), 0),
			COALESCE(SUM(url_accessible), 0),
			COALESCE(SUM(quality_rating = 'A'), 0),
			COALESCE(SUM(quality_rating = 'B'), 0),
			COALESCE(SUM(quality_rating = 'C'), 0),
			COALESCE(SUM(quality_rating = 'D'), 0),
			COALESCE(SUM(quality_rating = 'E'), 0)
		FROM citations WHERE session_id = ?`, sessionID).Scan(
		&st.Total, &st.Complete, &st.Accessible,
		&st.QualityA, &st.QualityB, &st.QualityC, &st.QualityD, &st.QualityE)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
