package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/pkg/mentions"
)

const entityColumns = `id, session_id, name, entity_type, description, mention_count, metadata,
	created_at, updated_at`

// =============================================================================
// Entities and aliases
// =============================================================================

// CreateEntity resolves in.Name through the alias table and inserts the
// canonical entity, or returns the existing one with its mention count
// bumped. created reports whether a new row was inserted.
func (s *Store) CreateEntity(ctx context.Context, in EntityInput) (id int64, created bool, err error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := checkInput(in); err != nil {
		return 0, false, err
	}

	err = s.withTx(ctx, "create_entity", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, in.SessionID); err != nil {
			return err
		}
		var err error
		id, created, err = upsertEntity(ctx, tx, s.db.now(), in)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("create entity: %w", err)
	}
	return id, created, nil
}

func upsertEntity(ctx context.Context, q querier, now int64, in EntityInput) (int64, bool, error) {
	name, err := resolveAlias(ctx, q, in.Name)
	if err != nil {
		return 0, false, err
	}

	var (
		id    int64
		count int
	)
	err = q.QueryRowContext(ctx, `
		INSERT INTO entities (session_id, name, entity_type, description, mention_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(session_id, name) DO UPDATE SET
			mention_count = entities.mention_count + 1,
			entity_type = COALESCE(entities.entity_type, excluded.entity_type),
			description = COALESCE(entities.description, excluded.description),
			updated_at = excluded.updated_at
		RETURNING id, mention_count`,
		in.SessionID, name, nullString(in.Type), nullString(in.Description), in.Metadata, now, now).Scan(&id, &count)
	if err != nil {
		return 0, false, fmt.Errorf("upsert entity: %w", err)
	}
	return id, count == 1, nil
}

// AddAlias maps alias to canonical for every session. It returns false when
// the alias is already taken or names the canonical entity itself. If
// canonical is itself an alias, the new alias points at its target.
func (s *Store) AddAlias(ctx context.Context, canonical, alias string) (bool, error) {
	canonical, alias = strings.TrimSpace(canonical), strings.TrimSpace(alias)
	if canonical == "" || alias == "" {
		return false, fmt.Errorf("%w: alias and canonical name are required", ErrInvalidArgument)
	}

	var added bool
	err := s.withTx(ctx, "add_alias", func(tx *sql.Tx) error {
		var err error
		added, err = addAlias(ctx, tx, s.db.now(), canonical, alias)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add alias: %w", err)
	}
	if added {
		s.db.log.Debug("alias added", zap.String("alias", alias), zap.String("canonical", canonical))
	}
	return added, nil
}

func addAlias(ctx context.Context, q querier, now int64, canonical, alias string) (bool, error) {
	target, err := resolveAlias(ctx, q, canonical)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(target, alias) {
		return false, nil
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO entity_aliases (alias, canonical, created_at) VALUES (?, ?, ?)
		ON CONFLICT(alias) DO NOTHING`, alias, target, now)
	if err != nil {
		return false, fmt.Errorf("insert alias: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveAlias returns the canonical name for name, or name itself when it
// is not a known alias.
func (s *Store) ResolveAlias(ctx context.Context, name string) (string, error) {
	out, err := resolveAlias(ctx, s.conn, strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("resolve alias: %w", err)
	}
	return out, nil
}

func resolveAlias(ctx context.Context, q querier, name string) (string, error) {
	var canonical string
	err := q.QueryRowContext(ctx, `SELECT canonical FROM entity_aliases WHERE alias = ?`, name).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return name, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup alias: %w", err)
	}
	return canonical, nil
}

// GetEntity returns nil, nil when the entity does not exist.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	e, err := getEntity(ctx, s.conn, `WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// FindEntity looks an entity up by name or alias. It returns nil, nil when
// there is none in the session.
func (s *Store) FindEntity(ctx context.Context, sessionID, name string) (*Entity, error) {
	canonical, err := resolveAlias(ctx, s.conn, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	e, err := getEntity(ctx, s.conn, `WHERE session_id = ? AND name = ?`, sessionID, canonical)
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return e, nil
}

func getEntity(ctx context.Context, q querier, where string, args ...any) (*Entity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Aliases, err = collectStrings(ctx, q, `SELECT alias FROM entity_aliases WHERE canonical = ? ORDER BY alias`, e.Name)
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	return e, nil
}

func scanEntity(r rowScanner) (*Entity, error) {
	var (
		e           Entity
		typ, detail sql.NullString
	)
	if err := r.Scan(&e.ID, &e.SessionID, &e.Name, &typ, &detail, &e.MentionCount, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = typ.String
	e.Description = detail.String
	return &e, nil
}

// ListEntities returns a session's entities ordered by type then name,
// each with its aliases.
func (s *Store) ListEntities(ctx context.Context, sessionID string) ([]*Entity, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE session_id = ?
		ORDER BY COALESCE(entity_type, ''), name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	byName := make(map[string]*Entity)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
		byName[strings.ToLower(e.Name)] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	rows.Close()

	aliases, err := s.conn.QueryContext(ctx, `
		SELECT a.alias, a.canonical FROM entity_aliases a
		JOIN entities e ON e.name = a.canonical
		WHERE e.session_id = ? ORDER BY a.alias`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer aliases.Close()
	for aliases.Next() {
		var alias, canonical string
		if err := aliases.Scan(&alias, &canonical); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		if e := byName[strings.ToLower(canonical)]; e != nil {
			e.Aliases = append(e.Aliases, alias)
		}
	}
	return out, aliases.Err()
}

// =============================================================================
// Edges
// =============================================================================

// CreateEdge records a directed relation between two entities of the same
// session. Recording an existing (source, target, relation) again keeps the
// higher confidence and the latest evidence.
func (s *Store) CreateEdge(ctx context.Context, in EdgeInput) (int64, error) {
	in.RelationType = strings.TrimSpace(in.RelationType)
	if in.RelationType == "" {
		in.RelationType = DefaultRelation
	}
	if err := checkInput(in); err != nil {
		return 0, err
	}

	var id int64
	err := s.withTx(ctx, "create_edge", func(tx *sql.Tx) error {
		if err := requireWritable(ctx, tx, in.SessionID); err != nil {
			return err
		}
		var err error
		id, err = upsertEdge(ctx, tx, s.db.now(), in)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create edge: %w", err)
	}
	return id, nil
}

func upsertEdge(ctx context.Context, q querier, now int64, in EdgeInput) (int64, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities WHERE session_id = ? AND id IN (?, ?)`,
		in.SessionID, in.SourceID, in.TargetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("check edge endpoints: %w", err)
	}
	if n != 2 {
		return 0, fmt.Errorf("%w: entities %d and %d must both exist in session %s",
			ErrNotFound, in.SourceID, in.TargetID, in.SessionID)
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO entity_edges (session_id, source_id, target_id, relation_type, confidence,
			evidence, source_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, source_id, target_id, relation_type) DO UPDATE SET
			confidence = MAX(entity_edges.confidence, excluded.confidence),
			evidence = COALESCE(excluded.evidence, entity_edges.evidence),
			source_url = COALESCE(excluded.source_url, entity_edges.source_url),
			updated_at = excluded.updated_at
		RETURNING id`,
		in.SessionID, in.SourceID, in.TargetID, in.RelationType, in.Confidence,
		nullString(in.Evidence), nullString(in.SourceURL), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert edge: %w", err)
	}
	return id, nil
}

// ListEdges returns a session's edges with endpoint names, ordered by
// relation then source name.
func (s *Store) ListEdges(ctx context.Context, sessionID string) ([]*Edge, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT ed.id, ed.session_id, ed.source_id, ed.target_id, src.name, dst.name,
			ed.relation_type, ed.confidence, ed.evidence, ed.source_url, ed.created_at
		FROM entity_edges ed
		JOIN entities src ON src.id = ed.source_id
		JOIN entities dst ON dst.id = ed.target_id
		WHERE ed.session_id = ?
		ORDER BY ed.relation_type, src.name, ed.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		var (
			e             Edge
			evidence, url sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SourceID, &e.TargetID, &e.SourceName, &e.TargetName,
			&e.RelationType, &e.Confidence, &evidence, &url, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Evidence = evidence.String
		e.SourceURL = url.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// =============================================================================
// Traversal
// =============================================================================

type neighbor struct {
	entity     *Entity
	relation   string
	confidence float64
	direction  Direction
}

// GetRelated walks the entity graph breadth first from entityID, up to
// q.Depth hops (default 1, at most MaxTraversalDepth), following edges in
// q.Direction (default both). Each entity is reported once, at its
// shortest distance, with the relation types along the path taken.
func (s *Store) GetRelated(ctx context.Context, entityID int64, q RelatedQuery) ([]*Related, error) {
	if q.Direction == "" {
		q.Direction = DirectionBoth
	}
	if !q.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidArgument, q.Direction)
	}
	if q.Depth <= 0 {
		q.Depth = 1
	}
	q.Depth = min(q.Depth, MaxTraversalDepth)

	type hop struct {
		id    int64
		depth int
		path  []string
	}
	visited := map[int64]bool{entityID: true}
	queue := []hop{{id: entityID}}
	var out []*Related

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.depth >= q.Depth {
			continue
		}
		next, err := s.neighbors(ctx, h.id, q.RelationType, q.Direction)
		if err != nil {
			return nil, fmt.Errorf("get related: %w", err)
		}
		for _, n := range next {
			if visited[n.entity.ID] {
				continue
			}
			visited[n.entity.ID] = true
			path := append(slices.Clone(h.path), n.relation)
			out = append(out, &Related{
				Entity:       n.entity,
				RelationType: n.relation,
				Direction:    n.direction,
				Confidence:   n.confidence,
				Depth:        h.depth + 1,
				Path:         path,
			})
			queue = append(queue, hop{id: n.entity.ID, depth: h.depth + 1, path: path})
		}
	}
	return out, nil
}

func (s *Store) neighbors(ctx context.Context, id int64, relation string, dir Direction) ([]neighbor, error) {
	var out []neighbor
	if dir == DirectionOutgoing || dir == DirectionBoth {
		found, err := s.edgeNeighbors(ctx, "source_id", "target_id", id, relation, DirectionOutgoing)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	if dir == DirectionIncoming || dir == DirectionBoth {
		found, err := s.edgeNeighbors(ctx, "target_id", "source_id", id, relation, DirectionIncoming)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *Store) edgeNeighbors(ctx context.Context, from, to string, id int64, relation string, dir Direction) ([]neighbor, error) {
	query := `SELECT ` + prefixColumns("e", entityColumns) + `, ed.relation_type, ed.confidence
		FROM entity_edges ed JOIN entities e ON e.id = ed.` + to + `
		WHERE ed.` + from + ` = ?`
	args := []any{id}
	if relation != "" {
		query += ` AND ed.relation_type = ?`
		args = append(args, relation)
	}
	query += ` ORDER BY ed.confidence DESC, ed.id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []neighbor
	for rows.Next() {
		var (
			n           neighbor
			e           Entity
			typ, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Name, &typ, &detail, &e.MentionCount, &e.Metadata,
			&e.CreatedAt, &e.UpdatedAt, &n.relation, &n.confidence); err != nil {
			return nil, err
		}
		e.Type = typ.String
		e.Description = detail.String
		n.entity = &e
		n.direction = dir
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// Co-occurrence
// =============================================================================

// RecordCooccurrence counts one joint appearance of two entities and keeps
// snippet among the pair's most recent snippets. The pair is unordered.
func (s *Store) RecordCooccurrence(ctx context.Context, a, b int64, snippet string) error {
	if a == b {
		return fmt.Errorf("%w: an entity cannot co-occur with itself", ErrInvalidArgument)
	}
	err := s.withTx(ctx, "record_cooccurrence", func(tx *sql.Tx) error {
		sessionID, err := pairSession(ctx, tx, a, b)
		if err != nil {
			return err
		}
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		return recordCooccurrence(ctx, tx, s.db.now(), sessionID, a, b, snippet)
	})
	if err != nil {
		return fmt.Errorf("record cooccurrence: %w", err)
	}
	return nil
}

// pairSession returns the session both entities belong to.
func pairSession(ctx context.Context, q querier, a, b int64) (string, error) {
	sessions, err := collectStrings(ctx, q, `SELECT DISTINCT session_id FROM entities WHERE id IN (?, ?)`, a, b)
	if err != nil {
		return "", err
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id IN (?, ?)`, a, b).Scan(&n); err != nil {
		return "", err
	}
	if n != 2 {
		return "", fmt.Errorf("%w: entities %d and %d", ErrNotFound, a, b)
	}
	if len(sessions) != 1 {
		return "", fmt.Errorf("%w: entities %d and %d belong to different sessions", ErrInvalidArgument, a, b)
	}
	return sessions[0], nil
}

func recordCooccurrence(ctx context.Context, q querier, now int64, sessionID string, a, b int64, snippet string) error {
	if a > b {
		a, b = b, a
	}

	var snippets jsonList[string]
	err := q.QueryRowContext(ctx, `
		SELECT snippets FROM entity_cooccurrence WHERE entity_a_id = ? AND entity_b_id = ?`, a, b).Scan(&snippets)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load cooccurrence: %w", err)
	}
	if snippet = strings.TrimSpace(snippet); snippet != "" {
		snippets = append(snippets, snippet)
		if len(snippets) > MaxCooccurrenceSnippets {
			snippets = snippets[len(snippets)-MaxCooccurrenceSnippets:]
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entity_cooccurrence (entity_a_id, entity_b_id, session_id, cooccurrence_count, snippets, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(entity_a_id, entity_b_id) DO UPDATE SET
			cooccurrence_count = entity_cooccurrence.cooccurrence_count + 1,
			snippets = excluded.snippets,
			updated_at = excluded.updated_at`,
		a, b, sessionID, snippets, now)
	if err != nil {
		return fmt.Errorf("upsert cooccurrence: %w", err)
	}
	return nil
}

// Cooccurrences lists a session's entity pairs seen together at least
// minCount times, most frequent first.
func (s *Store) Cooccurrences(ctx context.Context, sessionID string, minCount int) ([]*Cooccurrence, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.entity_a_id, c.entity_b_id, a.name, b.name, c.cooccurrence_count, c.snippets, c.updated_at
		FROM entity_cooccurrence c
		JOIN entities a ON a.id = c.entity_a_id
		JOIN entities b ON b.id = c.entity_b_id
		WHERE c.session_id = ? AND c.cooccurrence_count >= ?
		ORDER BY c.cooccurrence_count DESC, c.entity_a_id, c.entity_b_id`, sessionID, max(minCount, 1))
	if err != nil {
		return nil, fmt.Errorf("list cooccurrences: %w", err)
	}
	defer rows.Close()

	var out []*Cooccurrence
	for rows.Next() {
		var (
			c        Cooccurrence
			snippets jsonList[string]
		)
		if err := rows.Scan(&c.EntityAID, &c.EntityBID, &c.EntityA, &c.EntityB, &c.Count, &snippets, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cooccurrence: %w", err)
		}
		c.Snippets = snippets
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MentionScan reports the known entities found in a piece of text.
type MentionScan struct {
	Mentions  []mentions.Mention `json:"mentions"`
	EntityIDs []int64            `json:"entityIds"`
	Pairs     int                `json:"pairs"`
}

// maxSnippetRunes bounds the context stored per co-occurrence.
const maxSnippetRunes = 500

// ScanMentions finds the session's entity names and aliases in text and
// records a co-occurrence for every pair of distinct entities found.
func (s *Store) ScanMentions(ctx context.Context, sessionID, text string) (*MentionScan, error) {
	entities, err := s.ListEntities(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("scan mentions: %w", err)
	}
	entries := make([]mentions.Entry, len(entities))
	for i, e := range entities {
		entries[i] = mentions.Entry{ID: e.ID, Name: e.Name, Aliases: e.Aliases}
	}
	dict, err := mentions.Compile(entries)
	if err != nil {
		return nil, fmt.Errorf("scan mentions: %w", err)
	}

	scan := &MentionScan{Mentions: dict.Scan(text)}
	for _, m := range scan.Mentions {
		for _, id := range m.EntityIDs {
			if !slices.Contains(scan.EntityIDs, id) {
				scan.EntityIDs = append(scan.EntityIDs, id)
			}
		}
	}
	slices.Sort(scan.EntityIDs)
	if len(scan.EntityIDs) < 2 {
		return scan, nil
	}

	snippet := truncateRunes(strings.Join(strings.Fields(text), " "), maxSnippetRunes)
	err = s.withTx(ctx, "scan_mentions", func(tx *sql.Tx) error {
		scan.Pairs = 0
		if err := requireWritable(ctx, tx, sessionID); err != nil {
			return err
		}
		now := s.db.now()
		for i, a := range scan.EntityIDs {
			for _, b := range scan.EntityIDs[i+1:] {
				if err := recordCooccurrence(ctx, tx, now, sessionID, a, b, snippet); err != nil {
					return err
				}
				scan.Pairs++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan mentions: %w", err)
	}
	return scan, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// =============================================================================
// Bulk import
// =============================================================================

// ImportEntities records a batch of entities with their aliases, then edges
// that name their endpoints. Unknown endpoint names are created. Items that
// fail are reported in the result; the rest are committed.
func (s *Store) ImportEntities(ctx context.Context, sessionID string, batch EntityBatch) (*BatchResult, error) {
	if err := requireWritable(ctx, s.conn, sessionID); err != nil {
		return nil, fmt.Errorf("import entities: %w", err)
	}
	result := &BatchResult{Total: len(batch.Entities) + len(batch.Edges), Errors: []ItemError{}}
	abort := func(err error) bool { return errors.Is(err, ErrSessionClosed) }

	for i, item := range batch.Entities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, created, err := s.CreateEntity(ctx, EntityInput{
			SessionID:   sessionID,
			Name:        item.Name,
			Type:        item.Type,
			Description: item.Description,
		})
		if err != nil {
			if abort(err) {
				return result, err
			}
			result.fail(i, "entity", err)
			continue
		}
		if created {
			result.Created++
		}
		for _, alias := range item.Aliases {
			ok, err := s.AddAlias(ctx, item.Name, alias)
			if err != nil {
				result.fail(i, "alias", err)
				continue
			}
			if ok {
				result.Aliases++
			}
		}
	}

	for i, item := range batch.Edges {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.importEdge(ctx, sessionID, item, result)
		if err != nil {
			if abort(err) {
				return result, err
			}
			result.fail(len(batch.Entities)+i, "edge", err)
			continue
		}
		result.Edges++
	}
	return result, nil
}

func (s *Store) importEdge(ctx context.Context, sessionID string, item BatchEdge, result *BatchResult) error {
	if strings.TrimSpace(item.Source) == "" || strings.TrimSpace(item.Target) == "" {
		return fmt.Errorf("%w: edge needs source and target names", ErrInvalidArgument)
	}
	src, err := s.findOrCreate(ctx, sessionID, item.Source, result)
	if err != nil {
		return err
	}
	dst, err := s.findOrCreate(ctx, sessionID, item.Target, result)
	if err != nil {
		return err
	}

	relation := item.Relation
	if strings.TrimSpace(relation) == "" {
		relation = DefaultRelation
	}
	confidence := 0.5
	if item.Confidence != nil {
		confidence = *item.Confidence
	}
	_, err = s.CreateEdge(ctx, EdgeInput{
		SessionID:    sessionID,
		SourceID:     src,
		TargetID:     dst,
		RelationType: relation,
		Confidence:   confidence,
		Evidence:     item.Evidence,
		SourceURL:    item.SourceURL,
	})
	return err
}

func (s *Store) findOrCreate(ctx context.Context, sessionID, name string, result *BatchResult) (int64, error) {
	e, err := s.FindEntity(ctx, sessionID, name)
	if err != nil {
		return 0, err
	}
	if e != nil {
		return e.ID, nil
	}
	id, created, err := s.CreateEntity(ctx, EntityInput{SessionID: sessionID, Name: name})
	if created {
		result.Created++
	}
	return id, err
}
