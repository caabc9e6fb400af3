// Package ingest turns the JSON that research agents write (often wrapped
// in markdown fences, sometimes truncated) into store batch inputs.
package ingest

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/kittclouds/researchstate/internal/store"
)

// ErrUnparseable is returned when nothing usable can be recovered.
var ErrUnparseable = errors.New("ingest: unparseable agent output")

// ParseFacts accepts a JSON array of facts or an object with a "facts"
// array. Values may be strings, numbers or booleans; sources may be URLs or
// objects. Missing fields are left empty so the store can report them per
// item.
func ParseFacts(raw string) ([]store.FactInput, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, nil
	}

	var items []rawFact
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		var wrapped struct {
			Facts []rawFact `json:"facts"`
		}
		if err := json.Unmarshal([]byte(cleaned), &wrapped); err == nil && wrapped.Facts != nil {
			items = wrapped.Facts
		} else {
			items = repairFacts(cleaned)
			if len(items) == 0 {
				return nil, ErrUnparseable
			}
		}
	}

	out := make([]store.FactInput, 0, len(items))
	for _, f := range items {
		out = append(out, f.input())
	}
	return out, nil
}

// ParseEntities accepts {"entities": [...], "edges": [...]} (relations and
// relationships are accepted for edges) or a bare entity array.
func ParseEntities(raw string) (store.EntityBatch, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return store.EntityBatch{}, nil
	}

	var doc rawGraph
	if err := json.Unmarshal([]byte(cleaned), &doc); err == nil {
		return doc.batch(), nil
	}

	var arr []rawEntity
	if err := json.Unmarshal([]byte(cleaned), &arr); err == nil {
		return rawGraph{Entities: arr}.batch(), nil
	}

	// Last resort: regex repair
	doc = rawGraph{Entities: repairEntities(cleaned), Edges: repairEdges(cleaned)}
	if len(doc.Entities) == 0 && len(doc.Edges) == 0 {
		return store.EntityBatch{}, ErrUnparseable
	}
	return doc.batch(), nil
}

// stripCodeFence removes markdown code block wrappers (```json ... ```).
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// =============================================================================
// Facts
// =============================================================================

type rawFact struct {
	AgentID    string      `json:"agent_id"`
	AgentIDAlt string      `json:"agentId"`
	Entity     string      `json:"entity"`
	Attribute  string      `json:"attribute"`
	Value      flexString  `json:"value"`
	Unit       string      `json:"unit"`
	Confidence string      `json:"confidence"`
	Context    string      `json:"context"`
	Source     *rawSource  `json:"source"`
	Sources    []rawSource `json:"sources"`
}

func (f rawFact) input() store.FactInput {
	in := store.FactInput{
		AgentID:    strings.TrimSpace(firstNonEmpty(f.AgentID, f.AgentIDAlt)),
		Entity:     strings.TrimSpace(f.Entity),
		Attribute:  strings.TrimSpace(f.Attribute),
		Value:      strings.TrimSpace(string(f.Value)),
		Unit:       strings.TrimSpace(f.Unit),
		Confidence: normalizeConfidence(f.Confidence),
		Context:    strings.TrimSpace(f.Context),
	}
	sources := f.Sources
	if f.Source != nil {
		sources = append([]rawSource{*f.Source}, sources...)
	}
	for _, src := range sources {
		if s := src.source(); s.URL != "" {
			in.Sources = append(in.Sources, s)
		}
	}
	return in
}

// normalizeConfidence maps "high", "HIGH" and friends onto the stored
// labels. Anything else passes through for validation to reject.
func normalizeConfidence(s string) store.Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "high":
		return store.ConfidenceHigh
	case "medium", "med":
		return store.ConfidenceMedium
	case "low":
		return store.ConfidenceLow
	}
	return store.Confidence(s)
}

// rawSource decodes either a bare URL string or a source object.
type rawSource struct {
	store.Source
}

func (r *rawSource) UnmarshalJSON(b []byte) error {
	var url string
	if err := json.Unmarshal(b, &url); err == nil {
		r.URL = url
		return nil
	}
	var obj struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Author  string `json:"author"`
		Date    string `json:"date"`
		Quality string `json:"quality"`
		Page    string `json:"page"`
		Excerpt string `json:"excerpt"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Source = store.Source{
		URL:     obj.URL,
		Title:   obj.Title,
		Author:  obj.Author,
		Date:    obj.Date,
		Quality: store.QualityGrade(strings.ToUpper(strings.TrimSpace(obj.Quality))),
		Page:    obj.Page,
		Excerpt: obj.Excerpt,
	}
	return nil
}

func (r rawSource) source() store.Source {
	s := r.Source
	s.URL = strings.TrimSpace(s.URL)
	s.Title = strings.TrimSpace(s.Title)
	return s
}

// flexString decodes a JSON string, number or boolean as text. Numbers keep
// their literal form so "1.50" does not become "1.5".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexString(strconv.FormatBool(v))
		return nil
	}
	return errors.New("ingest: value must be a string, number or boolean")
}

var factPattern = regexp.MustCompile(
	`\{\s*"entity"\s*:\s*"[^"]+"\s*,\s*"attribute"\s*:\s*"[^"]+"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|-?[\d.]+|\[[^\]]*\]|true|false|null))*\s*\}`,
)

// repairFacts recovers complete fact objects from malformed JSON.
func repairFacts(raw string) []rawFact {
	matches := factPattern.FindAllString(raw, -1)
	out := make([]rawFact, 0, len(matches))
	for _, m := range matches {
		var f rawFact
		if err := json.Unmarshal([]byte(m), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// =============================================================================
// Entities
// =============================================================================

type rawGraph struct {
	Entities      []rawEntity `json:"entities"`
	Edges         []rawEdge   `json:"edges"`
	Relations     []rawEdge   `json:"relations"`
	Relationships []rawEdge   `json:"relationships"`
}

type rawEntity struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

type rawEdge struct {
	Source       string   `json:"source"`
	Subject      string   `json:"subject"`
	Target       string   `json:"target"`
	Object       string   `json:"object"`
	Relation     string   `json:"relation"`
	RelationType string   `json:"relationType"`
	RelationAlt  string   `json:"relation_type"`
	Confidence   *float64 `json:"confidence"`
	Evidence     string   `json:"evidence"`
	SourceURL    string   `json:"source_url"`
}

func (g rawGraph) batch() store.EntityBatch {
	var out store.EntityBatch
	for _, e := range g.Entities {
		be := store.BatchEntity{
			Name:        strings.TrimSpace(firstNonEmpty(e.Name, e.Label)),
			Type:        strings.ToLower(strings.TrimSpace(firstNonEmpty(e.Type, e.Kind))),
			Description: strings.TrimSpace(e.Description),
		}
		for _, a := range e.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				be.Aliases = append(be.Aliases, a)
			}
		}
		out.Entities = append(out.Entities, be)
	}
	for _, list := range [][]rawEdge{g.Edges, g.Relations, g.Relationships} {
		for _, e := range list {
			out.Edges = append(out.Edges, store.BatchEdge{
				Source:     strings.TrimSpace(firstNonEmpty(e.Source, e.Subject)),
				Target:     strings.TrimSpace(firstNonEmpty(e.Target, e.Object)),
				Relation:   normalizeRelation(firstNonEmpty(e.Relation, e.RelationType, e.RelationAlt)),
				Confidence: e.Confidence,
				Evidence:   strings.TrimSpace(e.Evidence),
				SourceURL:  strings.TrimSpace(e.SourceURL),
			})
		}
	}
	return out
}

// normalizeRelation turns "Works At" or "WORKS_AT" into "works_at".
func normalizeRelation(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

var entityPattern = regexp.MustCompile(
	`\{\s*"name"\s*:\s*"[^"]+"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|-?[\d.]+|\[[^\]]*\]|true|false|null))*\s*\}`,
)

var edgePattern = regexp.MustCompile(
	`\{\s*"source"\s*:\s*"[^"]+"\s*,\s*"target"\s*:\s*"[^"]+"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|-?[\d.]+|\[[^\]]*\]|true|false|null))*\s*\}`,
)

func repairEntities(raw string) []rawEntity {
	var out []rawEntity
	for _, m := range entityPattern.FindAllString(raw, -1) {
		var e rawEntity
		if err := json.Unmarshal([]byte(m), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func repairEdges(raw string) []rawEdge {
	var out []rawEdge
	for _, m := range edgePattern.FindAllString(raw, -1) {
		var e rawEdge
		if err := json.Unmarshal([]byte(m), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
