package ingest

import (
	"errors"
	"testing"

	"github.com/kittclouds/researchstate/internal/store"
)

// ---------------------------------------------------------------------------
// ParseFacts
// ---------------------------------------------------------------------------

func TestParseFacts_FencedArray(t *testing.T) {
	raw := "```json\n" + `[
		{"entity": "Acme", "attribute": "revenue", "value": "$184B", "confidence": "high",
		 "sources": ["https://example.org/10k", {"url": "https://example.org/deck", "quality": "b"}]},
		{"entity": "Acme", "attribute": "employees", "value": 1200, "source": "https://example.org/about"},
		{"entity": "Acme", "attribute": "public", "value": true, "agent_id": "web-1"}
	]` + "\n```"

	facts, err := ParseFacts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("expected 3 facts, got %d", len(facts))
	}

	first := facts[0]
	if first.Confidence != store.ConfidenceHigh {
		t.Errorf("confidence = %q, want High", first.Confidence)
	}
	if len(first.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(first.Sources))
	}
	if first.Sources[1].Quality != store.QualityB {
		t.Errorf("source quality = %q, want B", first.Sources[1].Quality)
	}

	if facts[1].Value != "1200" {
		t.Errorf("numeric value = %q, want 1200", facts[1].Value)
	}
	if len(facts[1].Sources) != 1 || facts[1].Sources[0].URL != "https://example.org/about" {
		t.Errorf("single source not collected: %+v", facts[1].Sources)
	}

	if facts[2].Value != "true" || facts[2].AgentID != "web-1" {
		t.Errorf("unexpected third fact: %+v", facts[2])
	}
}

func TestParseFacts_WrappedObject(t *testing.T) {
	facts, err := ParseFacts(`{"facts": [{"entity": "Acme", "attribute": "margin", "value": 1.50}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "1.50" {
		t.Errorf("expected literal number text, got %+v", facts)
	}
}

func TestParseFacts_KeepsIncompleteItems(t *testing.T) {
	facts, err := ParseFacts(`[{"entity": "Acme"}, {"entity": "Acme", "attribute": "ceo", "value": "Ann Lee", "confidence": "certain"}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("incomplete items must reach the store, got %d", len(facts))
	}
	if facts[1].Confidence != "certain" {
		t.Errorf("unknown confidence should pass through, got %q", facts[1].Confidence)
	}
}

func TestParseFacts_RepairsTruncatedOutput(t *testing.T) {
	raw := `[{"entity": "Acme", "attribute": "revenue", "value": "$10M"}, {"entity": "Acme", "attribute": "hq", "value": "Spring`

	facts, err := ParseFacts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 1 || facts[0].Attribute != "revenue" {
		t.Errorf("expected the one complete fact, got %+v", facts)
	}
}

func TestParseFacts_Garbage(t *testing.T) {
	if _, err := ParseFacts("the agent gave up"); !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable, got %v", err)
	}
	facts, err := ParseFacts("   ")
	if err != nil || facts != nil {
		t.Errorf("empty input: %v, %v", facts, err)
	}
}

// ---------------------------------------------------------------------------
// ParseEntities
// ---------------------------------------------------------------------------

func TestParseEntities_Document(t *testing.T) {
	raw := `{
		"entities": [
			{"name": " Acme ", "type": "Company", "aliases": ["ACME Corp", " "]},
			{"label": "Ann Lee", "kind": "PERSON"}
		],
		"relations": [
			{"subject": "Ann Lee", "object": "Acme", "relationType": "WORKS AT", "confidence": 0.9}
		],
		"edges": [
			{"source": "Acme", "target": "Globex", "relation": "Competes_With", "source_url": "https://example.org"}
		]
	}`

	batch, err := ParseEntities(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(batch.Entities))
	}
	acme := batch.Entities[0]
	if acme.Name != "Acme" || acme.Type != "company" {
		t.Errorf("unexpected entity %+v", acme)
	}
	if len(acme.Aliases) != 1 || acme.Aliases[0] != "ACME Corp" {
		t.Errorf("aliases = %v", acme.Aliases)
	}
	if batch.Entities[1].Name != "Ann Lee" || batch.Entities[1].Type != "person" {
		t.Errorf("label/kind fallback failed: %+v", batch.Entities[1])
	}

	if len(batch.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(batch.Edges))
	}
	if batch.Edges[0].Relation != "competes_with" || batch.Edges[0].SourceURL != "https://example.org" {
		t.Errorf("unexpected edge %+v", batch.Edges[0])
	}
	works := batch.Edges[1]
	if works.Source != "Ann Lee" || works.Target != "Acme" || works.Relation != "works_at" {
		t.Errorf("subject/object edge not mapped: %+v", works)
	}
	if works.Confidence == nil || *works.Confidence != 0.9 {
		t.Errorf("confidence = %v", works.Confidence)
	}
}

func TestParseEntities_BareArray(t *testing.T) {
	batch, err := ParseEntities("```\n[{\"name\": \"Acme\"}, {\"name\": \"Globex\"}]\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Entities) != 2 || len(batch.Edges) != 0 {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestParseEntities_Repair(t *testing.T) {
	raw := `{"entities": [{"name": "Acme", "type": "company"}, {"name": "Glob`
	batch, err := ParseEntities(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Entities) != 1 || batch.Entities[0].Name != "Acme" {
		t.Errorf("expected Acme to be recovered, got %+v", batch.Entities)
	}

	if _, err := ParseEntities("no json here"); !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable, got %v", err)
	}
}
