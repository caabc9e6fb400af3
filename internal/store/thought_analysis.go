package store

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// CalculateEntropy compares the content of newIDs against existingIDs and
// reports how much of the new keyword set is unseen. The two id sets must
// be disjoint. Unknown and pruned ids are ignored.
func (s *Store) CalculateEntropy(ctx context.Context, newIDs, existingIDs []string) (*EntropyResult, error) {
	if len(newIDs) == 0 {
		return nil, fmt.Errorf("%w: no new node ids", ErrInvalidArgument)
	}
	existing := make(map[string]bool, len(existingIDs))
	for _, id := range existingIDs {
		existing[id] = true
	}
	for _, id := range newIDs {
		if existing[id] {
			return nil, fmt.Errorf("%w: node %s is in both sets", ErrInvalidArgument, id)
		}
	}

	newText, newCount, err := s.nodeContent(ctx, newIDs)
	if err != nil {
		return nil, fmt.Errorf("calculate entropy: %w", err)
	}
	oldText, oldCount, err := s.nodeContent(ctx, existingIDs)
	if err != nil {
		return nil, fmt.Errorf("calculate entropy: %w", err)
	}

	return &EntropyResult{
		Result:        s.db.keywords.Compare(newText, oldText),
		NewNodes:      newCount,
		ExistingNodes: oldCount,
	}, nil
}

// nodeContent concatenates the content of the non-pruned nodes in ids.
func (s *Store) nodeContent(ctx context.Context, ids []string) (string, int, error) {
	var (
		b     strings.Builder
		count int
	)
	for start := 0; start < len(ids); start += maxBatchVars {
		batch := ids[start:min(start+maxBatchVars, len(ids))]
		parts, err := collectStrings(ctx, s.conn, `
			SELECT content FROM got_nodes
			WHERE id IN (`+placeholders(len(batch))+`) AND status != 'pruned'
			ORDER BY created_at, rowid`, anySlice(batch)...)
		if err != nil {
			return "", 0, err
		}
		for _, p := range parts {
			b.WriteString(p)
			b.WriteByte('\n')
		}
		count += len(parts)
	}
	return b.String(), count, nil
}

// BranchHealth summarizes the quality scores of every non-pruned node below
// nodeID and recommends whether to keep exploring the branch.
func (s *Store) BranchHealth(ctx context.Context, nodeID string) (*BranchHealth, error) {
	node, err := getNode(ctx, s.conn, nodeID)
	if err != nil {
		return nil, fmt.Errorf("branch health: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("branch health: %w: node %s", ErrNotFound, nodeID)
	}

	desc, err := descendants(ctx, s.conn, nodeID, false)
	if err != nil {
		return nil, fmt.Errorf("branch health: %w", err)
	}

	health := &BranchHealth{NodeID: nodeID, Descendants: len(desc)}
	if len(desc) == 0 {
		health.Recommendation = HealthNoDescendants
		return health, nil
	}

	var sum float64
	health.Min, health.Max = math.Inf(1), math.Inf(-1)
	for _, d := range desc {
		sum += d.score
		health.Min = math.Min(health.Min, d.score)
		health.Max = math.Max(health.Max, d.score)
		switch {
		case d.score >= 9:
			health.Histogram.Excellent++
		case d.score >= 7:
			health.Histogram.Good++
		case d.score >= 5:
			health.Histogram.Fair++
		default:
			health.Histogram.Poor++
		}
	}
	health.Average = sum / float64(len(desc))
	health.Recommendation = healthRecommendation(health.Average)
	return health, nil
}

func healthRecommendation(avg float64) string {
	switch {
	case avg >= 8:
		return HealthContinueAndExtend
	case avg >= 6:
		return HealthContinue
	case avg >= 4:
		return HealthMonitor
	default:
		return HealthConsiderBreak
	}
}
