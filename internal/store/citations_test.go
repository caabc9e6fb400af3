package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCitations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "citations")

	first := &Citation{
		SessionID: sessionID,
		Claim:     "  Sodium cells cost 20% less  ",
		Author:    "Chen et al.",
		URL:       "https://example.org/sodium",
		Quality:   "b",
	}
	require.NoError(t, s.AddCitation(ctx, first))
	assert.NotZero(t, first.ID)
	assert.Equal(t, "Sodium cells cost 20% less", first.Claim)
	assert.Equal(t, QualityB, first.Quality)
	assert.NotZero(t, first.CreatedAt)

	second := &Citation{SessionID: sessionID, Claim: "Lithium prices fell in 2024", Complete: true}
	require.NoError(t, s.AddCitation(ctx, second))

	err := s.AddCitation(ctx, &Citation{SessionID: sessionID, Claim: "bad grade", Quality: "Z"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	err = s.AddCitation(ctx, &Citation{SessionID: sessionID, Claim: " "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ok, err := s.UpdateCitationValidation(ctx, first.ID, "", true, true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdateCitationValidation(ctx, second.ID, "a", true, true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdateCitationValidation(ctx, 9999, QualityC, false, false)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.UpdateCitationValidation(ctx, first.ID, "F", false, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	list, err := s.ListCitations(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, QualityB, list[0].Quality, "empty grade keeps the current one")
	assert.True(t, list[0].URLAccessible)
	assert.Equal(t, "Chen et al.", list[0].Author)
	assert.Equal(t, QualityA, list[1].Quality)

	stats, err := s.CitationStatistics(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, CitationStats{Total: 2, Complete: 2, Accessible: 2, QualityA: 1, QualityB: 1}, *stats)

	empty, err := s.CitationStatistics(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestCitationValidationAfterClose(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "late review")

	c := &Citation{SessionID: sessionID, Claim: "claim"}
	require.NoError(t, s.AddCitation(ctx, c))
	closeSession(t, s, sessionID)

	ok, err := s.UpdateCitationValidation(ctx, c.ID, QualityD, false, true)
	require.NoError(t, err)
	assert.True(t, ok)
}
