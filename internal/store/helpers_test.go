package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock advances one millisecond per reading so rows created in
// sequence get distinct, increasing timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	clock := newTestClock()
	db, err := Open(context.Background(), Options{
		Path: filepath.Join(t.TempDir(), "state.db"),
		Now:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clock
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, clock := newTestDB(t)
	return db.Store(), clock
}

func mustSession(t *testing.T, s *Store, topic string) string {
	t.Helper()
	sess := &Session{Topic: topic}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess.ID
}

func mustNode(t *testing.T, s *Store, sessionID, id, parentID string, score float64) {
	t.Helper()
	created, err := s.CreateNode(context.Background(), NodeInput{
		ID:           id,
		SessionID:    sessionID,
		ParentID:     parentID,
		Content:      "content of " + id,
		QualityScore: score,
		Depth:        -1,
	})
	require.NoError(t, err)
	require.True(t, created, "node %s", id)
}

func mustFact(t *testing.T, s *Store, in FactInput) int64 {
	t.Helper()
	id, err := s.CreateFact(context.Background(), in)
	require.NoError(t, err)
	return id
}

func mustEntity(t *testing.T, s *Store, sessionID, name, typ string) int64 {
	t.Helper()
	id, _, err := s.CreateEntity(context.Background(), EntityInput{SessionID: sessionID, Name: name, Type: typ})
	require.NoError(t, err)
	return id
}

func closeSession(t *testing.T, s *Store, id string) {
	t.Helper()
	ok, err := s.UpdateSessionStatus(context.Background(), id, SessionCompleted, "")
	require.NoError(t, err)
	require.True(t, ok)
}
