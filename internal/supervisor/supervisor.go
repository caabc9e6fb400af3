// Package supervisor runs the periodic maintenance the store itself never
// schedules: timing out silent agents, circuit-breaking failing branches,
// pruning wide branches and resolving fact conflicts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/researchstate/internal/config"
	"github.com/kittclouds/researchstate/internal/metrics"
	"github.com/kittclouds/researchstate/internal/store"
)

// Thresholds controls what a sweep does.
type Thresholds struct {
	AgentTimeout     time.Duration
	AutoBreak        bool
	BreakConsecutive int
	BreakThreshold   float64
	KeepBest         int
	ConflictPolicy   store.ConflictPolicy
	// Workers bounds how many sessions are swept concurrently.
	Workers int
}

// ThresholdsFromConfig converts the supervisor config section.
func ThresholdsFromConfig(cfg *config.Config) (Thresholds, error) {
	policy, err := store.ParseConflictPolicy(cfg.Supervisor.ConflictPolicy)
	if err != nil {
		return Thresholds{}, err
	}
	return Thresholds{
		AgentTimeout:     cfg.GetAgentTimeout(),
		AutoBreak:        cfg.Supervisor.AutoBreak,
		BreakConsecutive: cfg.Supervisor.BreakConsecutive,
		BreakThreshold:   cfg.Supervisor.BreakThreshold,
		KeepBest:         cfg.Supervisor.KeepBest,
		ConflictPolicy:   policy,
		Workers:          cfg.Supervisor.Workers,
	}, nil
}

// Report summarizes one sweep.
type Report struct {
	Sessions          int `json:"sessions"`
	AgentsTimedOut    int `json:"agentsTimedOut"`
	BreaksSuggested   int `json:"breaksSuggested"`
	BranchesBroken    int `json:"branchesBroken"`
	NodesPruned       int `json:"nodesPruned"`
	ConflictsOpen     int `json:"conflictsOpen"`
	ConflictsResolved int `json:"conflictsResolved"`
}

func (r *Report) add(o Report) {
	r.BreaksSuggested += o.BreaksSuggested
	r.BranchesBroken += o.BranchesBroken
	r.NodesPruned += o.NodesPruned
	r.ConflictsOpen += o.ConflictsOpen
	r.ConflictsResolved += o.ConflictsResolved
}

// Supervisor sweeps every live session on a fixed interval.
type Supervisor struct {
	db       *store.DB
	log      *zap.Logger
	interval time.Duration

	mu sync.RWMutex
	th Thresholds
}

// New creates a supervisor. A nil logger discards output.
func New(db *store.DB, interval time.Duration, th Thresholds, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{db: db, log: log.Named("supervisor"), interval: interval, th: normalize(th)}
}

func normalize(th Thresholds) Thresholds {
	if th.Workers < 1 {
		th.Workers = 1
	}
	if th.BreakConsecutive < 1 {
		th.BreakConsecutive = 3
	}
	if th.ConflictPolicy == "" {
		th.ConflictPolicy = store.PolicyManual
	}
	return th
}

// Reconfigure swaps the thresholds used by subsequent sweeps.
func (s *Supervisor) Reconfigure(th Thresholds) {
	th = normalize(th)
	s.mu.Lock()
	s.th = th
	s.mu.Unlock()
	s.log.Info("thresholds updated",
		zap.Duration("agent_timeout", th.AgentTimeout),
		zap.Bool("auto_break", th.AutoBreak),
		zap.Int("keep_best", th.KeepBest),
		zap.String("conflict_policy", string(th.ConflictPolicy)))
}

func (s *Supervisor) thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.th
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweep failures are logged, not returned.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if rep, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("sweep failed", zap.Error(err))
		} else if rep.AgentsTimedOut+rep.BranchesBroken+rep.NodesPruned+rep.ConflictsResolved > 0 {
			s.log.Info("sweep finished",
				zap.Int("sessions", rep.Sessions),
				zap.Int("agents_timed_out", rep.AgentsTimedOut),
				zap.Int("branches_broken", rep.BranchesBroken),
				zap.Int("nodes_pruned", rep.NodesPruned),
				zap.Int("conflicts_resolved", rep.ConflictsResolved))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass over every non-terminal session.
func (s *Supervisor) Sweep(ctx context.Context) (*Report, error) {
	th := s.thresholds()
	rep := &Report{}

	if th.AgentTimeout > 0 {
		n, err := s.timeoutAgents(ctx, th.AgentTimeout)
		if err != nil {
			return nil, err
		}
		rep.AgentsTimedOut = n
	}

	sessions, err := s.db.Store().ListSessions(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(th.Workers)
	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		rep.Sessions++
		id := sess.ID
		g.Go(func() error {
			r, err := s.sweepSession(gctx, id, th)
			if err != nil {
				return fmt.Errorf("sweep session %s: %w", id, err)
			}
			mu.Lock()
			rep.add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Supervisor) timeoutAgents(ctx context.Context, olderThan time.Duration) (int, error) {
	defer observe("agents", time.Now())

	st := s.db.Store()
	stale, err := st.StaleAgents(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("stale agents: %w", err)
	}
	n := 0
	for _, a := range stale {
		msg := fmt.Sprintf("no heartbeat for %s", olderThan)
		ok, err := st.UpdateAgentStatus(ctx, a.ID, store.AgentTimeout, msg)
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrSessionClosed) {
			// finished or closed since the scan
			continue
		}
		if err != nil {
			return n, fmt.Errorf("time out agent %s: %w", a.ID, err)
		}
		if ok {
			n++
			s.log.Warn("agent timed out",
				zap.String("agent", a.ID), zap.String("session", a.SessionID), zap.Duration("after", olderThan))
		}
	}
	metrics.AgentsTimedOut.Add(float64(n))
	return n, nil
}

// sweepSession runs on its own worker connection.
func (s *Supervisor) sweepSession(ctx context.Context, sessionID string, th Thresholds) (rep Report, err error) {
	defer observe("session", time.Now())

	w, err := s.db.Worker(ctx)
	if err != nil {
		return rep, err
	}
	defer w.Release()

	defer func() {
		// the session may close while we work; that is not a failure
		if errors.Is(err, store.ErrSessionClosed) {
			err = nil
		}
	}()

	nodes, err := w.ListNodes(ctx, sessionID, store.NodeActive)
	if err != nil {
		return rep, err
	}
	active := make(map[string]bool, len(nodes))
	children := make(map[string]int)
	var parents []string
	for _, n := range nodes {
		active[n.ID] = true
	}
	for _, n := range nodes {
		if n.ParentID == "" || !active[n.ParentID] {
			continue
		}
		if children[n.ParentID] == 0 {
			parents = append(parents, n.ParentID)
		}
		children[n.ParentID]++
	}

	broken := make(map[string]bool)
	for _, p := range parents {
		if broken[p] {
			continue
		}
		check, err := w.CheckCircuitBreak(ctx, p, th.BreakConsecutive, th.BreakThreshold)
		if errors.Is(err, store.ErrNotFound) {
			// removed by an earlier break in this pass
			continue
		}
		if err != nil {
			return rep, err
		}
		if !check.ShouldBreak {
			continue
		}
		rep.BreaksSuggested++
		if !th.AutoBreak {
			s.log.Info("circuit break suggested",
				zap.String("session", sessionID), zap.String("node", p), zap.Float64("mean_score", check.MeanScore))
			continue
		}
		res, err := w.ExecuteCircuitBreak(ctx, p, fmt.Sprintf("%d consecutive children below %.1f", th.BreakConsecutive, th.BreakThreshold))
		if err != nil {
			return rep, err
		}
		rep.BranchesBroken++
		broken[p] = true
		for _, id := range res.DeletedIDs {
			broken[id] = true
		}
	}

	if th.KeepBest > 0 {
		for _, p := range parents {
			if broken[p] || children[p] <= th.KeepBest {
				continue
			}
			res, err := w.KeepBestN(ctx, sessionID, th.KeepBest, p)
			if err != nil {
				return rep, err
			}
			rep.NodesPruned += res.Pruned
		}
	}

	open, err := w.DetectConflicts(ctx, sessionID)
	if err != nil {
		return rep, err
	}
	rep.ConflictsOpen = len(open)
	if len(open) > 0 && th.ConflictPolicy != store.PolicyManual {
		n, err := w.ApplyConflictPolicy(ctx, sessionID, th.ConflictPolicy)
		if err != nil {
			return rep, err
		}
		rep.ConflictsResolved = n
		rep.ConflictsOpen -= n
	}
	return rep, nil
}

func observe(task string, start time.Time) {
	metrics.SweepDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}
