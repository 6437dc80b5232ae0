// Package scheduler runs the hub's background sweeps: reclaiming
// expired message leases, expiring overdue messages, marking agents
// offline past their heartbeat timeout, expiring and purging stale
// round tables, and purging old group history. All sweeps run on a
// single fixed-interval tick, guarded by a file lock so only one
// process instance runs sweeps at a time, and capped by a semaphore so
// a slow sweep never piles up concurrent runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/admp/hub/internal/store"
)

// Config holds scheduler settings.
type Config struct {
	TickInterval      time.Duration
	HeartbeatTimeout  time.Duration
	RoundTablePurgeMS time.Duration
	GroupHistoryTTL   time.Duration
	LockPath          string
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      60 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		RoundTablePurgeMS: 7 * 24 * time.Hour,
		GroupHistoryTTL:   30 * 24 * time.Hour,
		LockPath:          "/tmp/admp-hub-scheduler.lock",
	}
}

// Scheduler runs the periodic maintenance sweeps against a Store.
type Scheduler struct {
	cfg  Config
	st   store.Store
	mu   sync.Mutex
	sem  *Semaphore
	lock *FileLock

	// expireRoundTables performs the full round-table expiry: flipping
	// status, notifying facilitator and participants, and deleting the
	// backing group. When nil, the scheduler falls back to a bare
	// status flip with no notifications (see SetRoundTableExpirer).
	expireRoundTables func(ctx context.Context, now time.Time) (int, error)
}

// New creates a Scheduler bound to the given store.
func New(cfg Config, st store.Store) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultConfig().LockPath
	}
	if cfg.GroupHistoryTTL <= 0 {
		cfg.GroupHistoryTTL = DefaultConfig().GroupHistoryTTL
	}
	return &Scheduler{
		cfg:  cfg,
		st:   st,
		sem:  NewSemaphore(1),
		lock: NewFileLock(cfg.LockPath),
	}
}

// SetRoundTableExpirer plugs in the full round-table expiry routine
// (notify participants, delete the backing group) such as
// roundtable.Service.ExpireStale. Without it, the scheduler only flips
// stale round tables' status, leaving notification and group cleanup
// undone.
func (s *Scheduler) SetRoundTableExpirer(fn func(ctx context.Context, now time.Time) (int, error)) {
	s.expireRoundTables = fn
}

// Run blocks, ticking sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs one sweep pass if no other process instance currently
// holds the lock and no overlapping tick is still in flight.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.sem.TryAcquire() {
		slog.Debug("scheduler tick skipped: previous sweep still running")
		return
	}
	defer s.sem.Release()

	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	s.sweep(ctx, now)
}

// sweep runs every maintenance pass once. Each pass is independent;
// one failing does not stop the rest.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	if n, err := s.st.ReclaimExpiredLeases(ctx, now); err != nil {
		slog.Warn("reclaim expired leases failed", "error", err)
	} else if n > 0 {
		slog.Info("reclaimed expired leases", "count", n)
	}

	if n, err := s.st.ExpireOldMessages(ctx, now); err != nil {
		slog.Warn("expire old messages failed", "error", err)
	} else if n > 0 {
		slog.Info("expired old messages", "count", n)
	}

	if err := s.markOfflineAgents(ctx, now); err != nil {
		slog.Warn("mark offline agents failed", "error", err)
	}

	if s.expireRoundTables != nil {
		if n, err := s.expireRoundTables(ctx, now); err != nil {
			slog.Warn("expire round tables failed", "error", err)
		} else if n > 0 {
			slog.Info("expired stale round tables", "count", n)
		}
	} else if err := s.expireStaleRoundTables(ctx, now); err != nil {
		slog.Warn("expire round tables failed", "error", err)
	}

	if n, err := s.st.PurgeRoundTables(ctx, now.Add(-s.cfg.RoundTablePurgeMS)); err != nil {
		slog.Warn("purge round tables failed", "error", err)
	} else if n > 0 {
		slog.Info("purged stale round tables", "count", n)
	}

	if n, err := s.st.PurgeGroupHistory(ctx, now.Add(-s.cfg.GroupHistoryTTL)); err != nil {
		slog.Warn("purge group history failed", "error", err)
	} else if n > 0 {
		slog.Info("purged group history", "count", n)
	}
}

// markOfflineAgents flips the heartbeat status of any agent whose last
// heartbeat is older than the configured timeout.
func (s *Scheduler) markOfflineAgents(ctx context.Context, now time.Time) error {
	agents, err := s.st.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Heartbeat.Status != store.HeartbeatOnline {
			continue
		}
		timeout := s.cfg.HeartbeatTimeout
		if a.Heartbeat.TimeoutMS > 0 {
			timeout = time.Duration(a.Heartbeat.TimeoutMS) * time.Millisecond
		}
		if now.Sub(a.Heartbeat.LastHeartbeat) <= timeout {
			continue
		}
		hb := a.Heartbeat
		hb.Status = store.HeartbeatOffline
		if _, err := s.st.UpdateAgent(ctx, a.AgentID, store.AgentUpdate{Heartbeat: &hb}); err != nil {
			slog.Warn("failed to mark agent offline", "agent", a.AgentID, "error", err)
		}
	}
	return nil
}

// expireStaleRoundTables is the fallback used when no full expirer has
// been plugged in via SetRoundTableExpirer: it only flips any round
// table past its ExpiresAt from open to expired, without notifying
// participants or deleting the backing group.
func (s *Scheduler) expireStaleRoundTables(ctx context.Context, now time.Time) error {
	tables, err := s.st.ListRoundTables(ctx, store.RoundTableFilter{Status: store.RoundTableOpen})
	if err != nil {
		return err
	}
	for _, rt := range tables {
		if now.Before(rt.ExpiresAt) {
			continue
		}
		status := store.RoundTableExpired
		if _, err := s.st.UpdateRoundTable(ctx, rt.ID, store.RoundTableUpdate{Status: &status}); err != nil {
			slog.Warn("failed to expire round table", "round_table", rt.ID, "error", err)
		}
	}
	return nil
}
