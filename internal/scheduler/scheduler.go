// Package scheduler owns the live schedule map and keeps it in step with the
// change log.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"beatsync/internal/changelog"
	"beatsync/internal/domain"
	"beatsync/internal/store"
)

// DefaultSyncEvery is how often Run drains the change log.
const DefaultSyncEvery = 10 * time.Second

// State of the sync cycle.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Defaults selects the built-in entries installed at startup.
type Defaults struct {
	BackendCleanup bool
}

type Options struct {
	SyncEvery time.Duration
	// SnapshotPath persists the merged schedule for the file and kv
	// backends. The sql backend persists into task_entry instead.
	SnapshotPath string
	Static       []domain.TaskDefinition
	Defaults     Defaults
}

type Scheduler struct {
	changes  changelog.ChangeLog
	sqlLog   *changelog.SQLLog
	snapshot *Snapshot
	opts     Options

	// syncMu serializes a sync cycle with Close.
	syncMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]domain.TaskDefinition
	ready   atomic.Bool
	state   atomic.Int32

	stop     chan struct{}
	stopOnce sync.Once
}

func New(changes changelog.ChangeLog, opts Options) *Scheduler {
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = DefaultSyncEvery
	}
	s := &Scheduler{
		changes: changes,
		opts:    opts,
		entries: map[string]domain.TaskDefinition{},
		stop:    make(chan struct{}),
	}
	if l, ok := changes.(*changelog.SQLLog); ok {
		s.sqlLog = l
	} else if opts.SnapshotPath != "" {
		s.snapshot = NewSnapshot(opts.SnapshotPath)
	}
	return s
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Info is a status line naming where changes are persisted.
func (s *Scheduler) Info() string {
	if s.changes == nil {
		return "    . changes -> (none)"
	}
	return s.changes.Info()
}

// SetupSchedule builds the startup baseline: defaults, then the static
// definitions, then whatever is persisted, and writes the merged result
// back. Sync is a no-op until it has run.
func (s *Scheduler) SetupSchedule(ctx context.Context) error {
	entries := map[string]domain.TaskDefinition{}
	installDefaults(entries, s.opts.Defaults)
	for _, def := range s.opts.Static {
		def = def.Normalized()
		entries[def.Name] = def
	}

	persisted, err := s.loadPersisted(ctx)
	if err != nil {
		return err
	}
	for _, def := range persisted {
		entries[def.Name] = def
	}

	if err := s.persist(ctx, entries); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.ready.Store(true)
	log.Info().Int("entries", len(entries)).Str("info", s.Info()).Msg("schedule ready")
	return nil
}

func (s *Scheduler) loadPersisted(ctx context.Context) ([]domain.TaskDefinition, error) {
	switch {
	case s.sqlLog != nil:
		st := s.sqlLog.Store()
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store.ListAll(ctx, st.DB())
	case s.snapshot != nil:
		return s.snapshot.Load()
	default:
		log.Warn().Msg("no snapshot path configured; the merged schedule is kept in memory only")
		return nil, nil
	}
}

func (s *Scheduler) persist(ctx context.Context, entries map[string]domain.TaskDefinition) error {
	switch {
	case s.sqlLog != nil:
		return s.sqlLog.Store().InTx(ctx, func(tx *sql.Tx) error {
			return upsertAll(ctx, tx, entries)
		})
	case s.snapshot != nil:
		return s.snapshot.Save(entries)
	}
	return nil
}

func upsertAll(ctx context.Context, tx *sql.Tx, entries map[string]domain.TaskDefinition) error {
	for _, def := range entries {
		if err := store.Upsert(ctx, tx, def); err != nil {
			return err
		}
	}
	return nil
}

// Sync drains the change log and applies it to the live schedule. Storage
// failures are logged and leave the schedule as it was; the next cycle
// retries from durable state. It returns the number of applied operations.
func (s *Scheduler) Sync(ctx context.Context) int {
	if s.changes == nil || !s.ready.Load() {
		return 0
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return 0
	}
	defer s.state.CompareAndSwap(int32(StateSyncing), int32(StateIdle))
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.State() == StateStopped {
		return 0
	}

	log.Debug().Msg("sync started")
	var n int
	if s.sqlLog != nil {
		n = s.syncSQL(ctx)
	} else {
		n = s.syncLog(ctx)
	}
	log.Debug().Int("applied", n).Msg("sync finished")
	return n
}

func (s *Scheduler) syncLog(ctx context.Context) int {
	ops, err := s.changes.Drain(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sync failed")
		return 0
	}
	if len(ops) == 0 {
		return 0
	}
	s.mu.Lock()
	n := apply(s.entries, ops)
	snap := cloneEntries(s.entries)
	s.mu.Unlock()

	if s.snapshot != nil {
		if err := s.snapshot.Save(snap); err != nil {
			log.Error().Err(err).Str("path", s.snapshot.Path()).Msg("save schedule snapshot failed")
		}
	}
	return n
}

// syncSQL drains, merges and writes back in one transaction. The merge is
// done on a copy that replaces the live map only after commit.
func (s *Scheduler) syncSQL(ctx context.Context) int {
	s.mu.RLock()
	next := cloneEntries(s.entries)
	s.mu.RUnlock()

	var n int
	err := s.sqlLog.Store().InTx(ctx, func(tx *sql.Tx) error {
		ops, err := s.sqlLog.DrainTx(ctx, tx)
		if err != nil {
			return err
		}
		n = apply(next, ops)
		return upsertAll(ctx, tx, next)
	})
	if err != nil {
		log.Warn().Err(err).Msg("sync failed, rolled back")
		return 0
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return n
}

// apply replays ops in order. An add replaces the whole entry except for
// run statistics it does not set; deleting an absent name does nothing.
func apply(entries map[string]domain.TaskDefinition, ops []domain.Operation) int {
	n := 0
	for _, op := range ops {
		switch op.Kind {
		case domain.OpAdd:
			if op.Task == nil {
				continue
			}
			def := op.Task.Normalized()
			def.Name = op.Name
			// Run statistics belong to the dispatcher; an update that carries
			// none keeps the ones already held, as the task table does.
			if prev, ok := entries[op.Name]; ok {
				if def.LastRunAt == nil {
					def.LastRunAt = prev.LastRunAt
				}
				if def.TotalRunCount <= 0 {
					def.TotalRunCount = prev.TotalRunCount
				}
			}
			entries[op.Name] = def
			log.Debug().Str("task", op.Name).Str("target", def.Target).Msg("apply add")
		case domain.OpDelete:
			delete(entries, op.Name)
			log.Debug().Str("task", op.Name).Msg("apply delete")
		default:
			continue
		}
		n++
	}
	return n
}

// Run calls Sync every SyncEvery until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SyncEvery)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.SyncEvery).Msg("sync loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Close stops the loop, flushes the snapshot and releases the change log.
func (s *Scheduler) Close() error {
	s.Stop()
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return nil
	}
	// Wait for a cycle already past its state check.
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var errs []error
	if s.snapshot != nil && s.ready.Load() {
		errs = append(errs, s.snapshot.Save(s.Entries()))
	}
	if s.changes != nil {
		errs = append(errs, s.changes.Close())
	}
	return errors.Join(errs...)
}

// Entries returns a copy of the live schedule.
func (s *Scheduler) Entries() map[string]domain.TaskDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.entries)
}

// List returns the live schedule ordered by name.
func (s *Scheduler) List() []domain.TaskDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TaskDefinition, 0, len(s.entries))
	for _, def := range s.entries {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Entry(name string) (domain.TaskDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.entries[name]
	return def.Clone(), ok
}

// RecordRun is the dispatcher's bookkeeping after it ran name.
func (s *Scheduler) RecordRun(name string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.entries[name]
	if !ok {
		return false
	}
	def.LastRunAt = &at
	def.TotalRunCount++
	s.entries[name] = def
	return true
}

func cloneEntries(in map[string]domain.TaskDefinition) map[string]domain.TaskDefinition {
	out := make(map[string]domain.TaskDefinition, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
