package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
)

// Eligible reports whether an instance should be migrated off its
// reclaimed spot capacity: the provider has exited it and flagged the
// reclaim.
func Eligible(state *types.InstanceState) bool {
	return state.Status == types.InstanceExited &&
		state.SpotReclaimTime != 0 &&
		state.SpotStatus != ""
}

// Enqueuer is the slice of the job engine the scheduler needs
type Enqueuer interface {
	Enqueue(jobType types.JobType, payload types.JobPayload, priority types.JobPriority, maxAttempts int) (*types.Job, error)
}

// Run summarizes one scheduler sweep
type Run struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Duration    string    `json:"duration"`
	Scanned     int       `json:"scanned"`
	Eligible    int       `json:"eligible"`
	Retried     int       `json:"retried"`
	Enqueued    int       `json:"enqueued"`
	Skipped     int       `json:"skipped"`
	DryRun      bool      `json:"dryRun"`
	Errors      []string  `json:"errors,omitempty"`
}

// Status is the scheduler's externally visible state
type Status struct {
	Enabled   bool       `json:"enabled"`
	Running   bool       `json:"running"`
	DryRun    bool       `json:"dryRun"`
	Interval  string     `json:"interval"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	LastRun   *Run       `json:"lastRun,omitempty"`
}

// Scheduler periodically sweeps the store for instances on reclaimed
// spot capacity and enqueues MIGRATE_INSTANCE jobs for them. Only one
// sweep runs at a time, whether cron-fired or manually triggered.
type Scheduler struct {
	store       *store.Store
	engine      Enqueuer
	ledger      *Ledger
	cfg         config.MigrationConfig
	maxAttempts int

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool
	logger  zerolog.Logger

	mu      sync.Mutex
	lastRun *Run
}

// NewScheduler wires a scheduler; call Start to arm the cron entry
func NewScheduler(st *store.Store, engine Enqueuer, ledger *Ledger, cfg config.MigrationConfig, maxAttempts int) *Scheduler {
	return &Scheduler{
		store:       st,
		engine:      engine,
		ledger:      ledger,
		cfg:         cfg,
		maxAttempts: maxAttempts,
		cron:        cron.New(),
		logger:      log.WithComponent("migration"),
	}
}

// Start arms the periodic sweep. A disabled scheduler still accepts
// manual triggers.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("migration scheduler disabled")
		return nil
	}

	spec := fmt.Sprintf("@every %dm", s.cfg.IntervalMinutes)
	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Trigger(context.Background()); err != nil {
			if nberrors.CodeOf(err) != nberrors.CodeMigrationConflict {
				s.logger.Error().Err(err).Msg("scheduled migration sweep failed")
			}
		}
	})
	if err != nil {
		return nberrors.Wrap(nberrors.CodeInternal, "schedule migration sweep", err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info().
		Int("interval_minutes", s.cfg.IntervalMinutes).
		Bool("dry_run", s.cfg.DryRun).
		Msg("migration scheduler started")
	return nil
}

// Stop disarms the cron entry; an in-flight sweep finishes on its own
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Trigger runs one sweep now. Returns MIGRATION_JOB_CONFLICT if a
// sweep is already underway.
func (s *Scheduler) Trigger(ctx context.Context) (*Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, nberrors.New(nberrors.CodeMigrationConflict, "a migration sweep is already running")
	}
	defer s.running.Store(false)

	metrics.MigrationRuns.Inc()
	run := &Run{StartedAt: time.Now(), DryRun: s.cfg.DryRun}

	states := s.store.List(store.ListFilter{})
	run.Scanned = len(states)

	var candidates []*types.InstanceState
	for _, state := range states {
		if Eligible(state) {
			candidates = append(candidates, state)
		}
	}
	run.Eligible = len(candidates)

	// Fold in previously failed migrations whose instance is still
	// eligible and whose retry budget remains
	seen := make(map[string]bool, len(candidates))
	for _, state := range candidates {
		seen[state.ID] = true
	}
	if s.ledger != nil {
		pending, err := s.ledger.Pending()
		if err != nil {
			run.Errors = append(run.Errors, err.Error())
		}
		for _, entry := range pending {
			if seen[entry.InstanceID] {
				continue
			}
			state, err := s.store.Get(entry.InstanceID)
			if err != nil || !Eligible(state) {
				// Migrated since, or gone; the failure is moot
				_ = s.ledger.Resolve(entry.InstanceID)
				continue
			}
			candidates = append(candidates, state)
			seen[state.ID] = true
			run.Retried++
		}
	}

	limit := s.cfg.MaxConcurrent
	if limit <= 0 {
		limit = len(candidates)
	}

	for _, state := range candidates {
		if run.Enqueued >= limit {
			run.Skipped++
			continue
		}

		reason := state.SpotStatus
		if reason == "" {
			reason = "spot_reclaimed"
		}

		if s.cfg.DryRun {
			s.logger.Info().
				Str("instance_id", state.ID).
				Str("reason", reason).
				Msg("dry run: would migrate")
			run.Enqueued++
			continue
		}

		_, err := s.engine.Enqueue(types.JobMigrateInstance, types.MigratePayload{
			InstanceID: state.ID,
			Reason:     reason,
		}, types.PriorityHigh, s.maxAttempts)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", state.ID, err))
			continue
		}
		run.Enqueued++
	}

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt).String()

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.AppendHistory(run); err != nil {
			s.logger.Warn().Err(err).Msg("could not persist run history")
		}
	}

	s.logger.Info().
		Int("scanned", run.Scanned).
		Int("eligible", run.Eligible).
		Int("enqueued", run.Enqueued).
		Bool("dry_run", run.DryRun).
		Msg("migration sweep done")
	return run, nil
}

// Status reports whether a sweep is running and when the next fires
func (s *Scheduler) Status() *Status {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	st := &Status{
		Enabled:  s.cfg.Enabled,
		Running:  s.running.Load(),
		DryRun:   s.cfg.DryRun,
		Interval: fmt.Sprintf("%dm", s.cfg.IntervalMinutes),
		LastRun:  last,
	}
	if s.cfg.Enabled && s.entryID != 0 {
		next := s.cron.Entry(s.entryID).Next
		if !next.IsZero() {
			st.NextRunAt = &next
		}
	}
	return st
}

// History returns recent sweeps, newest first
func (s *Scheduler) History(limit int) ([]*Run, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.History(limit)
}
