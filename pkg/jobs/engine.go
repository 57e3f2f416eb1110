package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/types"
)

// Handler processes one job attempt. The engine guarantees a job is
// never dispatched concurrently with itself; handlers receive the job
// so they can inspect attempts and maxAttempts.
type Handler func(ctx context.Context, job *types.Job) error

const defaultHandlerTimeout = 15 * time.Minute

// Engine owns the job map and drives dispatch. Workers run up to the
// configured concurrency; eligible jobs dispatch highest priority
// first, then oldest first. Jobs sharing a serial key run one at a
// time per key, oldest first.
type Engine struct {
	mu         sync.Mutex
	jobs       map[string]*types.Job
	handlers   map[types.JobType]Handler
	timeouts   map[types.JobType]time.Duration
	processing int
	stopped    bool
	seq        uint64

	maxConcurrent      int
	defaultMaxAttempts int
	tickInterval       time.Duration
	handlerTimeout     time.Duration
	cleanupInterval    time.Duration
	retentionPeriod    time.Duration

	nudge  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewEngine builds a job engine from configuration
func NewEngine(cfg config.JobsConfig) *Engine {
	tick := cfg.PollInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	handlerTimeout := cfg.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	return &Engine{
		jobs:               make(map[string]*types.Job),
		handlers:           make(map[types.JobType]Handler),
		timeouts:           make(map[types.JobType]time.Duration),
		maxConcurrent:      cfg.MaxConcurrent,
		defaultMaxAttempts: cfg.MaxAttempts,
		tickInterval:       tick,
		handlerTimeout:     handlerTimeout,
		cleanupInterval:    cfg.CleanupInterval,
		retentionPeriod:    cfg.RetentionPeriod,
		nudge:              make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		logger:             log.WithComponent("jobs"),
	}
}

// RegisterHandler binds the single handler for a job type
func (e *Engine) RegisterHandler(jobType types.JobType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = handler
}

// SetTimeout overrides the handler timeout for one job type
func (e *Engine) SetTimeout(jobType types.JobType, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts[jobType] = timeout
}

// Enqueue creates a pending job and nudges the dispatcher
func (e *Engine) Enqueue(jobType types.JobType, payload types.JobPayload, priority types.JobPriority, maxAttempts int) (*types.Job, error) {
	return e.EnqueueAfter(jobType, payload, priority, maxAttempts, 0)
}

// EnqueueAfter creates a pending job that becomes eligible after delay.
// Self-rescheduling monitors use it to space their polls.
func (e *Engine) EnqueueAfter(jobType types.JobType, payload types.JobPayload, priority types.JobPriority, maxAttempts int, delay time.Duration) (*types.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, nberrors.New(nberrors.CodeShutdown, "job engine is stopped")
	}
	if _, ok := e.handlers[jobType]; !ok {
		return nil, nberrors.Newf(nberrors.CodeValidation, "no handler registered for %s", jobType)
	}
	if maxAttempts <= 0 {
		maxAttempts = e.defaultMaxAttempts
	}

	e.seq++
	job := &types.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      types.JobPending,
		Priority:    priority,
		Sequence:    e.seq,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	if sp, ok := payload.(types.SerialPayload); ok {
		job.SerialKey = sp.SerialKey()
	}
	if delay > 0 {
		at := time.Now().Add(delay)
		job.NextRetryAt = &at
	}
	e.jobs[job.ID] = job

	metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	e.logger.Debug().
		Str("job_id", job.ID).
		Str("type", string(jobType)).
		Str("priority", priority.String()).
		Msg("job enqueued")

	select {
	case e.nudge <- struct{}{}:
	default:
	}

	cp := *job
	return &cp, nil
}

// GetJob returns a snapshot of one job
func (e *Engine) GetJob(id string) (*types.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return nil, nberrors.Newf(nberrors.CodeNotFound, "job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

// ListFilter narrows ListJobs results
type ListFilter struct {
	Type   types.JobType
	Status types.JobStatus
	Limit  int
}

// ListJobs returns job snapshots, newest first
func (e *Engine) ListJobs(filter ListFilter) []*types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// Stats is a point-in-time summary of the job map
type Stats struct {
	Pending    int                   `json:"pending"`
	Processing int                   `json:"processing"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	ByType     map[types.JobType]int `json:"byType"`
}

// GetStats returns queue counters
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{ByType: make(map[types.JobType]int)}
	for _, job := range e.jobs {
		switch job.Status {
		case types.JobPending:
			stats.Pending++
		case types.JobProcessing:
			stats.Processing++
		case types.JobCompleted:
			stats.Completed++
		case types.JobFailed:
			stats.Failed++
		}
		stats.ByType[job.Type]++
	}
	return stats
}

// Start launches the dispatch loop and, when configured, the periodic
// cleanup of old terminal jobs
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.dispatch(ctx)
			case <-e.nudge:
				e.dispatch(ctx)
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.cleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(e.cleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					e.Cleanup(e.retentionPeriod)
				case <-e.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	metrics.RegisterComponent("jobs", true, "")
	e.logger.Info().
		Int("max_concurrent", e.maxConcurrent).
		Dur("tick", e.tickInterval).
		Msg("job engine started")
}

// Stop prevents further dispatches; processing jobs run to completion
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	e.logger.Info().Msg("job engine stopped")
}

// Shutdown stops dispatch and waits for in-flight jobs up to timeout.
// Jobs still processing afterwards are failed with SHUTDOWN.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for _, job := range e.jobs {
		if job.Status == types.JobProcessing {
			job.Status = types.JobFailed
			job.Error = string(nberrors.CodeShutdown)
			job.CompletedAt = &now
			metrics.JobsCompleted.WithLabelValues(string(job.Type), "shutdown").Inc()
		}
	}
}

// Cleanup purges terminal jobs older than the retention period and
// returns how many were removed
func (e *Engine) Cleanup(olderThan time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, job := range e.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(e.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info().Int("removed", removed).Msg("job cleanup")
	}
	return removed
}

// dispatch picks eligible jobs and hands them to workers, bounded by
// remaining capacity
func (e *Engine) dispatch(ctx context.Context) {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()
		return
	}

	capacity := e.maxConcurrent - e.processing
	if capacity <= 0 {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	eligible := make([]*types.Job, 0)
	oldestSerial := make(map[string]*types.Job)
	for _, job := range e.jobs {
		if job.SerialKey != "" && !job.Status.Terminal() {
			if cur, ok := oldestSerial[job.SerialKey]; !ok || job.Sequence < cur.Sequence {
				oldestSerial[job.SerialKey] = job
			}
		}
		if job.Status != types.JobPending {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}

	// Highest priority first; FIFO within a priority level
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].Sequence < eligible[j].Sequence
	})

	dispatched := 0
	for _, job := range eligible {
		if dispatched == capacity {
			break
		}
		// A serial job waits until every older job with its key is
		// terminal, so same-key jobs run strictly in enqueue order
		if job.SerialKey != "" && oldestSerial[job.SerialKey] != job {
			continue
		}
		job.Status = types.JobProcessing
		job.Attempts++
		processedAt := now
		job.ProcessedAt = &processedAt
		e.processing++
		e.wg.Add(1)
		go e.runJob(ctx, job.ID)
		dispatched++
	}
	e.updateGauges()
	e.mu.Unlock()
}

func (e *Engine) runJob(ctx context.Context, jobID string) {
	defer e.wg.Done()

	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok {
		e.processing--
		e.mu.Unlock()
		return
	}
	handler := e.handlers[job.Type]
	timeout, hasTimeout := e.timeouts[job.Type]
	if !hasTimeout {
		timeout = e.handlerTimeout
	}
	snapshot := *job
	e.mu.Unlock()

	logger := e.logger.With().
		Str("job_id", snapshot.ID).
		Str("type", string(snapshot.Type)).
		Int("attempt", snapshot.Attempts).
		Logger()

	start := time.Now()
	err := e.runWithTimeout(ctx, handler, &snapshot, timeout)
	metrics.JobDuration.WithLabelValues(string(snapshot.Type)).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.processing--
	job, ok = e.jobs[jobID]
	if !ok {
		return
	}
	if job.Status.Terminal() {
		// Shutdown already failed this job; keep that outcome
		return
	}

	now := time.Now()
	switch {
	case err == nil:
		job.Status = types.JobCompleted
		job.CompletedAt = &now
		job.Error = ""
		metrics.JobsCompleted.WithLabelValues(string(job.Type), "success").Inc()
		logger.Debug().Msg("job completed")

	case job.Attempts < job.MaxAttempts && nberrors.IsRetryable(err):
		job.Status = types.JobPending
		job.Error = err.Error()
		retryAt := now.Add(Backoff(job.Attempts))
		job.NextRetryAt = &retryAt
		metrics.JobsRetried.WithLabelValues(string(job.Type)).Inc()
		logger.Warn().Err(err).Time("next_retry_at", retryAt).Msg("job attempt failed, will retry")

	default:
		job.Status = types.JobFailed
		job.Error = err.Error()
		job.CompletedAt = &now
		metrics.JobsCompleted.WithLabelValues(string(job.Type), "failed").Inc()
		logger.Error().Err(err).Msg("job failed")
	}
	e.updateGauges()

	// Freed capacity may unblock a queued or serial job
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// runWithTimeout bounds one handler invocation. The handler keeps
// running in its goroutine after a timeout; workflows are written to be
// reconcilable on retry, so the stale attempt's writes stay safe.
func (e *Engine) runWithTimeout(ctx context.Context, handler Handler, job *types.Job, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(runCtx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return nberrors.Wrap(nberrors.CodeTimeout, "job handler timed out", runCtx.Err())
	}
}

func (e *Engine) updateGauges() {
	pending := 0
	for _, job := range e.jobs {
		if job.Status == types.JobPending {
			pending++
		}
	}
	metrics.JobsPending.Set(float64(pending))
	metrics.JobsProcessing.Set(float64(e.processing))
}
