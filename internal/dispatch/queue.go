package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobStore defines the persistence operations the queue needs.
type JobStore interface {
	// ClaimNextDispatchJob marks the next runnable job as running and returns
	// it, or nil when nothing is runnable. A job is runnable when it is pending
	// or its retry time has passed, and every earlier job of the same schedule
	// is completed or dead-lettered.
	ClaimNextDispatchJob(ctx context.Context, now time.Time) (*models.DispatchJob, error)
	UpdateDispatchJob(ctx context.Context, job *models.DispatchJob) error
	MarkScheduleDegraded(ctx context.Context, scheduleID uuid.UUID, reason string) error
	// RecoverStaleDispatchJobs returns jobs left running since before cutoff
	// to pending, e.g. after a crash.
	RecoverStaleDispatchJobs(ctx context.Context, cutoff time.Time) (int64, error)
	CleanupDispatchJobs(ctx context.Context, retentionDays int) (int64, error)
}

// Recorder receives dispatch measurements.
type Recorder interface {
	RecordDispatch(action models.DispatchAction, outcome string, d time.Duration)
}

// Dispatch outcomes reported to the Recorder.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDropped    = "dropped"
)

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(models.DispatchAction, string, time.Duration) {}

// QueueConfig holds configuration for the dispatch queue.
type QueueConfig struct {
	// WorkerCount is the number of concurrent workers.
	WorkerCount int
	// PollInterval is how often idle workers look for runnable jobs.
	PollInterval time.Duration
	// CallTimeout bounds a single assignment call.
	CallTimeout time.Duration
	// StaleAfter is how long a job may stay running before it is recovered.
	StaleAfter time.Duration
	// CleanupInterval is how often finished jobs are pruned.
	CleanupInterval time.Duration
	// RetentionDays is how long to keep completed and dead letter jobs.
	RetentionDays int
	// MaxRetries is the attempt limit given to jobs without one.
	MaxRetries int
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:     4,
		PollInterval:    5 * time.Second,
		CallTimeout:     time.Minute,
		StaleAfter:      10 * time.Minute,
		CleanupInterval: time.Hour,
		RetentionDays:   30,
		MaxRetries:      models.DefaultDispatchMaxRetries,
	}
}

// Queue works through dispatch jobs. Jobs of one schedule run strictly in
// order; jobs of different schedules run concurrently.
type Queue struct {
	store      JobStore
	dispatcher Dispatcher
	config     QueueConfig
	logger     zerolog.Logger
	recorder   Recorder
	now        func() time.Time

	wake chan struct{}

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// NewQueue creates a dispatch queue.
func NewQueue(store JobStore, dispatcher Dispatcher, config QueueConfig, logger zerolog.Logger) *Queue {
	def := DefaultQueueConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = def.RetentionDays
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.With().Str("component", "dispatch_queue").Logger(),
		recorder:   nopRecorder{},
		now:        time.Now,
		wake:       make(chan struct{}, config.WorkerCount),
		stopCh:     make(chan struct{}),
	}
}

// SetRecorder sets the measurement sink.
func (q *Queue) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	q.recorder = r
}

// Notify wakes idle workers. It never blocks.
func (q *Queue) Notify() {
	for i := 0; i < q.config.WorkerCount; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Start begins processing jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("dispatch queue already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.logger.Info().Int("workers", q.config.WorkerCount).Msg("starting dispatch queue")

	q.recoverStale(ctx, q.logger)

	for i := 0; i < q.config.WorkerCount; i++ {
		q.workerWg.Add(1)
		go q.worker(ctx, i)
	}

	q.workerWg.Add(1)
	go q.maintenance(ctx)

	return nil
}

// Stop gracefully stops the queue, waiting for in-flight calls.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.logger.Info().Msg("stopping dispatch queue")
	q.workerWg.Wait()
	q.logger.Info().Msg("dispatch queue stopped")
}

func (q *Queue) worker(ctx context.Context, workerID int) {
	defer q.workerWg.Done()

	logger := q.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("worker started")

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.drain(ctx, logger)
	}
}

// drain processes jobs until none is runnable or the queue stops.
func (q *Queue) drain(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		processed, err := q.ProcessOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to process dispatch job")
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessOnce claims and runs one job. It reports whether a job was claimed.
func (q *Queue) ProcessOnce(ctx context.Context) (bool, error) {
	job, err := q.store.ClaimNextDispatchJob(ctx, q.now())
	if err != nil {
		return false, fmt.Errorf("claim dispatch job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = q.config.MaxRetries
	}
	if job.StartedAt == nil {
		job.Start(q.now())
	}

	logger := q.logger.With().
		Str("job_id", job.ID.String()).
		Str("schedule_id", job.ScheduleID.String()).
		Str("phase_id", job.PhaseID.String()).
		Str("action", string(job.Action)).
		Int64("seq", job.Seq).
		Logger()

	groups, invalid := models.ValidGroups(job.Groups)
	for _, gerr := range invalid {
		logger.Warn().Err(gerr).Msg("dropping malformed group assignment")
	}
	if len(groups) == 0 {
		now := q.now()
		reason := "no valid group assignments"
		if len(job.Groups) == 0 {
			reason = "no group assignments"
		}
		job.Complete("", now)
		job.Error = reason
		q.recorder.RecordDispatch(job.Action, OutcomeDropped, job.Duration(now))
		logger.Warn().Str("reason", reason).Msg("dispatch job skipped")
		return true, q.save(ctx, job)
	}

	callCtx, cancel := context.WithTimeout(ctx, q.config.CallTimeout)
	result, callErr := Call(callCtx, q.dispatcher, job.Action, groups, job.Build)
	cancel()
	if callErr == nil && !result.Success {
		callErr = fmt.Errorf("%w: assignment not accepted", ErrDispatchFailure)
	}

	now := q.now()
	if callErr == nil {
		job.Complete(result.ExternalID, now)
		q.recorder.RecordDispatch(job.Action, OutcomeSuccess, job.Duration(now))
		logger.Info().
			Str("external_id", result.ExternalID).
			Int("groups", len(groups)).
			Dur("duration", job.Duration(now)).
			Msg("dispatch job completed")
		return true, q.save(ctx, job)
	}

	if job.Fail(callErr.Error(), now) {
		q.recorder.RecordDispatch(job.Action, OutcomeRetry, job.Duration(now))
		logger.Warn().
			Err(callErr).
			Int("retry_count", job.RetryCount).
			Time("next_retry_at", *job.NextRetryAt).
			Msg("dispatch job failed, will retry")
		return true, q.save(ctx, job)
	}

	q.recorder.RecordDispatch(job.Action, OutcomeDeadLetter, job.Duration(now))
	logger.Error().
		Err(callErr).
		Int("retry_count", job.RetryCount).
		Msg("dispatch job moved to dead letter")
	if err := q.save(ctx, job); err != nil {
		return true, err
	}

	reason := deadLetterReason(job, callErr)
	if err := q.store.MarkScheduleDegraded(ctx, job.ScheduleID, reason); err != nil {
		return true, fmt.Errorf("mark schedule %s degraded: %w", job.ScheduleID, err)
	}
	return true, nil
}

func (q *Queue) save(ctx context.Context, job *models.DispatchJob) error {
	// The result must be recorded even if the queue is shutting down.
	if err := q.store.UpdateDispatchJob(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("update dispatch job %s: %w", job.ID, err)
	}
	return nil
}

func deadLetterReason(job *models.DispatchJob, err error) string {
	msg := err.Error()
	if !errors.Is(err, ErrDispatchFailure) {
		msg = ErrDispatchFailure.Error() + ": " + msg
	}
	reason := fmt.Sprintf("%s of %s build failed after %d attempts: %s", job.Action, job.Build.Pointer, job.RetryCount, msg)
	if len(reason) > 500 {
		reason = strings.TrimSpace(reason[:500])
	}
	return reason
}

// maintenance recovers stale jobs and prunes finished ones.
func (q *Queue) maintenance(ctx context.Context) {
	defer q.workerWg.Done()

	logger := q.logger.With().Str("processor", "maintenance").Logger()

	recoverTicker := time.NewTicker(q.config.StaleAfter)
	defer recoverTicker.Stop()
	cleanupTicker := time.NewTicker(q.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-recoverTicker.C:
			q.recoverStale(ctx, logger)
		case <-cleanupTicker.C:
			deleted, err := q.store.CleanupDispatchJobs(ctx, q.config.RetentionDays)
			if err != nil {
				logger.Error().Err(err).Msg("failed to clean up dispatch jobs")
			} else if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("cleaned up dispatch jobs")
			}
		}
	}
}

func (q *Queue) recoverStale(ctx context.Context, logger zerolog.Logger) {
	recovered, err := q.store.RecoverStaleDispatchJobs(ctx, q.now().Add(-q.config.StaleAfter))
	if err != nil {
		logger.Error().Err(err).Msg("failed to recover stale dispatch jobs")
		return
	}
	if recovered > 0 {
		logger.Warn().Int64("recovered", recovered).Msg("requeued stale dispatch jobs")
		q.Notify()
	}
}
