package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/billing"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed"
	JobStatsKey      = "job_stats"

	// Job settings
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Minute
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours

	pollInterval  = 5 * time.Second
	stuckMaxAge   = 10 * time.Minute
	dequeueBlock  = time.Second
	defaultWorker = 3
)

// FollowUpExecutor performs the gateway call a follow-up job stands for.
type FollowUpExecutor interface {
	ExecuteFollowUp(ctx context.Context, f billing.FollowUp) error
}

// Queue manages gateway follow-up jobs using Redis
type Queue struct {
	client     *redis.Client
	executor   FollowUpExecutor
	clock      clockwork.Clock
	workers    int
	retryDelay time.Duration
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue. A nil clock uses the real clock.
func NewQueue(client *redis.Client, executor FollowUpExecutor, clock clockwork.Clock, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorker
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Queue{
		client:     client,
		executor:   executor,
		clock:      clock,
		workers:    workers,
		retryDelay: DefaultRetryDelay,
		stopCh:     make(chan struct{}),
	}
}

// SetRetryDelay sets the base delay; attempt n waits n times this long.
func (q *Queue) SetRetryDelay(d time.Duration) {
	if d > 0 {
		q.retryDelay = d
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	// Promotes due retries and recovers jobs stuck in processing after a crash.
	q.wg.Add(1)
	go q.scheduler(ctx)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.cancel()
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning reports whether workers are active.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) scheduler(ctx context.Context) {
	defer q.wg.Done()
	ticker := q.clock.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Scheduler stopping")
			return
		case <-ticker.Chan():
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Promote delayed jobs error: %v", err)
			}
			if _, err := q.RecoverStuck(ctx, stuckMaxAge); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Stuck recovery error: %v", err)
			}
		}
	}
}

// worker processes jobs from the queue
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		job, err := q.dequeueJob(ctx, dequeueBlock)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
			select {
			case <-q.stopCh:
			case <-q.clock.After(time.Second):
			}
			continue
		}
		log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
		q.processJob(ctx, job)
	}
}

// DispatchFollowUp queues a gateway follow-up for asynchronous execution.
func (q *Queue) DispatchFollowUp(ctx context.Context, f billing.FollowUp) error {
	payload := FollowUpJobPayload{SubscriptionID: f.SubscriptionID, RequestedAt: f.RequestedAt}
	_, err := q.EnqueueJob(ctx, JobType(f.Kind), payload.ToMap())
	return err
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := q.clock.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.FollowUpJobsTotal.WithLabelValues(string(job.Type), "enqueued").Inc()
	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// ProcessNext runs the next pending job, if any. It reports whether a job ran.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.dequeueJob(ctx, 0)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.processJob(ctx, job)
	return true, nil
}

// dequeueJob moves the next job id to the processing list. block <= 0 does
// not wait for new work.
func (q *Queue) dequeueJob(ctx context.Context, block time.Duration) (*Job, error) {
	var jobID string
	var err error
	if block > 0 {
		jobID, err = q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, block).Result()
	} else {
		jobID, err = q.client.RPopLPush(ctx, JobQueueKey, JobProcessingKey).Result()
	}
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing(q.clock.Now())
	q.updateJob(ctx, job)

	err := q.execute(ctx, job)
	now := q.clock.Now()
	if err == nil {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted(now)
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		metrics.FollowUpJobsTotal.WithLabelValues(string(job.Type), "completed").Inc()
		q.removeCompletedJob(ctx, job.ID)
		q.removeFromProcessing(ctx, job.ID)
		return
	}

	log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
	job.MarkAsFailed(now, err.Error())
	if !retryable(err) {
		job.RetryCount = job.MaxRetries
	}

	if job.IsRetryable() {
		delay := q.retryDelay * time.Duration(job.RetryCount)
		log.Infof("[JobQueue] Retrying job %s in %s (Attempt %d/%d)", job.ID, delay, job.RetryCount, job.MaxRetries)
		job.MarkAsRetrying(now)
		q.updateJob(ctx, job)
		due := float64(now.Add(delay).UnixNano())
		if zErr := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: due, Member: job.ID}).Err(); zErr != nil {
			log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, zErr)
		}
		metrics.FollowUpJobsTotal.WithLabelValues(string(job.Type), "retrying").Inc()
	} else {
		log.Errorf("[JobQueue] Job %s permanently failed after %d attempts", job.ID, job.RetryCount)
		q.updateJob(ctx, job)
		q.updateJobStats(ctx, JobStatusFailed, 1)
		metrics.FollowUpJobsTotal.WithLabelValues(string(job.Type), "failed").Inc()
	}
	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) execute(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeGatewayCreateSubscription, JobTypeGatewayCancelSubscription, JobTypeGatewayEnableSubscription:
	default:
		return &billing.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type: %s", job.Type)}
	}
	f, err := job.FollowUp()
	if err != nil {
		return &billing.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if q.executor == nil {
		return errors.New("no follow-up executor configured")
	}
	return q.executor.ExecuteFollowUp(ctx, f)
}

// retryable treats everything except validation errors and permanent gateway
// rejections as worth another attempt.
func retryable(err error) bool {
	var ge *billing.GatewayError
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return !billing.IsValidation(err)
}

// PromoteDue moves retries whose delay has elapsed back onto the queue.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.clock.Now().UnixNano(), 10)
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			// Another instance promoted it first.
			continue
		}
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStuck requeues jobs that stayed in processing longer than maxAge.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := q.clock.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Recovery read error for %s: %v", id, err)
			}
			q.removeFromProcessing(ctx, id)
			continue
		}
		if job.Status != JobStatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		q.removeFromProcessing(ctx, id)
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// QueueStats is a snapshot of the follow-up queue.
type QueueStats struct {
	Pending    int64               `json:"pending"`
	Processing int64               `json:"processing"`
	Delayed    int64               `json:"delayed"`
	ByStatus   map[JobStatus]int64 `json:"by_status"`
}

// Stats collects queue sizes and the per-status counters.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	var (
		out QueueStats
		err error
	)
	if out.Pending, err = q.GetQueueSize(ctx); err != nil {
		return nil, err
	}
	if out.Processing, err = q.GetProcessingSize(ctx); err != nil {
		return nil, err
	}
	if out.Delayed, err = q.GetDelayedSize(ctx); err != nil {
		return nil, err
	}
	if out.ByStatus, err = q.GetJobStats(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}
