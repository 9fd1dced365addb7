package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/billing"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/cache"
)

const (
	SweepLockKey = "lock:billing:lifecycle_sweep"
	RetryLockKey = "lock:billing:webhook_retry"
)

// ErrLocked is returned by the Run*Once helpers when another instance holds
// the overlap guard.
var ErrLocked = errors.New("task is already running on another instance")

// Sweeper runs one lifecycle pass.
type Sweeper interface {
	RunSweep(ctx context.Context) (billing.SweepResult, error)
}

// Retrier runs one webhook retry pass.
type Retrier interface {
	RetryFailed(ctx context.Context) (billing.RetryResult, error)
}

// Locker is a best-effort cross-instance mutex.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type cacheLocker struct{}

func (cacheLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return cache.TryLock(ctx, key, token, ttl)
}

func (cacheLocker) Unlock(ctx context.Context, key, token string) error {
	return cache.Unlock(ctx, key, token)
}

// CacheLocker returns a Locker backed by the shared Redis cache client.
func CacheLocker() Locker {
	return cacheLocker{}
}

// ManagerOptions wires the manager. Queue and Locker are optional.
type ManagerOptions struct {
	Queue         *Queue
	Sweeper       Sweeper
	Retrier       Retrier
	Locker        Locker
	Clock         clockwork.Clock
	SweepInterval time.Duration
	RetryInterval time.Duration
}

// Manager runs the follow-up queue and the periodic billing tasks
type Manager struct {
	queue         *Queue
	sweeper       Sweeper
	retrier       Retrier
	locker        Locker
	clock         clockwork.Clock
	sweepInterval time.Duration
	retryInterval time.Duration
	token         string
	stopCh        chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a stopped manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = billing.DefaultSweepInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = billing.DefaultWebhookRetryInterval
	}
	return &Manager{
		queue:         opts.Queue,
		sweeper:       opts.Sweeper,
		retrier:       opts.Retrier,
		locker:        opts.Locker,
		clock:         opts.Clock,
		sweepInterval: opts.SweepInterval,
		retryInterval: opts.RetryInterval,
		token:         uuid.New().String(),
	}
}

// GetQueue returns the managed job queue, or nil without Redis.
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	if m.sweeper != nil {
		m.wg.Add(1)
		go m.tickerWorker(ctx, "lifecycle sweep", m.sweepInterval, m.sweepOnce)
	}
	if m.retrier != nil {
		m.wg.Add(1)
		go m.tickerWorker(ctx, "webhook retry", m.retryInterval, m.retryOnce)
	}

	log.Infof("[Manager] Started (sweep every %s, webhook retry every %s)", m.sweepInterval, m.retryInterval)
}

// Stop stops the job queue and background tasks. An in-flight pass is
// cancelled through its context; each row runs in its own transaction so a
// cancelled pass leaves no partial row behind.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Manager] Stopping job queue and background tasks...")
	close(m.stopCh)
	m.cancel()
	m.running = false
	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}
	log.Info("[Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) tickerWorker(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	log.Infof("[Manager] Started %s worker (interval: %s)", name, interval)

	for {
		select {
		case <-m.stopCh:
			log.Infof("[Manager] %s worker stopping", name)
			return
		case <-ticker.Chan():
			if err := run(ctx); err != nil {
				switch {
				case errors.Is(err, ErrLocked):
					log.Debugf("[Manager] Skipping %s, held by another instance", name)
				case ctx.Err() != nil:
				default:
					log.Errorf("[Manager] %s failed: %v", name, err)
				}
			}
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) error {
	_, err := m.RunSweepOnce(ctx)
	return err
}

func (m *Manager) retryOnce(ctx context.Context) error {
	_, err := m.RunRetryOnce(ctx)
	return err
}

// RunSweepOnce runs one guarded lifecycle sweep.
func (m *Manager) RunSweepOnce(ctx context.Context) (billing.SweepResult, error) {
	var result billing.SweepResult
	err := m.guarded(ctx, SweepLockKey, m.sweepInterval, func(ctx context.Context) error {
		var err error
		result, err = m.sweeper.RunSweep(ctx)
		return err
	})
	return result, err
}

// RunRetryOnce runs one guarded webhook retry pass.
func (m *Manager) RunRetryOnce(ctx context.Context) (billing.RetryResult, error) {
	var result billing.RetryResult
	err := m.guarded(ctx, RetryLockKey, m.retryInterval, func(ctx context.Context) error {
		var err error
		result, err = m.retrier.RetryFailed(ctx)
		return err
	})
	return result, err
}

// guarded skips fn while another instance holds key. A lock backend failure
// does not block the run; the store transactions keep concurrent passes safe.
func (m *Manager) guarded(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if m.locker == nil {
		return fn(ctx)
	}
	ok, err := m.locker.TryLock(ctx, key, m.token, ttl)
	if err != nil {
		log.Warnf("[Manager] Overlap guard %s unavailable: %v", key, err)
		return fn(ctx)
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		if err := m.locker.Unlock(context.Background(), key, m.token); err != nil {
			log.Warnf("[Manager] Failed to release %s: %v", key, err)
		}
	}()
	return fn(ctx)
}
