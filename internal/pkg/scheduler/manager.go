package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/cache"
	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	lockKey          = "reelboard:sweep:lock"
	pendingSpec      = "@every 15m"
	defaultBatchSize = 200
)

// UserFinder lists users whose plan or trial lapsed before now. A non-nil
// since restricts the scan to expiries at or after since.
type UserFinder interface {
	ListLapsedUserIDs(ctx context.Context, now time.Time, since *time.Time, afterID uint, limit int) ([]uint, error)
}

// Downgrader re-checks expiry under the user lock and downgrades.
type Downgrader interface {
	DowngradeIfExpired(ctx context.Context, userID uint) (bool, error)
}

type PendingExpirer interface {
	ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Notifier is told about downgrades made by the sweep.
type Notifier interface {
	NotifyDowngrade(ctx context.Context, userID uint) error
}

// Locker is the cross-process sweep lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

type Options struct {
	DailySpec  string
	HourlySpec string
	BatchSize  int
	LockTTL    time.Duration
	PendingTTL time.Duration
}

// Sweep kinds. The hourly pass only looks at expiries of the current UTC day.
const (
	SweepDaily  = "daily"
	SweepHourly = "hourly"
)

type SweepResult struct {
	Kind       string
	Scanned    int
	Downgraded int
	Failed     int
	Skipped    bool
}

// Manager runs the expiry sweeps on cron schedules.
type Manager struct {
	users    UserFinder
	engine   Downgrader
	pending  PendingExpirer
	notifier Notifier
	locker   Locker
	opts     Options

	cron    *cron.Cron
	sweepMu sync.Mutex
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

func NewManager(users UserFinder, engine Downgrader, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Manager{users: users, engine: engine, opts: opts, now: time.Now}
}

func (m *Manager) SetLocker(l Locker)                 { m.locker = l }
func (m *Manager) SetNotifier(n Notifier)             { m.notifier = n }
func (m *Manager) SetPendingExpirer(p PendingExpirer) { m.pending = p }
func (m *Manager) SetClock(now func() time.Time)      { m.now = now }

// Start registers the jobs and starts the cron loop in UTC.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(m.opts.DailySpec, func() { m.runScheduled(SweepDaily) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(m.opts.HourlySpec, func() { m.runScheduled(SweepHourly) }); err != nil {
		return err
	}
	if m.pending != nil && m.opts.PendingTTL > 0 {
		if _, err := c.AddFunc(pendingSpec, m.runPendingCleanup); err != nil {
			return err
		}
	}

	m.cron = c
	m.cron.Start()
	m.running = true
	log.Infof("[Sweeper] Started (daily=%q hourly=%q pending-ttl=%s)", m.opts.DailySpec, m.opts.HourlySpec, m.opts.PendingTTL)
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[Sweeper] Stopping...")
	<-m.cron.Stop().Done()
	m.cron = nil
	m.running = false
	log.Info("[Sweeper] Stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runScheduled(kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LockTTL)
	defer cancel()
	if _, err := m.RunSweep(ctx, kind); err != nil {
		log.Errorf("[Sweeper] %s sweep aborted: %v", kind, err)
	}
}

func (m *Manager) runPendingCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := m.pending.ExpireStalePending(ctx, m.opts.PendingTTL)
	if err != nil {
		log.Errorf("[Sweeper] Stale pending cleanup failed: %v", err)
		return
	}
	if n > 0 {
		log.Infof("[Sweeper] Cancelled %d stale pending payments", n)
	}
}

// RunSweep downgrades every lapsed account. Overlapping runs, in this
// process or another one holding the cache lock, are skipped. One user's
// failure is logged and the batch continues.
func (m *Manager) RunSweep(ctx context.Context, kind string) (SweepResult, error) {
	res := SweepResult{Kind: kind}
	if !m.sweepMu.TryLock() {
		log.Infof("[Sweeper] %s sweep skipped, another run is in progress", kind)
		res.Skipped = true
		return res, nil
	}
	defer m.sweepMu.Unlock()

	if m.locker != nil {
		release, err := m.locker.Acquire(ctx, lockKey, m.opts.LockTTL)
		switch {
		case errors.Is(err, cache.ErrLockHeld):
			log.Infof("[Sweeper] %s sweep skipped, lock held by another instance", kind)
			res.Skipped = true
			return res, nil
		case err != nil:
			log.Warnf("[Sweeper] Distributed lock unavailable, continuing with the local lock: %v", err)
		default:
			defer func() {
				if err := release(context.Background()); err != nil {
					log.Warnf("[Sweeper] Could not release sweep lock: %v", err)
				}
			}()
		}
	}

	now := m.now().UTC()
	var since *time.Time
	if kind == SweepHourly {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		since = &start
	}

	var afterID uint
	for {
		ids, err := m.users.ListLapsedUserIDs(ctx, now, since, afterID, m.opts.BatchSize)
		if err != nil {
			return res, err
		}
		for _, id := range ids {
			afterID = id
			res.Scanned++
			changed, err := m.engine.DowngradeIfExpired(ctx, id)
			if err != nil {
				res.Failed++
				log.Errorf("[Sweeper] Downgrade of user %d failed: %v", id, err)
				continue
			}
			if !changed {
				continue
			}
			res.Downgraded++
			if m.notifier != nil {
				if err := m.notifier.NotifyDowngrade(ctx, id); err != nil {
					log.Warnf("[Sweeper] Could not notify user %d: %v", id, err)
				}
			}
		}
		if len(ids) < m.opts.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	log.Infof("[Sweeper] %s sweep done: scanned=%d downgraded=%d failed=%d", kind, res.Scanned, res.Downgraded, res.Failed)
	return res, nil
}
