package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

type fakeUsers struct {
	mu      sync.Mutex
	expires map[uint]time.Time
	calls   int
}

func (f *fakeUsers) ListLapsedUserIDs(ctx context.Context, at time.Time, since *time.Time, afterID uint, limit int) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var ids []uint
	for id, exp := range f.expires {
		if id <= afterID || !exp.Before(at) {
			continue
		}
		if since != nil && exp.Before(*since) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	users   *fakeUsers
	failFor map[uint]bool
	block   chan struct{}
	entered chan struct{}
	touched []uint
}

func (e *fakeEngine) DowngradeIfExpired(ctx context.Context, userID uint) (bool, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touched = append(e.touched, userID)
	if e.failFor[userID] {
		return false, errors.New("db timeout")
	}
	e.users.mu.Lock()
	defer e.users.mu.Unlock()
	delete(e.users.expires, userID)
	return true, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []uint
}

func (n *recordingNotifier) NotifyDowngrade(ctx context.Context, userID uint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, userID)
	return nil
}

type heldLocker struct{}

func (heldLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	return nil, cache.ErrLockHeld
}

type brokenLocker struct{}

func (brokenLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	return nil, errors.New("connection refused")
}

func newTestManager(expires map[uint]time.Time, batch int) (*Manager, *fakeUsers, *fakeEngine) {
	users := &fakeUsers{expires: expires}
	engine := &fakeEngine{users: users, failFor: map[uint]bool{}}
	m := NewManager(users, engine, Options{DailySpec: "0 3 * * *", HourlySpec: "0 * * * *", BatchSize: batch})
	m.SetClock(func() time.Time { return now })
	return m, users, engine
}

func TestRunSweepPagesThroughAllLapsedUsers(t *testing.T) {
	expires := map[uint]time.Time{}
	for id := uint(1); id <= 5; id++ {
		expires[id] = now.Add(-time.Duration(id) * time.Hour)
	}
	expires[6] = now.Add(time.Hour)
	m, users, engine := newTestManager(expires, 2)
	n := &recordingNotifier{}
	m.SetNotifier(n)

	res, err := m.RunSweep(context.Background(), SweepDaily)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Downgraded)
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, engine.touched)
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, n.ids)
	assert.Equal(t, 3, users.calls)
	assert.Contains(t, users.expires, uint(6), "unexpired users are left alone")
}

func TestRunSweepContinuesAfterUserError(t *testing.T) {
	m, _, engine := newTestManager(map[uint]time.Time{
		1: now.Add(-time.Hour),
		2: now.Add(-time.Hour),
		3: now.Add(-time.Hour),
	}, 10)
	engine.failFor[2] = true
	n := &recordingNotifier{}
	m.SetNotifier(n)

	res, err := m.RunSweep(context.Background(), SweepDaily)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Downgraded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []uint{1, 3}, n.ids)
}

func TestHourlySweepOnlyCoversToday(t *testing.T) {
	m, _, engine := newTestManager(map[uint]time.Time{
		1: now.Add(-48 * time.Hour),
		2: now.Add(-2 * time.Hour),
	}, 10)

	res, err := m.RunSweep(context.Background(), SweepHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downgraded)
	assert.Equal(t, []uint{2}, engine.touched)
}

func TestRunSweepSkipsOverlappingRun(t *testing.T) {
	m, _, engine := newTestManager(map[uint]time.Time{1: now.Add(-time.Hour)}, 10)
	engine.block = make(chan struct{})
	engine.entered = make(chan struct{})

	done := make(chan SweepResult)
	go func() {
		res, _ := m.RunSweep(context.Background(), SweepDaily)
		done <- res
	}()
	<-engine.entered

	res, err := m.RunSweep(context.Background(), SweepHourly)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(engine.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Downgraded)
}

func TestRunSweepHonoursDistributedLock(t *testing.T) {
	m, _, engine := newTestManager(map[uint]time.Time{1: now.Add(-time.Hour)}, 10)
	m.SetLocker(heldLocker{})

	res, err := m.RunSweep(context.Background(), SweepDaily)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, engine.touched)

	// An unreachable lock backend falls back to the local lock.
	m.SetLocker(brokenLocker{})
	res, err = m.RunSweep(context.Background(), SweepDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downgraded)
}

type countingExpirer struct {
	mu    sync.Mutex
	calls int
	ttl   time.Duration
}

func (c *countingExpirer) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.ttl = olderThan
	return 1, nil
}

func TestManagerStartStop(t *testing.T) {
	m, _, _ := newTestManager(nil, 10)
	assert.False(t, m.IsRunning())

	// Stop without Start is safe.
	m.Stop()
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Start(), "second start is a no-op")
	assert.Len(t, m.cron.Entries(), 2)

	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManagerSchedulesPendingCleanup(t *testing.T) {
	m, _, _ := newTestManager(nil, 10)
	m.opts.PendingTTL = time.Hour
	exp := &countingExpirer{}
	m.SetPendingExpirer(exp)

	require.NoError(t, m.Start())
	defer m.Stop()
	assert.Len(t, m.cron.Entries(), 3)

	m.runPendingCleanup()
	assert.Equal(t, 1, exp.calls)
	assert.Equal(t, time.Hour, exp.ttl)
}

func TestManagerRejectsBadSpec(t *testing.T) {
	users := &fakeUsers{}
	m := NewManager(users, &fakeEngine{users: users}, Options{DailySpec: "not a spec", HourlySpec: "0 * * * *"})
	assert.Error(t, m.Start())
	assert.False(t, m.IsRunning())
}
