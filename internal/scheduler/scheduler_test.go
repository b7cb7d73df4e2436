package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu     sync.Mutex
	starts []string
	err    error
	nextID int64
}

func (f *fakeStarter) StartFlow(_ context.Context, name, startNodeID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.starts = append(f.starts, name+"@"+startNodeID)
	return f.nextID, nil
}

func (f *fakeStarter) Starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedLeader bool

func (l fixedLeader) TryLead(context.Context) (bool, error) { return bool(l), nil }

var epoch = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestNextDue(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		from  time.Time
		want  time.Time
	}{
		{
			name:  "interval",
			sched: Schedule{Interval: 90 * time.Minute},
			from:  epoch,
			want:  epoch.Add(90 * time.Minute),
		},
		{
			name:  "cron utc",
			sched: Schedule{CronExpr: "30 9 * * *"},
			from:  epoch,
			want:  time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		},
		{
			name:  "cron next day",
			sched: Schedule{CronExpr: "0 7 * * *"},
			from:  epoch,
			want:  time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC),
		},
		{
			// 12:00 JST = 03:00 UTC, сегодняшний уже прошёл
			name:  "cron in timezone",
			sched: Schedule{CronExpr: "0 12 * * *", Timezone: "Asia/Tokyo"},
			from:  epoch,
			want:  time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name:  "descriptor",
			sched: Schedule{CronExpr: "@hourly"},
			from:  epoch.Add(10 * time.Minute),
			want:  epoch.Add(time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDue(tt.sched, tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDue_Errors(t *testing.T) {
	_, err := NextDue(Schedule{Name: "empty"}, epoch)
	assert.Error(t, err)

	_, err = NextDue(Schedule{CronExpr: "* * * * *", Timezone: "Mars/Olympus"}, epoch)
	assert.Error(t, err)

	assert.Error(t, ValidateCronExpr("not a cron"))
	assert.NoError(t, ValidateCronExpr("*/5 * * * *"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "starter is required")

	_, err = New(Config{
		Starter:   &fakeStarter{},
		Schedules: []Schedule{{StartNodeID: "peel", CronExpr: "61 * * * *"}},
	})
	assert.Error(t, err)

	s, err := New(Config{
		Starter:   &fakeStarter{},
		Schedules: []Schedule{{StartNodeID: "peel", Interval: time.Hour}},
		Now:       func() time.Time { return epoch },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	// Имя по умолчанию — стартовый узел
	next, ok := s.NextDue("peel")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), next)
}

func TestTick_StartsDueSchedules(t *testing.T) {
	clock := &fakeClock{now: epoch}
	starter := &fakeStarter{}

	s, err := New(Config{
		Starter: starter,
		Schedules: []Schedule{
			{Name: "fast", StartNodeID: "peel", Interval: 10 * time.Minute},
			{Name: "slow", StartNodeID: "seal", Interval: time.Hour},
		},
		Now: clock.Now,
	})
	require.NoError(t, err)

	assert.Zero(t, s.Tick(context.Background()))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, []string{"fast@peel"}, starter.Starts())

	next, _ := s.NextDue("fast")
	assert.Equal(t, epoch.Add(20*time.Minute), next)

	// Пропущенные запуски не догоняются
	clock.Advance(3 * time.Hour)
	assert.Equal(t, 2, s.Tick(context.Background()))
	assert.Equal(t, []string{"fast@peel", "fast@peel", "slow@seal"}, starter.Starts())

	next, _ = s.NextDue("fast")
	assert.Equal(t, clock.Now().Add(10*time.Minute), next)
}

func TestTick_StartErrorAdvancesSchedule(t *testing.T) {
	clock := &fakeClock{now: epoch}
	starter := &fakeStarter{err: errors.New("flow graph not loaded")}

	s, err := New(Config{
		Starter:   starter,
		Schedules: []Schedule{{Name: "nightly", StartNodeID: "peel", Interval: time.Hour}},
		Now:       clock.Now,
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Zero(t, s.Tick(context.Background()))

	next, _ := s.NextDue("nightly")
	assert.Equal(t, epoch.Add(2*time.Hour), next)
}

func TestRun_FollowerSkipsTicks(t *testing.T) {
	clock := &fakeClock{now: epoch}
	starter := &fakeStarter{}

	s, err := New(Config{
		Starter:      starter,
		Leader:       fixedLeader(false),
		Schedules:    []Schedule{{Name: "x", StartNodeID: "peel", Interval: time.Minute}},
		TickInterval: 5 * time.Millisecond,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Empty(t, starter.Starts())
}

func TestRun_LeaderStartsFlows(t *testing.T) {
	clock := &fakeClock{now: epoch}
	starter := &fakeStarter{}

	s, err := New(Config{
		Starter:      starter,
		Leader:       fixedLeader(true),
		Schedules:    []Schedule{{Name: "x", StartNodeID: "peel", Interval: time.Minute}},
		TickInterval: 5 * time.Millisecond,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(starter.Starts()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	// Время не сдвигалось: запуск ровно один
	assert.Len(t, starter.Starts(), 1)
}

func TestRun_NoSchedulesReturnsImmediately(t *testing.T) {
	s, err := New(Config{Starter: &fakeStarter{}})
	require.NoError(t, err)
	assert.NoError(t, s.Run(context.Background()))
}
