package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/vestra/internal/telemetry"
)

const defaultTickInterval = time.Second

// Schedule — периодический запуск flow на стартовом узле.
type Schedule struct {
	Name        string
	StartNodeID string
	CronExpr    string
	Interval    time.Duration
	Timezone    string
}

// FlowStarter создаёт запуск flow.
type FlowStarter interface {
	StartFlow(ctx context.Context, name, startNodeID string) (int64, error)
}

// Leader решает, какой процесс запускает расписания.
// Несколько оркестраторов с общим хранилищем не должны дублировать запуски.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules []Schedule
	Starter   FlowStarter

	// Leader (опционально): без него процесс всегда лидер
	Leader Leader

	// TickInterval — интервал проверки (default: 1s)
	TickInterval time.Duration

	// Now — источник времени (default: time.Now)
	Now func() time.Time

	Logger *slog.Logger
}

type entry struct {
	sched   Schedule
	nextDue time.Time
}

// Scheduler запускает flow по расписанию.
type Scheduler struct {
	starter      FlowStarter
	leader       Leader
	tickInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*entry
}

// New проверяет расписания и вычисляет первое время запуска.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, fmt.Errorf("scheduler: starter is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		starter:      cfg.Starter,
		leader:       cfg.Leader,
		tickInterval: cfg.TickInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}

	now := cfg.Now()
	for _, sched := range cfg.Schedules {
		if sched.Name == "" {
			sched.Name = sched.StartNodeID
		}
		if sched.CronExpr != "" {
			if err := ValidateCronExpr(sched.CronExpr); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", sched.Name, err)
			}
		}
		next, err := NextDue(sched, now)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sched.Name, err)
		}
		s.entries = append(s.entries, &entry{sched: sched, nextDue: next})
	}

	return s, nil
}

// Len возвращает количество расписаний.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextDue возвращает ближайшее время запуска по имени расписания.
func (s *Scheduler) NextDue(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.sched.Name == name {
			return e.nextDue, true
		}
	}
	return time.Time{}, false
}

// Run выполняет Tick до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Len() == 0 {
		return nil
	}

	s.logger.Info("scheduler started", "schedules", s.Len(), "tick_interval", s.tickInterval)

	tk := time.NewTicker(s.tickInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if s.leader != nil {
				ok, err := s.leader.TryLead(ctx)
				if err != nil {
					s.logger.Warn("leader check failed", "error", err)
					continue
				}
				if !ok {
					// не лидер, пропускаем тик
					continue
				}
			}
			s.Tick(ctx)
		}
	}
}

// Tick запускает все расписания, время которых наступило.
//
// Пропущенные запуски не догоняются: следующее время считается от now.
// Ошибка одного расписания не блокирует остальные.
// Возвращает количество созданных запусков.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextDue.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].nextDue.Before(due[j].nextDue) })

	var created int
	for _, e := range due {
		if s.fire(ctx, e, now) {
			created++
		}
	}

	if len(due) > 0 {
		s.logger.Info("scheduler tick completed", "due", len(due), "runs_created", created)
	}
	return created
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	id, err := s.starter.StartFlow(ctx, e.sched.Name, e.sched.StartNodeID)
	if err != nil {
		telemetry.ScheduledStarts.WithLabelValues(e.sched.Name, "error").Inc()
		s.logger.Error("failed to start scheduled flow",
			"schedule", e.sched.Name,
			"start_node_id", e.sched.StartNodeID,
			"error", err,
		)
	} else {
		telemetry.ScheduledStarts.WithLabelValues(e.sched.Name, "ok").Inc()
		s.logger.Info("started flow from schedule",
			"schedule", e.sched.Name,
			"flow_run_id", id,
		)
	}

	next, nextErr := NextDue(e.sched, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if nextErr != nil {
		// New уже проверил расписание, сюда попадаем только при сбое tzdata
		s.logger.Error("failed to calculate next due", "schedule", e.sched.Name, "error", nextErr)
		e.nextDue = now.Add(time.Hour)
	} else {
		e.nextDue = next
	}
	return err == nil
}
