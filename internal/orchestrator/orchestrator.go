package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/notify"
)

// Default configuration values.
const (
	defaultPollInterval     = 5 * time.Second
	defaultDispatchInterval = 5 * time.Second
	defaultMinBackoff       = 100 * time.Millisecond
)

// Orchestrator выполняет узлы flow.
//
// Orchestrator — центральный компонент системы, который:
//   - Создаёт запуски flow
//   - Проверяет порядок вызова узлов по графу
//   - Ставит попытки в очереди приборов и ждёт захвата
//   - Захватывает места для планшетов и вызывает операции приборов
//   - Фиксирует результат в хранилище
type Orchestrator struct {
	// Зависимости
	ledger   *ledger.Ledger
	graph    *flowgraph.Holder
	registry *instrument.Registry
	hub      *notify.Hub
	events   EventPublisher

	locks  *LockManager
	waiter waiter

	// flowGate сериализует разбор порядка и смену статусов внутри одного запуска
	flowGate keyedMutex

	// inflight — выполняемые попытки по id; повторный вызов присоединяется
	inflight singleflight.Group

	// dispatchMu сериализует выдачу захватов и снятие попытки с прибора
	dispatchMu sync.Mutex

	// Configuration
	pollInterval     time.Duration
	dispatchInterval time.Duration

	// Lifecycle
	logger     *slog.Logger
	lifeCancel context.CancelFunc
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Хранилище
	Ledger *ledger.Ledger

	// Активный граф flow
	Graph *flowgraph.Holder

	// Реестр приборов
	Registry *instrument.Registry

	// Hub пробуждений (default: новый Hub)
	Hub *notify.Hub

	// Events — публикация событий жизненного цикла (опционально)
	Events EventPublisher

	// PollInterval — верхняя граница ожидания между проверками (default: 5s)
	PollInterval time.Duration

	// DispatchInterval — интервал цикла dispatcher (default: 5s)
	DispatchInterval time.Duration

	// MinBackoff — первая пауза ожидания (default: 100ms)
	MinBackoff time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	dispatchInterval := cfg.DispatchInterval
	if dispatchInterval <= 0 {
		dispatchInterval = defaultDispatchInterval
	}

	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if minBackoff > pollInterval {
		minBackoff = pollInterval
	}

	hub := cfg.Hub
	if hub == nil {
		hub = notify.New()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	life, lifeCancel := context.WithCancel(context.Background())
	w := waiter{hub: hub, min: minBackoff, max: pollInterval, done: life.Done()}

	return &Orchestrator{
		ledger:           cfg.Ledger,
		graph:            cfg.Graph,
		registry:         cfg.Registry,
		hub:              hub,
		events:           cfg.Events,
		locks:            NewLockManager(cfg.Ledger.PlateLocations, w),
		waiter:           w,
		pollInterval:     pollInterval,
		dispatchInterval: dispatchInterval,
		logger:           logger,
		lifeCancel:       lifeCancel,
	}
}

// Start запускает dispatcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"dispatch_interval", o.dispatchInterval,
		"instruments", len(o.registry.Entries()),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatchLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
//
// RunNode в ожидании захвата получают ErrOrchestratorStopped.
// Уже начатые операции приборов дорабатывают.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.lifeCancel()

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// Hub возвращает hub пробуждений.
func (o *Orchestrator) Hub() *notify.Hub {
	return o.hub
}

// StartFlow создаёт запуск flow на стартовом узле.
func (o *Orchestrator) StartFlow(ctx context.Context, name, startNodeID string) (int64, error) {
	if o.IsStopped() {
		return 0, ErrOrchestratorStopped
	}

	g := o.graph.Load()
	if g == nil {
		return 0, ErrGraphNotLoaded
	}
	if !g.Has(startNodeID) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, startNodeID)
	}

	fr, err := o.ledger.FlowRuns.Create(ctx, name, startNodeID)
	if err != nil {
		return 0, fmt.Errorf("create flow run: %w", err)
	}

	o.logger.Info("flow run started",
		"flow_run_id", fr.ID,
		"name", name,
		"start_node_id", startNodeID,
	)
	o.emit(ctx, Event{Type: EventFlowStarted, FlowRunID: fr.ID, NodeID: startNodeID, Status: fr.Status})

	return fr.ID, nil
}

// PauseFlow ставит запуск на паузу. RunNode отклоняет вызовы до ResumeFlow,
// попытки в очереди снимаются с приборов. Уже начатая операция дорабатывает
// и фиксирует результат.
func (o *Orchestrator) PauseFlow(ctx context.Context, flowRunID int64) error {
	unlock := o.flowGate.Lock(flowRunID)
	defer unlock()

	return o.setFlowStatus(ctx, flowRunID, domain.StatusPaused)
}

// ResumeFlow снимает запуск с паузы. Если последний узел успел
// завершиться на паузе, запуск завершается.
func (o *Orchestrator) ResumeFlow(ctx context.Context, flowRunID int64) error {
	unlock := o.flowGate.Lock(flowRunID)
	defer unlock()

	fr, err := o.fetchFlowRun(ctx, flowRunID)
	if err != nil {
		return err
	}
	if fr.Status == domain.StatusPaused && o.finishedWhilePaused(ctx, fr) {
		return o.setFlowStatus(ctx, flowRunID, domain.StatusCompleted)
	}
	return o.setFlowStatus(ctx, flowRunID, domain.StatusInProgress)
}

// FailFlow помечает запуск и все его незавершённые попытки как failed.
//
// Места, занятые этими попытками, остаются занятыми: следующие узлы
// получат ErrPredecessorFailed, пока оператор не освободит их.
func (o *Orchestrator) FailFlow(ctx context.Context, flowRunID int64) error {
	unlock := o.flowGate.Lock(flowRunID)
	defer unlock()

	if err := o.setFlowStatus(ctx, flowRunID, domain.StatusFailed); err != nil {
		return err
	}

	runs, err := o.ledger.NodeRuns.ListByFlowRun(ctx, flowRunID)
	if err != nil {
		return fmt.Errorf("list node runs: %w", err)
	}
	for _, nr := range runs {
		if nr.IsCompleted() || nr.Status == domain.StatusFailed {
			continue
		}
		if err := o.ledger.NodeRuns.SetStatus(ctx, nr.ID, domain.StatusFailed); err != nil {
			return fmt.Errorf("fail node run %d: %w", nr.ID, err)
		}
	}

	o.hub.Notify()
	return nil
}

// finishedWhilePaused проверяет, что текущий узел последний и уже выполнен.
func (o *Orchestrator) finishedWhilePaused(ctx context.Context, fr *domain.FlowRun) bool {
	g := o.graph.Load()
	if g == nil {
		return false
	}
	if _, hasNext, err := g.NextStep(fr.CurrentNodeID); err != nil || hasNext {
		return false
	}
	last, err := o.ledger.NodeRuns.FetchLatest(ctx, fr.ID, fr.CurrentNodeID)
	return err == nil && last.IsCompleted()
}

// setFlowStatus меняет статус запуска, не меняя позицию.
// Вызывается под flowGate запуска.
func (o *Orchestrator) setFlowStatus(ctx context.Context, flowRunID int64, status domain.Status) error {
	fr, err := o.fetchFlowRun(ctx, flowRunID)
	if err != nil {
		return err
	}
	if fr.IsFinished() {
		return fmt.Errorf("%w: %d is %s", ErrFlowFinished, flowRunID, fr.Status)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	if err := o.ledger.FlowRuns.UpdateCurrentNode(ctx, flowRunID, fr.CurrentNodeID, status); err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}

	o.logger.Info("flow run status changed by operator",
		"flow_run_id", flowRunID,
		"from", fr.Status,
		"to", status,
	)
	o.emit(ctx, Event{Type: EventFlowStatus, FlowRunID: flowRunID, NodeID: fr.CurrentNodeID, Status: status})
	return nil
}

func (o *Orchestrator) fetchFlowRun(ctx context.Context, id int64) (*domain.FlowRun, error) {
	fr, err := o.ledger.FlowRuns.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrFlowRunNotFound, id)
		}
		return nil, fmt.Errorf("fetch flow run: %w", err)
	}
	return fr, nil
}

// keyedMutex — мьютекс на ключ; запись удаляется, когда ключ никто не держит.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
