package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/telemetry"
)

// Entry — зарегистрированный прибор.
type Entry struct {
	Instrument domain.Instrument
	Connector  Connector

	ops       map[string]Operation
	queue     *Queue
	connected atomic.Bool
}

// Connected возвращает true, если соединение установлено.
func (e *Entry) Connected() bool {
	return e.connected.Load()
}

// Operation возвращает операцию по имени.
func (e *Entry) Operation(name string) (Operation, error) {
	op, ok := e.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, e.Instrument.Name, name)
	}
	return op, nil
}

// OperationNames возвращает имена операций прибора по алфавиту.
func (e *Entry) OperationNames() []string {
	names := make([]string, 0, len(e.ops))
	for name := range e.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue возвращает очередь прибора.
func (e *Entry) Queue() *Queue {
	return e.queue
}

// RegistryConfig — конфигурация реестра.
type RegistryConfig struct {
	// Factories — фабрики коннекторов по типу прибора.
	Factories map[string]Factory

	Logger *slog.Logger
}

// Registry — реестр приборов и их очередей.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[int64]*Entry
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	factories := make(map[string]Factory, len(cfg.Factories))
	for t, f := range cfg.Factories {
		factories[t] = f
	}

	return &Registry{
		factories: factories,
		logger:    cfg.Logger,
		entries:   make(map[int64]*Entry),
	}
}

// Load регистрирует все включённые приборы из хранилища.
//
// Прибор, для которого не удалось создать коннектор, пропускается с ошибкой в логе.
// Возвращает количество зарегистрированных приборов.
func (r *Registry) Load(ctx context.Context, store ledger.Instruments) (int, error) {
	list, err := store.FetchAllEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch instruments: %w", err)
	}

	n := 0
	for _, inst := range list {
		if err := r.Register(inst); err != nil {
			r.logger.Error("failed to register instrument",
				"instrument_id", inst.ID,
				"name", inst.Name,
				"type", inst.Type,
				"error", err,
			)
			continue
		}
		n++
	}
	return n, nil
}

// Register создаёт коннектор прибора через фабрику и проверяет его операции.
func (r *Registry) Register(inst domain.Instrument) error {
	factory, ok := r.factories[inst.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, inst.Type)
	}

	conn, err := factory(inst)
	if err != nil {
		return fmt.Errorf("create connector: %w", err)
	}
	return r.Add(inst, conn)
}

// Add регистрирует прибор с готовым коннектором.
func (r *Registry) Add(inst domain.Instrument, conn Connector) error {
	ops := conn.Operations()
	if len(ops) == 0 {
		return fmt.Errorf("%w: %s", ErrNoOperations, inst.Name)
	}

	// Копируем набор: после регистрации он не меняется
	validated := make(map[string]Operation, len(ops))
	for name, op := range ops {
		if name == "" || op == nil {
			return fmt.Errorf("instrument %s: invalid operation %q", inst.Name, name)
		}
		validated[name] = op
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[inst.ID] = &Entry{
		Instrument: inst,
		Connector:  conn,
		ops:        validated,
		queue:      &Queue{},
	}
	telemetry.InstrumentQueueDepth.WithLabelValues(queueLabel(inst)).Set(0)

	r.logger.Info("instrument registered",
		"instrument_id", inst.ID,
		"name", inst.Name,
		"type", inst.Type,
		"operations", len(validated),
	)
	return nil
}

// ConnectAll подключает все приборы параллельно.
//
// Ошибка одного прибора логируется и не мешает остальным.
// Возвращает количество подключённых приборов.
func (r *Registry) ConnectAll(ctx context.Context) int {
	entries := r.Entries()

	var connected atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if err := e.Connector.Connect(gctx); err != nil {
				r.logger.Error("failed to connect instrument",
					"instrument_id", e.Instrument.ID,
					"name", e.Instrument.Name,
					"error", err,
				)
				return nil
			}
			e.connected.Store(true)
			connected.Add(1)
			r.logger.Info("instrument connected",
				"instrument_id", e.Instrument.ID,
				"name", e.Instrument.Name,
			)
			return nil
		})
	}
	_ = g.Wait()

	n := int(connected.Load())
	telemetry.InstrumentsConnected.Set(float64(n))
	return n
}

// Get возвращает прибор по ID.
func (r *Registry) Get(id int64) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInstrument, id)
	}
	return e, nil
}

// Entries возвращает приборы по возрастанию ID.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Instrument.ID < list[j].Instrument.ID })
	return list
}

// Enqueue ставит попытку в очередь прибора.
func (r *Registry) Enqueue(instrumentID, nodeRunID int64) error {
	e, err := r.Get(instrumentID)
	if err != nil {
		return err
	}
	if !e.queue.Push(nodeRunID) {
		return fmt.Errorf("%w: node run %d on instrument %d", ErrAlreadyQueued, nodeRunID, instrumentID)
	}
	r.updateDepth(e)
	return nil
}

// PopHead извлекает голову очереди прибора.
func (r *Registry) PopHead(instrumentID int64) (int64, bool) {
	e, err := r.Get(instrumentID)
	if err != nil {
		return 0, false
	}
	id, ok := e.queue.Pop()
	if ok {
		r.updateDepth(e)
	}
	return id, ok
}

// PushFront возвращает попытку в голову очереди прибора.
func (r *Registry) PushFront(instrumentID, nodeRunID int64) {
	e, err := r.Get(instrumentID)
	if err != nil {
		return
	}
	e.queue.PushFront(nodeRunID)
	r.updateDepth(e)
}

// Dequeue убирает попытку из очереди прибора.
func (r *Registry) Dequeue(instrumentID, nodeRunID int64) bool {
	e, err := r.Get(instrumentID)
	if err != nil {
		return false
	}
	ok := e.queue.Remove(nodeRunID)
	if ok {
		r.updateDepth(e)
	}
	return ok
}

// Queues возвращает снимок всех очередей.
func (r *Registry) Queues() map[int64][]int64 {
	snap := make(map[int64][]int64)
	for _, e := range r.Entries() {
		snap[e.Instrument.ID] = e.queue.Snapshot()
	}
	return snap
}

func (r *Registry) updateDepth(e *Entry) {
	telemetry.InstrumentQueueDepth.WithLabelValues(queueLabel(e.Instrument)).Set(float64(e.queue.Len()))
}

func queueLabel(inst domain.Instrument) string {
	if inst.Name != "" {
		return inst.Name
	}
	return strconv.FormatInt(inst.ID, 10)
}
