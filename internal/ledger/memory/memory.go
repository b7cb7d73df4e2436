// Package memory — хранилище оркестратора в памяти процесса.
//
// Используется с ledger.driver=memory (стенд без PostgreSQL) и в тестах.
// Все операции выполняются под одной блокировкой, поэтому условные
// захваты атомарны так же, как транзакции в internal/repo.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
)

// Store — состояние хранилища.
type Store struct {
	mu sync.Mutex

	flowRuns    map[int64]*domain.FlowRun
	nodeRuns    map[int64]*domain.NodeRun
	instruments map[int64]*domain.Instrument
	locations   map[string]*domain.PlateLocation

	nextFlowRunID int64
	nextNodeRunID int64

	now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		flowRuns:    make(map[int64]*domain.FlowRun),
		nodeRuns:    make(map[int64]*domain.NodeRun),
		instruments: make(map[int64]*domain.Instrument),
		locations:   make(map[string]*domain.PlateLocation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ledger возвращает хранилище в виде набора интерфейсов.
func (s *Store) Ledger() *ledger.Ledger {
	return &ledger.Ledger{
		FlowRuns:       flowRuns{s},
		NodeRuns:       nodeRuns{s},
		Instruments:    instruments{s},
		PlateLocations: plateLocations{s},
	}
}

// AddInstrument регистрирует прибор (приборы заводятся вне оркестратора).
func (s *Store) AddInstrument(inst domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := inst
	cp.InUseBy = copyID(inst.InUseBy)
	s.instruments[inst.ID] = &cp
}

// AddPlateLocation регистрирует место для планшета.
func (s *Store) AddPlateLocation(loc domain.PlateLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := loc
	cp.InUseBy = copyID(loc.InUseBy)
	s.locations[loc.ID] = &cp
}

// NodeRunCount возвращает количество попыток по запуску.
func (s *Store) NodeRunCount(flowRunID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, nr := range s.nodeRuns {
		if nr.FlowRunID == flowRunID {
			n++
		}
	}
	return n
}

// holderCompleted проверяет, что владелец отсутствует или завершён.
// Вызывается под s.mu.
func (s *Store) holderCompleted(holder *int64) bool {
	if s.holderGone(holder) {
		return true
	}
	return s.nodeRuns[*holder].Status == domain.StatusCompleted
}

// holderGone проверяет, что владельца нет: захват пуст или попытки
// с таким id не существует. Такой захват считается свободным везде.
// Вызывается под s.mu.
func (s *Store) holderGone(holder *int64) bool {
	if holder == nil {
		return true
	}
	_, ok := s.nodeRuns[*holder]
	return !ok
}

// --- FlowRuns ---

type flowRuns struct{ s *Store }

func (r flowRuns) Fetch(_ context.Context, id int64) (*domain.FlowRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	fr, ok := r.s.flowRuns[id]
	if !ok {
		return nil, fmt.Errorf("flow run %d: %w", id, ledger.ErrNotFound)
	}
	cp := *fr
	return &cp, nil
}

func (r flowRuns) Create(_ context.Context, name, startNodeID string) (*domain.FlowRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.nextFlowRunID++
	fr := &domain.FlowRun{
		ID:            r.s.nextFlowRunID,
		Name:          name,
		StartNodeID:   startNodeID,
		CurrentNodeID: startNodeID,
		StartedAt:     r.s.now(),
		Status:        domain.StatusInProgress,
	}
	r.s.flowRuns[fr.ID] = fr

	cp := *fr
	return &cp, nil
}

func (r flowRuns) UpdateCurrentNode(_ context.Context, id int64, nodeID string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidStatus, status)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	fr, ok := r.s.flowRuns[id]
	if !ok {
		return fmt.Errorf("flow run %d: %w", id, ledger.ErrNotFound)
	}
	fr.CurrentNodeID = nodeID
	fr.Status = status
	return nil
}

func (r flowRuns) List(_ context.Context, filter ledger.FlowRunFilter) ([]domain.FlowRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	runs := make([]domain.FlowRun, 0, len(r.s.flowRuns))
	for _, fr := range r.s.flowRuns {
		if filter.Status != "" && fr.Status != filter.Status {
			continue
		}
		runs = append(runs, *fr)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// --- NodeRuns ---

type nodeRuns struct{ s *Store }

func (r nodeRuns) Fetch(_ context.Context, id int64) (*domain.NodeRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nr, ok := r.s.nodeRuns[id]
	if !ok {
		return nil, fmt.Errorf("node run %d: %w", id, ledger.ErrNotFound)
	}
	return copyNodeRun(nr), nil
}

func (r nodeRuns) FetchLatest(_ context.Context, flowRunID int64, nodeID string) (*domain.NodeRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *domain.NodeRun
	for _, nr := range r.s.nodeRuns {
		if nr.FlowRunID != flowRunID || nr.NodeID != nodeID {
			continue
		}
		if latest == nil || nr.ID > latest.ID {
			latest = nr
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("node run %d/%s: %w", flowRunID, nodeID, ledger.ErrNotFound)
	}
	return copyNodeRun(latest), nil
}

func (r nodeRuns) Create(_ context.Context, flowRunID int64, nodeID string, input map[string]any) (*domain.NodeRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.flowRuns[flowRunID]; !ok {
		return nil, fmt.Errorf("flow run %d: %w", flowRunID, ledger.ErrNotFound)
	}

	r.s.nextNodeRunID++
	nr := &domain.NodeRun{
		ID:        r.s.nextNodeRunID,
		FlowRunID: flowRunID,
		NodeID:    nodeID,
		InputData: maps.Clone(input),
		StartedAt: r.s.now(),
		Status:    domain.StatusWaiting,
	}
	r.s.nodeRuns[nr.ID] = nr

	return copyNodeRun(nr), nil
}

func (r nodeRuns) SetStatus(_ context.Context, id int64, status domain.Status) error {
	if status == domain.StatusCompleted {
		return ledger.ErrCompletedViaSetStatus
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidStatus, status)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nr, ok := r.s.nodeRuns[id]
	if !ok {
		return fmt.Errorf("node run %d: %w", id, ledger.ErrNotFound)
	}
	nr.Status = status
	return nil
}

func (r nodeRuns) Complete(_ context.Context, id int64, output map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nr, ok := r.s.nodeRuns[id]
	if !ok {
		return fmt.Errorf("node run %d: %w", id, ledger.ErrNotFound)
	}
	now := r.s.now()
	nr.OutputData = maps.Clone(output)
	nr.FinishedAt = &now
	nr.Status = domain.StatusCompleted
	return nil
}

func (r nodeRuns) ListByFlowRun(_ context.Context, flowRunID int64) ([]domain.NodeRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var runs []domain.NodeRun
	for _, nr := range r.s.nodeRuns {
		if nr.FlowRunID == flowRunID {
			runs = append(runs, *copyNodeRun(nr))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// --- Instruments ---

type instruments struct{ s *Store }

func (r instruments) Fetch(_ context.Context, id int64) (*domain.Instrument, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inst, ok := r.s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %d: %w", id, ledger.ErrNotFound)
	}
	return copyInstrument(inst), nil
}

func (r instruments) FetchAllEnabled(_ context.Context) ([]domain.Instrument, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var list []domain.Instrument
	for _, inst := range r.s.instruments {
		if inst.Enabled {
			list = append(list, *copyInstrument(inst))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r instruments) SetClaim(_ context.Context, id int64, nodeRunID *int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inst, ok := r.s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %d: %w", id, ledger.ErrNotFound)
	}
	inst.InUseBy = copyID(nodeRunID)
	return nil
}

func (r instruments) ClaimIfFree(_ context.Context, id, nodeRunID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inst, ok := r.s.instruments[id]
	if !ok {
		return false, fmt.Errorf("instrument %d: %w", id, ledger.ErrNotFound)
	}
	if inst.InUseBy != nil && *inst.InUseBy == nodeRunID {
		return true, nil
	}
	if !r.s.holderCompleted(inst.InUseBy) {
		return false, nil
	}
	inst.InUseBy = &nodeRunID
	return true, nil
}

// --- PlateLocations ---

type plateLocations struct{ s *Store }

func (r plateLocations) FetchByIDs(_ context.Context, ids []string) ([]domain.PlateLocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	list := make([]domain.PlateLocation, 0, len(ids))
	for _, id := range ids {
		loc, ok := r.s.locations[id]
		if !ok {
			return nil, fmt.Errorf("plate location %s: %w", id, ledger.ErrNotFound)
		}
		list = append(list, *copyLocation(loc))
	}
	return list, nil
}

func (r plateLocations) FetchByInstrument(_ context.Context, instrumentID int64) ([]domain.PlateLocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var list []domain.PlateLocation
	for _, loc := range r.s.locations {
		if loc.InstrumentID != nil && *loc.InstrumentID == instrumentID {
			list = append(list, *copyLocation(loc))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r plateLocations) SetClaim(_ context.Context, id string, nodeRunID *int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	loc, ok := r.s.locations[id]
	if !ok {
		return fmt.Errorf("plate location %s: %w", id, ledger.ErrNotFound)
	}
	loc.InUseBy = copyID(nodeRunID)
	return nil
}

func (r plateLocations) ClaimHolder(_ context.Context, id string) (*domain.NodeRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	loc, ok := r.s.locations[id]
	if !ok {
		return nil, fmt.Errorf("plate location %s: %w", id, ledger.ErrNotFound)
	}
	if loc.InUseBy == nil {
		return nil, nil
	}
	nr, ok := r.s.nodeRuns[*loc.InUseBy]
	if !ok {
		return nil, nil
	}
	return copyNodeRun(nr), nil
}

func (r plateLocations) ClaimIfFree(_ context.Context, sources, destinations []string, nodeRunID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// Сначала проверяем все места, затем пишем
	check := func(ids []string, source bool) (bool, error) {
		for _, id := range ids {
			loc, ok := r.s.locations[id]
			if !ok {
				return false, fmt.Errorf("plate location %s: %w", id, ledger.ErrNotFound)
			}
			if r.s.holderGone(loc.InUseBy) || *loc.InUseBy == nodeRunID {
				continue
			}
			if source && r.s.holderCompleted(loc.InUseBy) {
				continue
			}
			return false, nil
		}
		return true, nil
	}

	if ok, err := check(sources, true); !ok || err != nil {
		return false, err
	}
	if ok, err := check(destinations, false); !ok || err != nil {
		return false, err
	}

	for _, id := range append(append([]string(nil), sources...), destinations...) {
		holder := nodeRunID
		r.s.locations[id].InUseBy = &holder
	}
	return true, nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyNodeRun(nr *domain.NodeRun) *domain.NodeRun {
	cp := *nr
	cp.InputData = maps.Clone(nr.InputData)
	cp.OutputData = maps.Clone(nr.OutputData)
	if nr.FinishedAt != nil {
		t := *nr.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func copyInstrument(inst *domain.Instrument) *domain.Instrument {
	cp := *inst
	cp.InUseBy = copyID(inst.InUseBy)
	cp.ConnectionInfo = append([]byte(nil), inst.ConnectionInfo...)
	return &cp
}

func copyLocation(loc *domain.PlateLocation) *domain.PlateLocation {
	cp := *loc
	cp.InUseBy = copyID(loc.InUseBy)
	return &cp
}
