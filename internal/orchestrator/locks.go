package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/telemetry"
)

// LockManager управляет захватами мест для планшетов.
//
// Источник блокирует, пока его владелец в статусе waiting, in-progress или paused.
// Назначение блокирует, пока у него есть любой владелец.
// Владелец в статусе failed — фатальная ошибка без повторов.
// Место, занятое самой попыткой, всегда готово.
type LockManager struct {
	store  ledger.PlateLocations
	waiter waiter
}

// NewLockManager создаёт LockManager.
func NewLockManager(store ledger.PlateLocations, w waiter) *LockManager {
	return &LockManager{store: store, waiter: w}
}

// Ready проверяет, готовы ли все места для nodeRunID.
//
// Проверяются все места: ошибка ErrPredecessorFailed важнее блокировки.
func (m *LockManager) Ready(ctx context.Context, sources, destinations []string, nodeRunID int64) (bool, error) {
	ready := true

	for _, id := range sources {
		holder, err := m.store.ClaimHolder(ctx, id)
		if err != nil {
			return false, fmt.Errorf("source %s: %w", id, err)
		}
		switch sourceState(holder, nodeRunID) {
		case stateFatal:
			return false, predecessorFailed(id, holder)
		case stateBlocked:
			ready = false
		}
	}

	for _, id := range destinations {
		holder, err := m.store.ClaimHolder(ctx, id)
		if err != nil {
			return false, fmt.Errorf("destination %s: %w", id, err)
		}
		switch destinationState(holder, nodeRunID) {
		case stateFatal:
			return false, predecessorFailed(id, holder)
		case stateBlocked:
			ready = false
		}
	}

	return ready, nil
}

// WaitUntilReady ждёт готовности всех мест.
func (m *LockManager) WaitUntilReady(ctx context.Context, sources, destinations []string, nodeRunID int64) error {
	return m.waiter.until(ctx, func(ctx context.Context) (bool, error) {
		return m.Ready(ctx, sources, destinations, nodeRunID)
	})
}

// Acquire ждёт готовности мест и атомарно захватывает их.
// Проигранный условный захват возвращает к ожиданию.
func (m *LockManager) Acquire(ctx context.Context, sources, destinations []string, nodeRunID int64) error {
	if len(sources) == 0 && len(destinations) == 0 {
		return nil
	}

	for {
		if err := m.WaitUntilReady(ctx, sources, destinations, nodeRunID); err != nil {
			return err
		}

		ok, err := m.Claim(ctx, sources, destinations, nodeRunID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		telemetry.ClaimConflicts.WithLabelValues("plate_location").Inc()
	}
}

// Claim атомарно захватывает все места для nodeRunID.
func (m *LockManager) Claim(ctx context.Context, sources, destinations []string, nodeRunID int64) (bool, error) {
	ok, err := m.store.ClaimIfFree(ctx, sources, destinations, nodeRunID)
	if err != nil {
		return false, fmt.Errorf("claim locations: %w", err)
	}
	return ok, nil
}

// Release освобождает места, занятые nodeRunID. Чужие захваты не трогает.
func (m *LockManager) Release(ctx context.Context, ids []string, nodeRunID int64) error {
	locs, err := m.store.FetchByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch locations: %w", err)
	}
	for _, loc := range locs {
		if !loc.HeldBy(nodeRunID) {
			continue
		}
		if err := m.store.SetClaim(ctx, loc.ID, nil); err != nil {
			return fmt.Errorf("release %s: %w", loc.ID, err)
		}
	}
	return nil
}

type lockState int

const (
	stateReady lockState = iota
	stateBlocked
	stateFatal
)

func sourceState(holder *domain.NodeRun, self int64) lockState {
	if holder == nil || holder.ID == self {
		return stateReady
	}
	switch holder.Status {
	case domain.StatusCompleted:
		return stateReady
	case domain.StatusFailed:
		return stateFatal
	default:
		return stateBlocked
	}
}

func destinationState(holder *domain.NodeRun, self int64) lockState {
	if holder == nil || holder.ID == self {
		return stateReady
	}
	if holder.Status == domain.StatusFailed {
		return stateFatal
	}
	return stateBlocked
}

func predecessorFailed(location string, holder *domain.NodeRun) error {
	return fmt.Errorf("%w: location %s held by failed node run %d (flow run %d, node %s)",
		ErrPredecessorFailed, location, holder.ID, holder.FlowRunID, holder.NodeID)
}
