// Package ledger описывает хранилище состояния оркестратора.
//
// Реализации: internal/repo (PostgreSQL) и internal/ledger/memory (в памяти процесса).
package ledger

import (
	"context"

	"github.com/shaiso/vestra/internal/domain"
)

// FlowRunFilter — фильтр для списка запусков flow.
type FlowRunFilter struct {
	// Status — только запуски с этим статусом (пусто — все).
	Status domain.Status

	// Limit — максимальное количество записей (0 — без ограничения).
	Limit int
}

// FlowRuns — запуски flow.
type FlowRuns interface {
	Fetch(ctx context.Context, id int64) (*domain.FlowRun, error)

	// Create создаёт запуск, позиционированный на стартовом узле, со статусом in-progress.
	Create(ctx context.Context, name, startNodeID string) (*domain.FlowRun, error)

	UpdateCurrentNode(ctx context.Context, id int64, nodeID string, status domain.Status) error

	// List возвращает запуски, новые первыми.
	List(ctx context.Context, filter FlowRunFilter) ([]domain.FlowRun, error)
}

// NodeRuns — попытки выполнения узлов.
type NodeRuns interface {
	Fetch(ctx context.Context, id int64) (*domain.NodeRun, error)

	// FetchLatest возвращает последнюю попытку узла в запуске.
	// ErrNotFound — попыток не было.
	FetchLatest(ctx context.Context, flowRunID int64, nodeID string) (*domain.NodeRun, error)

	// Create создаёт попытку со статусом waiting.
	Create(ctx context.Context, flowRunID int64, nodeID string, input map[string]any) (*domain.NodeRun, error)

	// SetStatus меняет статус попытки.
	// Статус completed выставляется только через Complete (ErrCompletedViaSetStatus).
	SetStatus(ctx context.Context, id int64, status domain.Status) error

	// Complete сохраняет результат и переводит попытку в completed.
	Complete(ctx context.Context, id int64, output map[string]any) error

	ListByFlowRun(ctx context.Context, flowRunID int64) ([]domain.NodeRun, error)
}

// Instruments — приборы.
type Instruments interface {
	Fetch(ctx context.Context, id int64) (*domain.Instrument, error)
	FetchAllEnabled(ctx context.Context) ([]domain.Instrument, error)

	// SetClaim безусловно записывает владельца (nil — освободить).
	SetClaim(ctx context.Context, id int64, nodeRunID *int64) error

	// ClaimIfFree записывает владельца, только если прибор свободен
	// или его текущий владелец завершён. false — прибор занят.
	ClaimIfFree(ctx context.Context, id, nodeRunID int64) (bool, error)
}

// PlateLocations — места для планшетов.
type PlateLocations interface {
	// FetchByIDs возвращает места в порядке ids; ErrNotFound — если какого-то нет.
	FetchByIDs(ctx context.Context, ids []string) ([]domain.PlateLocation, error)

	FetchByInstrument(ctx context.Context, instrumentID int64) ([]domain.PlateLocation, error)

	SetClaim(ctx context.Context, id string, nodeRunID *int64) error

	// ClaimHolder возвращает попытку, занимающую место (nil — место свободно).
	// Захват попыткой, которой нет в хранилище, считается свободным.
	ClaimHolder(ctx context.Context, id string) (*domain.NodeRun, error)

	// ClaimIfFree атомарно занимает все места для nodeRunID.
	//
	// Источник свободен, если владельца нет, он завершён или это сам nodeRunID.
	// Назначение свободно, если владельца нет или это сам nodeRunID.
	// Несуществующий владелец равен отсутствующему.
	// false — хотя бы одно место занято, ничего не изменено.
	ClaimIfFree(ctx context.Context, sources, destinations []string, nodeRunID int64) (bool, error)
}

// Ledger — набор хранилищ оркестратора.
type Ledger struct {
	FlowRuns       FlowRuns
	NodeRuns       NodeRuns
	Instruments    Instruments
	PlateLocations PlateLocations
}
