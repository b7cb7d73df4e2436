package domain

import "time"

// FlowRun — экземпляр выполнения flow.
//
// FlowRun создаётся при старте flow и изменяется только оркестратором.
// CurrentNodeID всегда указывает на узел скомпилированного графа.
// Записи никогда не удаляются (аудит).
type FlowRun struct {
	// ID — идентификатор run (SERIAL в ledger).
	ID int64 `json:"id"`

	// Name — человекочитаемое имя flow.
	Name string `json:"name"`

	// StartNodeID — узел, с которого стартовал flow.
	StartNodeID string `json:"start_node_id"`

	// CurrentNodeID — последний узел, до которого продвинулся flow.
	CurrentNodeID string `json:"current_node_id"`

	// StartedAt — время создания run.
	StartedAt time.Time `json:"started_at"`

	// Status — текущий статус.
	Status Status `json:"status"`
}

// IsFinished возвращает true, если run завершён.
func (r *FlowRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// IsRunnable возвращает true, если run принимает следующий шаг.
// waiting допускается: шаг мог упасть до перевода flow в in-progress.
func (r *FlowRun) IsRunnable() bool {
	return r.Status == StatusInProgress || r.Status == StatusWaiting
}

// AtStart возвращает true, пока flow не продвинулся дальше стартового узла.
func (r *FlowRun) AtStart() bool {
	return r.CurrentNodeID == r.StartNodeID
}
