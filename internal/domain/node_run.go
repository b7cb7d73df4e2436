package domain

import "time"

// NodeRun — одна попытка выполнения узла внутри FlowRun.
//
// Для пары (flow_run, node) существует не более одной активной попытки:
// повторный вызов незавершённого шага переиспользует NodeRun,
// новый канонический шаг всегда создаёт новую запись.
type NodeRun struct {
	// ID — идентификатор попытки; используется как маркер claim.
	ID int64 `json:"id"`

	// FlowRunID — ссылка на родительский FlowRun.
	FlowRunID int64 `json:"flow_run_id"`

	// NodeID — ID узла графа.
	NodeID string `json:"node_id"`

	// InputData — аргументы вызова операции.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData — результат операции инструмента.
	OutputData map[string]any `json:"output_data,omitempty"`

	// StartedAt — время создания попытки.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения. Nil, пока шаг не завершён.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Status — текущий статус.
	Status Status `json:"status"`
}

// IsCompleted возвращает true, если шаг успешно завершён.
func (n *NodeRun) IsCompleted() bool {
	return n.Status == StatusCompleted
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если шаг ещё не завершён.
func (n *NodeRun) Duration() time.Duration {
	if n.FinishedAt == nil {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}
