package api

import (
	"time"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/orchestrator"
)

// Flow run DTOs

// StartFlowRequest — запрос на запуск flow.
type StartFlowRequest struct {
	Name        string `json:"name"`
	StartNodeID string `json:"start_node_id"`
}

// FlowRunResponse — ответ с запуском flow.
type FlowRunResponse struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	StartNodeID   string        `json:"start_node_id"`
	CurrentNodeID string        `json:"current_node_id"`
	Status        domain.Status `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
}

// FlowRunFromDomain конвертирует domain.FlowRun в FlowRunResponse.
func FlowRunFromDomain(fr domain.FlowRun) FlowRunResponse {
	return FlowRunResponse{
		ID:            fr.ID,
		Name:          fr.Name,
		StartNodeID:   fr.StartNodeID,
		CurrentNodeID: fr.CurrentNodeID,
		Status:        fr.Status,
		StartedAt:     fr.StartedAt,
	}
}

// Node run DTOs

// NodeRunResponse — ответ с попыткой выполнения узла.
type NodeRunResponse struct {
	ID         int64          `json:"id"`
	FlowRunID  int64          `json:"flow_run_id"`
	NodeID     string         `json:"node_id"`
	Status     domain.Status  `json:"status"`
	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// NodeRunFromDomain конвертирует domain.NodeRun в NodeRunResponse.
func NodeRunFromDomain(nr domain.NodeRun) NodeRunResponse {
	return NodeRunResponse{
		ID:         nr.ID,
		FlowRunID:  nr.FlowRunID,
		NodeID:     nr.NodeID,
		Status:     nr.Status,
		InputData:  nr.InputData,
		OutputData: nr.OutputData,
		StartedAt:  nr.StartedAt,
		FinishedAt: nr.FinishedAt,
		DurationMs: nr.Duration().Milliseconds(),
	}
}

// RunNodeRequest — тело вызова узла. flow_run_id и node_id берутся из пути.
type RunNodeRequest struct {
	InstrumentID int64           `json:"instrument_id"`
	Function     string          `json:"function"`
	Args         instrument.Args `json:"args,omitempty"`
	IsMovement   bool            `json:"is_movement"`
}

// toOrchestrator собирает запрос оркестратора.
func (r RunNodeRequest) toOrchestrator(flowRunID int64, nodeID string) orchestrator.RunNodeRequest {
	return orchestrator.RunNodeRequest{
		FlowRunID:    flowRunID,
		NodeID:       nodeID,
		InstrumentID: r.InstrumentID,
		Function:     r.Function,
		Args:         r.Args,
		IsMovement:   r.IsMovement,
	}
}

// Instrument DTOs

// InstrumentResponse — ответ с прибором из реестра.
type InstrumentResponse struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Connected  bool     `json:"connected"`
	Operations []string `json:"operations"`
	Queue      []int64  `json:"queue"`
}

// InstrumentFromEntry конвертирует запись реестра в InstrumentResponse.
func InstrumentFromEntry(e *instrument.Entry) InstrumentResponse {
	queue := e.Queue().Snapshot()
	if queue == nil {
		queue = []int64{}
	}
	return InstrumentResponse{
		ID:         e.Instrument.ID,
		Name:       e.Instrument.Name,
		Type:       e.Instrument.Type,
		Connected:  e.Connected(),
		Operations: e.OperationNames(),
		Queue:      queue,
	}
}

// QueueResponse — очередь одного прибора.
type QueueResponse struct {
	InstrumentID int64   `json:"instrument_id"`
	Name         string  `json:"name"`
	InUseBy      *int64  `json:"in_use_by,omitempty"`
	Queue        []int64 `json:"queue"`
}

// Flow graph DTOs

// GraphNodeResponse — узел графа.
type GraphNodeResponse struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Name     string     `json:"name,omitempty"`
	Outputs  [][]string `json:"outputs"`
	NextStep string     `json:"next_step,omitempty"`
}
