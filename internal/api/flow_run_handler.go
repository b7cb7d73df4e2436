package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartFlow создаёт запуск flow.
// POST /api/v1/flow-runs
func (h *Handler) StartFlow(w http.ResponseWriter, r *http.Request) {
	var req StartFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.StartNodeID == "" {
		BadRequest(w, "start_node_id is required")
		return
	}
	if req.Name == "" {
		req.Name = req.StartNodeID
	}

	id, err := h.orch.StartFlow(r.Context(), req.Name, req.StartNodeID)
	if HandleError(w, h.logger, err) {
		return
	}

	fr, err := h.ledger.FlowRuns.Fetch(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, FlowRunFromDomain(*fr))
}

// ListFlowRuns возвращает запуски с фильтрацией.
// GET /api/v1/flow-runs?status=...&limit=...
func (h *Handler) ListFlowRuns(w http.ResponseWriter, r *http.Request) {
	filter := ledger.FlowRunFilter{Limit: defaultListLimit}

	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := domain.ParseStatus(s)
		if !ok {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	runs, err := h.ledger.FlowRuns.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]FlowRunResponse, len(runs))
	for i, fr := range runs {
		result[i] = FlowRunFromDomain(fr)
	}

	List(w, result, len(result))
}

// GetFlowRun возвращает запуск по ID.
// GET /api/v1/flow-runs/{id}
func (h *Handler) GetFlowRun(w http.ResponseWriter, r *http.Request) {
	id, ok := flowRunID(w, r)
	if !ok {
		return
	}

	fr, err := h.ledger.FlowRuns.Fetch(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, FlowRunFromDomain(*fr))
}

// ListNodeRuns возвращает попытки запуска в порядке создания.
// GET /api/v1/flow-runs/{id}/node-runs
func (h *Handler) ListNodeRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := flowRunID(w, r)
	if !ok {
		return
	}

	if _, err := h.ledger.FlowRuns.Fetch(r.Context(), id); HandleError(w, h.logger, err) {
		return
	}

	runs, err := h.ledger.NodeRuns.ListByFlowRun(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]NodeRunResponse, len(runs))
	for i, nr := range runs {
		result[i] = NodeRunFromDomain(nr)
	}

	List(w, result, len(result))
}

// RunNode выполняет узел запуска и возвращает результат операции.
// POST /api/v1/flow-runs/{id}/nodes/{node_id}/run
func (h *Handler) RunNode(w http.ResponseWriter, r *http.Request) {
	id, ok := flowRunID(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")

	var req RunNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Function == "" {
		BadRequest(w, "function is required")
		return
	}

	out, err := h.orch.RunNode(r.Context(), req.toOrchestrator(id, nodeID))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, out)
}

// PauseFlowRun ставит запуск на паузу.
// POST /api/v1/flow-runs/{id}/pause
func (h *Handler) PauseFlowRun(w http.ResponseWriter, r *http.Request) {
	h.operatorAction(w, r, h.orch.PauseFlow)
}

// ResumeFlowRun снимает запуск с паузы.
// POST /api/v1/flow-runs/{id}/resume
func (h *Handler) ResumeFlowRun(w http.ResponseWriter, r *http.Request) {
	h.operatorAction(w, r, h.orch.ResumeFlow)
}

// FailFlowRun помечает запуск как failed.
// POST /api/v1/flow-runs/{id}/fail
func (h *Handler) FailFlowRun(w http.ResponseWriter, r *http.Request) {
	h.operatorAction(w, r, h.orch.FailFlow)
}

func (h *Handler) operatorAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id int64) error) {
	id, ok := flowRunID(w, r)
	if !ok {
		return
	}

	if err := action(r.Context(), id); HandleError(w, h.logger, err) {
		return
	}

	fr, err := h.ledger.FlowRuns.Fetch(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, FlowRunFromDomain(*fr))
}

// flowRunID разбирает {id} из пути; при ошибке уже отвечает 400.
func flowRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid flow run id")
		return 0, false
	}
	return id, true
}
