package api

import (
	"net/http"
)

// ListInstruments возвращает приборы реестра.
// GET /api/v1/instruments
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()

	result := make([]InstrumentResponse, len(entries))
	for i, e := range entries {
		result[i] = InstrumentFromEntry(e)
	}

	List(w, result, len(result))
}

// InstrumentQueues возвращает очереди приборов и текущих владельцев.
// GET /api/v1/instruments/queues
func (h *Handler) InstrumentQueues(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()

	result := make([]QueueResponse, 0, len(entries))
	for _, e := range entries {
		inst, err := h.ledger.Instruments.Fetch(r.Context(), e.Instrument.ID)
		if HandleError(w, h.logger, err) {
			return
		}

		queue := e.Queue().Snapshot()
		if queue == nil {
			queue = []int64{}
		}
		result = append(result, QueueResponse{
			InstrumentID: inst.ID,
			Name:         inst.Name,
			InUseBy:      inst.InUseBy,
			Queue:        queue,
		})
	}

	List(w, result, len(result))
}

// GetFlowGraph возвращает активный граф flow.
// GET /api/v1/flow-graph
func (h *Handler) GetFlowGraph(w http.ResponseWriter, r *http.Request) {
	g := h.graph.Load()
	if g == nil {
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "flow graph not loaded")
		return
	}

	nodes := g.Nodes()
	result := make([]GraphNodeResponse, len(nodes))
	for i, n := range nodes {
		resp := GraphNodeResponse{
			ID:      n.ID(),
			Type:    n.Type(),
			Name:    n.Name(),
			Outputs: n.Wires(),
		}
		if next, ok := n.NextStep(); ok {
			resp.NextStep = next.ID()
		}
		result[i] = resp
	}

	List(w, result, len(result))
}
