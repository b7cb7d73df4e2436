package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(),
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Flow runs
	mux.Handle("GET /api/v1/flow-runs", chain(http.HandlerFunc(h.ListFlowRuns)))
	mux.Handle("POST /api/v1/flow-runs", chain(http.HandlerFunc(h.StartFlow)))
	mux.Handle("GET /api/v1/flow-runs/{id}", chain(http.HandlerFunc(h.GetFlowRun)))
	mux.Handle("GET /api/v1/flow-runs/{id}/node-runs", chain(http.HandlerFunc(h.ListNodeRuns)))
	mux.Handle("POST /api/v1/flow-runs/{id}/nodes/{node_id}/run", chain(http.HandlerFunc(h.RunNode)))

	// Operator actions
	mux.Handle("POST /api/v1/flow-runs/{id}/pause", chain(http.HandlerFunc(h.PauseFlowRun)))
	mux.Handle("POST /api/v1/flow-runs/{id}/resume", chain(http.HandlerFunc(h.ResumeFlowRun)))
	mux.Handle("POST /api/v1/flow-runs/{id}/fail", chain(http.HandlerFunc(h.FailFlowRun)))

	// Instruments
	mux.Handle("GET /api/v1/instruments", chain(http.HandlerFunc(h.ListInstruments)))
	mux.Handle("GET /api/v1/instruments/queues", chain(http.HandlerFunc(h.InstrumentQueues)))

	// Flow graph
	mux.Handle("GET /api/v1/flow-graph", chain(http.HandlerFunc(h.GetFlowGraph)))
}
