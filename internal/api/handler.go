package api

import (
	"log/slog"

	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/orchestrator"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	registry *instrument.Registry
	graph    *flowgraph.Holder
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Registry     *instrument.Registry
	Graph        *flowgraph.Holder
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:     cfg.Orchestrator,
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		graph:    cfg.Graph,
		logger:   logger,
	}
}
