package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/telemetry"
)

// Аргументы движения, по которым определяются места.
const (
	argSourceWaypoint      = "source_waypoint_number"
	argDestinationWaypoint = "destination_waypoint_number"
	argWaypoint            = "waypoint_number"
)

// RunNodeRequest — вызов одного узла запуска.
type RunNodeRequest struct {
	FlowRunID    int64           `json:"flow_run_id"`
	NodeID       string          `json:"node_id"`
	InstrumentID int64           `json:"instrument_id"`
	Function     string          `json:"function"`
	Args         instrument.Args `json:"args,omitempty"`
	IsMovement   bool            `json:"is_movement"`
}

// RunNode выполняет узел запуска на приборе и возвращает результат операции.
//
// Повторный вызов уже завершённого узла возвращает сохранённый результат
// без побочных эффектов. Незавершённая попытка переиспользуется, а вызов,
// пришедший, пока та же попытка выполняется, получает её результат.
// Ошибка на любом шаге оставляет попытку незавершённой, её можно повторить.
//
// Выполнение не зависит от ctx вызывающего: отмена ctx возвращает ошибку
// сразу, но попытка в очереди доходит до конца. Прерывает её только Stop
// или вмешательство оператора.
func (o *Orchestrator) RunNode(ctx context.Context, req RunNodeRequest) (out instrument.Output, err error) {
	start := time.Now()
	replayed := false
	defer func() {
		label := outcome(err)
		if replayed {
			label = "replayed"
		}
		telemetry.NodeRunsTotal.WithLabelValues(label).Inc()
	}()

	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	logger := telemetry.WithFlowRunID(o.logger, req.FlowRunID).With("node_id", req.NodeID)

	// 0-4. Порядок и попытка: под мьютексом запуска
	adm, err := o.admit(ctx, req, logger)
	if err != nil {
		return nil, o.nodeError(req, 0, err)
	}
	if adm.replay != nil {
		replayed = true
		logger.Info("node already completed, returning stored output",
			"node_run_id", adm.replay.ID,
		)
		// Источники, не освобождённые прошлым вызовом
		if req.IsMovement {
			if err := o.releaseSources(ctx, req, adm.replay.ID); err != nil {
				return nil, o.nodeError(req, adm.replay.ID, err)
			}
		}
		return replayOutput(adm.replay), nil
	}

	select {
	case res := <-adm.result:
		if res.Shared {
			logger.Debug("shared node run result", "node_run_id", adm.nodeRunID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		output, _ := res.Val.(instrument.Output)
		logger.Info("node run completed",
			"node_run_id", adm.nodeRunID,
			"duration", time.Since(start),
		)
		return output, nil
	case <-ctx.Done():
		logger.Warn("caller gone, node run continues",
			"node_run_id", adm.nodeRunID,
			"error", ctx.Err(),
		)
		return nil, o.nodeError(req, adm.nodeRunID, ctx.Err())
	}
}

// admission — результат разбора вызова.
type admission struct {
	graph *flowgraph.Graph

	// replay — уже выполненная попытка; её результат возвращается как есть
	replay *domain.NodeRun

	nodeRunID int64
	result    <-chan singleflight.Result
}

// execution — одна попытка на приборе (шаги 4-12).
type execution struct {
	req       RunNodeRequest
	graph     *flowgraph.Graph
	nodeRunID int64
	entry     *instrument.Entry
	op        instrument.Operation
	logger    *slog.Logger
}

// admit проверяет порядок вызова и запускает или находит выполнение попытки.
//
// Выполнение регистрируется под мьютексом запуска: второй вызов того же
// узла присоединяется к нему, а не вызывает прибор ещё раз.
func (o *Orchestrator) admit(ctx context.Context, req RunNodeRequest, logger *slog.Logger) (*admission, error) {
	unlock := o.flowGate.Lock(req.FlowRunID)
	defer unlock()

	fr, err := o.fetchFlowRun(ctx, req.FlowRunID)
	if err != nil {
		return nil, err
	}

	g := o.graph.Load()
	if g == nil {
		return nil, ErrGraphNotLoaded
	}

	last, err := o.ledger.NodeRuns.FetchLatest(ctx, req.FlowRunID, req.NodeID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("fetch node run: %w", err)
		}
		last = nil
	}

	// Неактивный запуск допускает только повтор выполненного узла
	if !fr.IsRunnable() {
		if last != nil && last.IsCompleted() {
			return &admission{graph: g, replay: last}, nil
		}
		return nil, fmt.Errorf("%w: status %s", ErrFlowNotActive, fr.Status)
	}

	if !g.Has(req.NodeID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, req.NodeID)
	}

	next, hasNext, err := g.NextStep(fr.CurrentNodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: current node %s", ErrUnknownNode, fr.CurrentNodeID)
	}

	canonical := hasNext && next.ID() == req.NodeID
	startNode := last == nil && fr.AtStart() && req.NodeID == fr.StartNodeID

	switch {
	case canonical || startNode:
		// Новый шаг; незавершённую попытку того же узла переиспользуем
	case last == nil:
		expected := "<end of flow>"
		if hasNext {
			expected = next.ID()
		}
		return nil, fmt.Errorf("%w: expected %s after %s, got %s with no prior run",
			ErrOrderingViolation, expected, fr.CurrentNodeID, req.NodeID)
	case last.IsCompleted():
		return &admission{graph: g, replay: last}, nil
	}

	// Прибор, операция и места проверяются до любых изменений
	entry, op, err := o.resolveTarget(req)
	if err != nil {
		return nil, err
	}

	reuse := last != nil && !last.IsCompleted()
	var self int64
	if reuse {
		self = last.ID
	}
	if err := o.precheckLocations(ctx, req, self); err != nil {
		return nil, err
	}

	nr := last
	if !reuse {
		nr, err = o.ledger.NodeRuns.Create(ctx, req.FlowRunID, req.NodeID, req.Args)
		if err != nil {
			return nil, fmt.Errorf("create node run: %w", err)
		}
	}

	x := &execution{
		req:       req,
		graph:     g,
		nodeRunID: nr.ID,
		entry:     entry,
		op:        op,
		logger:    telemetry.WithNodeRunID(logger, nr.ID),
	}
	execCtx := context.WithoutCancel(ctx)
	result := o.inflight.DoChan(strconv.FormatInt(nr.ID, 10), func() (any, error) {
		out, err := o.execute(execCtx, x)
		return out, err
	})

	return &admission{graph: g, nodeRunID: nr.ID, result: result}, nil
}

// execute ставит попытку в очередь, ждёт прибор и места и вызывает операцию.
func (o *Orchestrator) execute(ctx context.Context, x *execution) (instrument.Output, error) {
	req, nrID, logger := x.req, x.nodeRunID, x.logger

	// 4. Попытка ждёт
	if err := o.markWaiting(ctx, req, nrID); err != nil {
		return nil, o.nodeError(req, nrID, err)
	}

	// 5. В очередь прибора
	if err := o.enqueue(ctx, req.InstrumentID, nrID); err != nil {
		return nil, o.nodeError(req, nrID, err)
	}
	logger.Info("node run queued", "instrument_id", req.InstrumentID)
	o.emit(ctx, Event{Type: EventNodeQueued, FlowRunID: req.FlowRunID, NodeID: req.NodeID,
		NodeRunID: nrID, InstrumentID: req.InstrumentID, Status: domain.StatusWaiting})

	// 6. Ждём захвата прибора от dispatcher
	if err := o.waitForClaim(ctx, req, nrID); err != nil {
		return nil, o.abort(ctx, req, nrID, err, logger)
	}
	logger.Debug("instrument claimed", "instrument_id", req.InstrumentID)

	// 7. Места для планшетов
	inst, err := o.ledger.Instruments.Fetch(ctx, req.InstrumentID)
	if err != nil {
		return nil, o.nodeError(req, nrID, fmt.Errorf("fetch instrument: %w", err))
	}
	sources, destinations, err := o.requiredLocations(ctx, inst, req)
	if err != nil {
		return nil, o.nodeError(req, nrID, err)
	}
	if err := o.locks.Acquire(ctx, sources, destinations, nrID); err != nil {
		return nil, o.nodeError(req, nrID, err)
	}
	if len(sources)+len(destinations) > 0 {
		logger.Debug("locations claimed", "sources", sources, "destinations", destinations)
	}

	// 8. in-progress
	if err := o.markInProgress(ctx, req, nrID); err != nil {
		return nil, o.abort(ctx, req, nrID, err, logger)
	}
	o.emit(ctx, Event{Type: EventNodeStarted, FlowRunID: req.FlowRunID, NodeID: req.NodeID,
		NodeRunID: nrID, InstrumentID: req.InstrumentID, Status: domain.StatusInProgress})

	// 9. Операция прибора
	logger.Info("invoking instrument operation",
		"instrument_id", req.InstrumentID,
		"operation", req.Function,
	)
	opStart := time.Now()
	out, err := x.op(ctx, req.Args)
	telemetry.NodeRunDuration.WithLabelValues(x.entry.Instrument.Type, req.Function).Observe(time.Since(opStart).Seconds())
	if err != nil {
		logger.Error("instrument operation failed", "operation", req.Function, "error", err)
		o.emit(ctx, Event{Type: EventNodeFailed, FlowRunID: req.FlowRunID, NodeID: req.NodeID,
			NodeRunID: nrID, InstrumentID: req.InstrumentID, Status: domain.StatusInProgress, Error: err.Error()})
		return nil, o.nodeError(req, nrID, fmt.Errorf("%w: %s.%s: %v", ErrDevice, x.entry.Instrument.Name, req.Function, err))
	}
	if out == nil {
		out = instrument.Output{}
	}

	// 10. Фиксируем результат
	if err := o.complete(ctx, x.graph, req, nrID, out, logger); err != nil {
		return nil, o.abort(ctx, req, nrID, err, logger)
	}

	// 11. Планшет уехал с источников; при ошибке повтор освободит их через replay
	if req.IsMovement && len(sources) > 0 {
		if err := o.locks.Release(ctx, sources, nrID); err != nil {
			logger.Error("release sources failed", "sources", sources, "error", err)
			return nil, o.nodeError(req, nrID, err)
		}
	}

	o.emit(ctx, Event{Type: EventNodeCompleted, FlowRunID: req.FlowRunID, NodeID: req.NodeID,
		NodeRunID: nrID, InstrumentID: req.InstrumentID, Status: domain.StatusCompleted})

	// 12.
	return out, nil
}

// active проверяет, что оператор не остановил запуск или попытку.
func (o *Orchestrator) active(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	fr, err := o.fetchFlowRun(ctx, req.FlowRunID)
	if err != nil {
		return err
	}
	if !fr.IsRunnable() {
		return fmt.Errorf("%w: status %s", ErrFlowNotActive, fr.Status)
	}

	nr, err := o.ledger.NodeRuns.Fetch(ctx, nodeRunID)
	if err != nil {
		return fmt.Errorf("fetch node run: %w", err)
	}
	if nr.Status.IsTerminal() {
		return fmt.Errorf("%w: node run %d is %s", ErrFlowNotActive, nodeRunID, nr.Status)
	}
	return nil
}

// markWaiting переводит попытку и запуск в waiting.
func (o *Orchestrator) markWaiting(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	unlock := o.flowGate.Lock(req.FlowRunID)
	defer unlock()

	if err := o.active(ctx, req, nodeRunID); err != nil {
		return err
	}
	if err := o.ledger.FlowRuns.UpdateCurrentNode(ctx, req.FlowRunID, req.NodeID, domain.StatusWaiting); err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}
	if err := o.ledger.NodeRuns.SetStatus(ctx, nodeRunID, domain.StatusWaiting); err != nil {
		return fmt.Errorf("set node run status: %w", err)
	}
	return nil
}

// markInProgress переводит попытку и запуск в in-progress.
// После паузы или отказа от оператора статусы не трогает.
func (o *Orchestrator) markInProgress(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	unlock := o.flowGate.Lock(req.FlowRunID)
	defer unlock()

	if err := o.active(ctx, req, nodeRunID); err != nil {
		return err
	}
	if err := o.ledger.NodeRuns.SetStatus(ctx, nodeRunID, domain.StatusInProgress); err != nil {
		return fmt.Errorf("set node run status: %w", err)
	}
	if err := o.ledger.FlowRuns.UpdateCurrentNode(ctx, req.FlowRunID, req.NodeID, domain.StatusInProgress); err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}
	return nil
}

// abort оборачивает ошибку шага; после вмешательства оператора
// снимает попытку с прибора.
func (o *Orchestrator) abort(ctx context.Context, req RunNodeRequest, nodeRunID int64, err error, logger *slog.Logger) error {
	if errors.Is(err, ErrFlowNotActive) {
		logger.Warn("node run stopped by operator action", "error", err)
		o.abandon(ctx, req.InstrumentID, nodeRunID, logger)
	}
	return o.nodeError(req, nodeRunID, err)
}

// abandon убирает попытку из очереди и освобождает прибор, если он за ней.
// Места остаются за попыткой.
func (o *Orchestrator) abandon(ctx context.Context, instrumentID, nodeRunID int64, logger *slog.Logger) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	if o.registry.Dequeue(instrumentID, nodeRunID) {
		logger.Debug("node run removed from queue", "instrument_id", instrumentID)
	}

	inst, err := o.ledger.Instruments.Fetch(ctx, instrumentID)
	if err != nil {
		logger.Error("fetch instrument failed", "instrument_id", instrumentID, "error", err)
		return
	}
	if inst.InUseBy == nil || *inst.InUseBy != nodeRunID {
		return
	}
	if err := o.ledger.Instruments.SetClaim(ctx, instrumentID, nil); err != nil {
		logger.Error("release instrument failed", "instrument_id", instrumentID, "error", err)
		return
	}
	logger.Info("instrument released", "instrument_id", instrumentID)
	o.hub.Notify()
}

// releaseSources освобождает источники перемещения, ещё занятые попыткой.
func (o *Orchestrator) releaseSources(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	inst, err := o.ledger.Instruments.Fetch(ctx, req.InstrumentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUnknownInstrument, req.InstrumentID)
		}
		return fmt.Errorf("fetch instrument: %w", err)
	}
	sources, _, err := o.requiredLocations(ctx, inst, req)
	if err != nil || len(sources) == 0 {
		return err
	}
	return o.locks.Release(ctx, sources, nodeRunID)
}

// resolveTarget находит прибор в реестре и его операцию.
func (o *Orchestrator) resolveTarget(req RunNodeRequest) (*instrument.Entry, instrument.Operation, error) {
	entry, err := o.registry.Get(req.InstrumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownInstrument, req.InstrumentID)
	}
	op, err := entry.Operation(req.Function)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownOperation, req.Function, entry.Instrument.Name)
	}
	return entry, op, nil
}

// precheckLocations отклоняет вызов до постановки в очередь, если
// какое-то место занято попыткой в статусе failed.
func (o *Orchestrator) precheckLocations(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	inst, err := o.ledger.Instruments.Fetch(ctx, req.InstrumentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUnknownInstrument, req.InstrumentID)
		}
		return fmt.Errorf("fetch instrument: %w", err)
	}

	sources, destinations, err := o.requiredLocations(ctx, inst, req)
	if err != nil {
		return err
	}
	_, err = o.locks.Ready(ctx, sources, destinations, nodeRunID)
	return err
}

// enqueue ставит попытку в очередь прибора, если она ещё не владеет им.
func (o *Orchestrator) enqueue(ctx context.Context, instrumentID, nodeRunID int64) error {
	inst, err := o.ledger.Instruments.Fetch(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("fetch instrument: %w", err)
	}
	if inst.InUseBy != nil && *inst.InUseBy == nodeRunID {
		return nil
	}

	err = o.registry.Enqueue(instrumentID, nodeRunID)
	if errors.Is(err, instrument.ErrAlreadyQueued) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownInstrument, err)
	}
	return nil
}

// waitForClaim ждёт, пока dispatcher отдаст прибор попытке.
// Пауза или отказ запуска прерывают ожидание с ErrFlowNotActive.
func (o *Orchestrator) waitForClaim(ctx context.Context, req RunNodeRequest, nodeRunID int64) error {
	return o.waiter.until(ctx, func(ctx context.Context) (bool, error) {
		if err := o.active(ctx, req, nodeRunID); err != nil {
			return false, err
		}
		inst, err := o.ledger.Instruments.Fetch(ctx, req.InstrumentID)
		if err != nil {
			return false, fmt.Errorf("fetch instrument: %w", err)
		}
		return inst.InUseBy != nil && *inst.InUseBy == nodeRunID, nil
	})
}

// requiredLocations определяет источники и назначения узла.
//
// Движение: точки из аргументов отображаются на места через
// connection_info.waypoint_locations прибора; точка без места ничего не требует.
// Прочие узлы: все места прибора считаются источниками.
func (o *Orchestrator) requiredLocations(ctx context.Context, inst *domain.Instrument, req RunNodeRequest) (sources, destinations []string, err error) {
	if !req.IsMovement {
		locs, err := o.ledger.PlateLocations.FetchByInstrument(ctx, inst.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch instrument locations: %w", err)
		}
		for _, loc := range locs {
			sources = append(sources, loc.ID)
		}
		return sources, nil, nil
	}

	info, err := inst.ParseConnectionInfo()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	resolve := func(key string) (string, bool, error) {
		if !req.Args.Has(key) {
			return "", false, nil
		}
		wp, err := req.Args.Int(key)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		loc, ok := info.WaypointLocation(wp)
		return loc, ok, nil
	}

	if loc, ok, err := resolve(argSourceWaypoint); err != nil {
		return nil, nil, err
	} else if ok {
		sources = append(sources, loc)
	}

	for _, key := range []string{argDestinationWaypoint, argWaypoint} {
		loc, ok, err := resolve(key)
		if err != nil {
			return nil, nil, err
		}
		if ok && !contains(destinations, loc) && !contains(sources, loc) {
			destinations = append(destinations, loc)
		}
	}

	return sources, destinations, nil
}

// complete фиксирует результат попытки и при необходимости завершает запуск.
//
// Операция уже выполнена, поэтому пауза запуска результат не отменяет:
// попытка завершается, а запуск остаётся на паузе. Отказ от оператора
// (failed) результат отбрасывает.
func (o *Orchestrator) complete(ctx context.Context, g *flowgraph.Graph, req RunNodeRequest, nodeRunID int64, out instrument.Output, logger *slog.Logger) error {
	unlock := o.flowGate.Lock(req.FlowRunID)
	defer unlock()

	fr, err := o.fetchFlowRun(ctx, req.FlowRunID)
	if err != nil {
		return err
	}
	nr, err := o.ledger.NodeRuns.Fetch(ctx, nodeRunID)
	if err != nil {
		return fmt.Errorf("fetch node run: %w", err)
	}
	if fr.IsFinished() || nr.Status.IsTerminal() {
		return fmt.Errorf("%w: flow run %s, node run %s", ErrFlowNotActive, fr.Status, nr.Status)
	}

	if err := o.ledger.NodeRuns.Complete(ctx, nodeRunID, out); err != nil {
		return fmt.Errorf("complete node run: %w", err)
	}

	_, hasNext, err := g.NextStep(req.NodeID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, req.NodeID)
	}
	if hasNext {
		return nil
	}

	// Последний узел на паузе: запуск завершит ResumeFlow
	if fr.Status == domain.StatusPaused {
		logger.Info("last node completed while flow run paused")
		return nil
	}

	if err := o.ledger.FlowRuns.UpdateCurrentNode(ctx, req.FlowRunID, req.NodeID, domain.StatusCompleted); err != nil {
		return fmt.Errorf("complete flow run: %w", err)
	}
	logger.Info("flow run completed")
	o.emit(ctx, Event{Type: EventFlowCompleted, FlowRunID: req.FlowRunID, NodeID: req.NodeID, Status: domain.StatusCompleted})
	return nil
}

func (o *Orchestrator) nodeError(req RunNodeRequest, nodeRunID int64, err error) error {
	return &NodeError{
		FlowRunID: req.FlowRunID,
		NodeID:    req.NodeID,
		NodeRunID: nodeRunID,
		Err:       err,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// replayOutput возвращает сохранённый результат попытки.
func replayOutput(nr *domain.NodeRun) instrument.Output {
	if nr.OutputData == nil {
		return instrument.Output{}
	}
	return instrument.Output(nr.OutputData)
}
