package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/telemetry"
)

// dispatchLoop — единственный путь выдачи захвата прибора из очереди.
//
// Срабатывает по таймеру и при каждом пробуждении hub. Останавливается
// только при отмене контекста.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(o.dispatchInterval)
	defer ticker.Stop()

	for {
		wake := o.hub.C()
		o.dispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// dispatch выполняет один проход по всем приборам.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for _, e := range o.registry.Entries() {
		if ctx.Err() != nil {
			return
		}
		if err := o.dispatchInstrument(ctx, e); err != nil {
			o.logger.Error("dispatch failed",
				"instrument_id", e.Instrument.ID,
				"error", err,
			)
		}
	}
}

// dispatchInstrument передаёт прибор голове очереди, если текущий
// владелец отсутствует или завершён.
func (o *Orchestrator) dispatchInstrument(ctx context.Context, e *instrument.Entry) error {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	id := e.Instrument.ID
	if e.Queue().Len() == 0 {
		return nil
	}

	inst, err := o.ledger.Instruments.Fetch(ctx, id)
	if err != nil {
		return err
	}

	if inst.InUseBy != nil {
		holder, err := o.ledger.NodeRuns.Fetch(ctx, *inst.InUseBy)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			// Владелец не существует — прибор свободен
		case err != nil:
			return err
		case !holder.IsCompleted():
			return nil
		}
	}

	head, ok := o.registry.PopHead(id)
	if !ok {
		return nil
	}

	granted, err := o.ledger.Instruments.ClaimIfFree(ctx, id, head)
	if err != nil {
		o.registry.PushFront(id, head)
		return err
	}
	if !granted {
		// Кто-то успел раньше: голова остаётся головой
		o.registry.PushFront(id, head)
		telemetry.ClaimConflicts.WithLabelValues("instrument").Inc()
		return nil
	}

	telemetry.ClaimsGranted.WithLabelValues(strconv.FormatInt(id, 10)).Inc()
	o.logger.Info("instrument claim granted",
		"instrument_id", id,
		"node_run_id", head,
		"queued", e.Queue().Len(),
	)
	o.emit(ctx, Event{Type: EventClaimGranted, InstrumentID: id, NodeRunID: head})
	return nil
}
