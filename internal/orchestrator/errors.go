package orchestrator

import (
	"errors"
	"fmt"
)

// Классы ошибок RunNode.
var (
	// ErrValidation — вызов нарушает инвариант запуска; повтор без изменений бесполезен.
	ErrValidation = errors.New("validation failed")

	// ErrDevice — операция прибора завершилась ошибкой; попытку можно повторить.
	ErrDevice = errors.New("device operation failed")

	// ErrPredecessorFailed — место занято попыткой в статусе failed.
	// Автоматически не повторяется, нужно вмешательство оператора.
	ErrPredecessorFailed = errors.New("predecessor failed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// Ошибки валидации. Все оборачивают ErrValidation.
var (
	// ErrFlowRunNotFound — запуск не найден.
	ErrFlowRunNotFound = fmt.Errorf("%w: flow run not found", ErrValidation)

	// ErrFlowNotActive — запуск не в статусе in-progress/waiting.
	ErrFlowNotActive = fmt.Errorf("%w: flow run is not active", ErrValidation)

	// ErrFlowFinished — запуск уже завершён (completed/failed).
	ErrFlowFinished = fmt.Errorf("%w: flow run is finished", ErrValidation)

	// ErrGraphNotLoaded — граф flow ещё не загружен.
	ErrGraphNotLoaded = fmt.Errorf("%w: flow graph not loaded", ErrValidation)

	// ErrUnknownNode — узла нет в графе.
	ErrUnknownNode = fmt.Errorf("%w: unknown node", ErrValidation)

	// ErrUnknownInstrument — прибор не зарегистрирован.
	ErrUnknownInstrument = fmt.Errorf("%w: unknown instrument", ErrValidation)

	// ErrUnknownOperation — у прибора нет такой операции.
	ErrUnknownOperation = fmt.Errorf("%w: unknown operation", ErrValidation)

	// ErrInvalidArguments — аргументы не позволяют определить места.
	ErrInvalidArguments = fmt.Errorf("%w: invalid arguments", ErrValidation)

	// ErrOrderingViolation — узел вызван не по порядку и ранее не выполнялся.
	ErrOrderingViolation = fmt.Errorf("%w: ordering violation", ErrValidation)

	// ErrUnknownStatus — недопустимый статус для операции оператора.
	ErrUnknownStatus = fmt.Errorf("%w: unknown status", ErrValidation)
)

// NodeError — ошибка выполнения узла с контекстом.
type NodeError struct {
	FlowRunID int64  // запуск flow
	NodeID    string // узел графа
	NodeRunID int64  // попытка (0 — ещё не создана)
	Err       error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *NodeError) Error() string {
	if e.NodeRunID != 0 {
		return fmt.Sprintf("flow run %d node %s (node run %d): %v", e.FlowRunID, e.NodeID, e.NodeRunID, e.Err)
	}
	return fmt.Sprintf("flow run %d node %s: %v", e.FlowRunID, e.NodeID, e.Err)
}

// Unwrap возвращает базовую ошибку.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// outcome возвращает метку исхода для метрик.
func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrPredecessorFailed):
		return "predecessor_failed"
	case errors.Is(err, ErrDevice):
		return "device_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrOrchestratorStopped):
		return "stopped"
	default:
		return "error"
	}
}
