package instrument

import "errors"

// Ошибки реестра.
var (
	// ErrUnknownInstrument — прибор не зарегистрирован.
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrUnknownType — нет фабрики для типа прибора.
	ErrUnknownType = errors.New("unknown instrument type")

	// ErrUnknownOperation — у прибора нет такой операции.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrAlreadyQueued — попытка уже стоит в очереди прибора.
	ErrAlreadyQueued = errors.New("node run already queued")

	// ErrNoOperations — коннектор не объявил ни одной операции.
	ErrNoOperations = errors.New("connector declares no operations")

	// ErrInvalidArgument — аргумент операции отсутствует или неверного типа.
	ErrInvalidArgument = errors.New("invalid argument")
)
