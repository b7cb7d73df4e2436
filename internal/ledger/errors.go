package ledger

import "errors"

// Ошибки хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrCompletedViaSetStatus — статус completed выставляется только через Complete.
	ErrCompletedViaSetStatus = errors.New("status completed must be set via Complete")

	// ErrInvalidStatus — неизвестный статус.
	ErrInvalidStatus = errors.New("invalid status")
)
