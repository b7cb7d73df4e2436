package repo

import "github.com/shaiso/vestra/internal/ledger"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = ledger.ErrNotFound

	// ErrCompletedViaSetStatus — completed выставляется только через Complete.
	ErrCompletedViaSetStatus = ledger.ErrCompletedViaSetStatus
)
