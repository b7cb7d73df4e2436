package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/vestra/internal/domain"
)

// InstrumentRepo — репозиторий для работы с instruments.
type InstrumentRepo struct {
	pool *pgxpool.Pool
}

// NewInstrumentRepo создаёт новый InstrumentRepo.
func NewInstrumentRepo(pool *pgxpool.Pool) *InstrumentRepo {
	return &InstrumentRepo{pool: pool}
}

const instrumentColumns = `id, name, type, connection_method, connection_info, enabled, in_use_by`

// Fetch возвращает прибор по ID.
func (r *InstrumentRepo) Fetch(ctx context.Context, id int64) (*domain.Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments WHERE id = $1`
	return scanInstrument(r.pool.QueryRow(ctx, query, id))
}

// FetchAllEnabled возвращает все включённые приборы.
func (r *InstrumentRepo) FetchAllEnabled(ctx context.Context) ([]domain.Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments WHERE enabled ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var list []domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *inst)
	}
	return list, rows.Err()
}

// SetClaim безусловно записывает владельца прибора.
func (r *InstrumentRepo) SetClaim(ctx context.Context, id int64, nodeRunID *int64) error {
	query := `UPDATE instruments SET in_use_by = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, nodeRunID)
	if err != nil {
		return fmt.Errorf("set instrument claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimIfFree записывает владельца, если прибор свободен, владелец завершён или не существует.
func (r *InstrumentRepo) ClaimIfFree(ctx context.Context, id, nodeRunID int64) (bool, error) {
	query := `
		UPDATE instruments i
		SET in_use_by = $2, updated_at = NOW()
		WHERE i.id = $1
		  AND (
		      i.in_use_by IS NULL
		      OR i.in_use_by = $2
		      OR NOT EXISTS (SELECT 1 FROM node_runs n WHERE n.id = i.in_use_by)
		      OR EXISTS (
		          SELECT 1 FROM node_runs n
		          WHERE n.id = i.in_use_by AND n.status = 'completed'
		      )
		  )
	`
	result, err := r.pool.Exec(ctx, query, id, nodeRunID)
	if err != nil {
		return false, fmt.Errorf("claim instrument: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	// Не обновили: прибор занят или его нет
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM instruments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check instrument: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// scanInstrument сканирует одну строку в Instrument.
func scanInstrument(row pgx.Row) (*domain.Instrument, error) {
	var inst domain.Instrument
	var info []byte

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.Type,
		&inst.ConnectionMethod,
		&info,
		&inst.Enabled,
		&inst.InUseBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instrument: %w", err)
	}

	inst.ConnectionInfo = info
	return &inst, nil
}
