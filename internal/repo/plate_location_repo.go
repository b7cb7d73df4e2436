package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/vestra/internal/domain"
)

// PlateLocationRepo — репозиторий для работы с plate_locations.
type PlateLocationRepo struct {
	pool *pgxpool.Pool
}

// NewPlateLocationRepo создаёт новый PlateLocationRepo.
func NewPlateLocationRepo(pool *pgxpool.Pool) *PlateLocationRepo {
	return &PlateLocationRepo{pool: pool}
}

const locationColumns = `id, type, in_use_by, instrument_id, parent_id, x_capacity, y_capacity`

// FetchByIDs возвращает места в порядке ids.
func (r *PlateLocationRepo) FetchByIDs(ctx context.Context, ids []string) ([]domain.PlateLocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + locationColumns + ` FROM plate_locations WHERE id = ANY($1)`
	found, err := r.query(ctx, query, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.PlateLocation, len(found))
	for _, loc := range found {
		byID[loc.ID] = loc
	}

	list := make([]domain.PlateLocation, 0, len(ids))
	for _, id := range ids {
		loc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("plate location %s: %w", id, ErrNotFound)
		}
		list = append(list, loc)
	}
	return list, nil
}

// FetchByInstrument возвращает места, принадлежащие прибору.
func (r *PlateLocationRepo) FetchByInstrument(ctx context.Context, instrumentID int64) ([]domain.PlateLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM plate_locations WHERE instrument_id = $1 ORDER BY id`
	return r.query(ctx, query, instrumentID)
}

// SetClaim безусловно записывает владельца места.
func (r *PlateLocationRepo) SetClaim(ctx context.Context, id string, nodeRunID *int64) error {
	result, err := r.pool.Exec(ctx, `UPDATE plate_locations SET in_use_by = $2 WHERE id = $1`, id, nodeRunID)
	if err != nil {
		return fmt.Errorf("set location claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimHolder возвращает попытку, занимающую место.
func (r *PlateLocationRepo) ClaimHolder(ctx context.Context, id string) (*domain.NodeRun, error) {
	var holder *int64
	err := r.pool.QueryRow(ctx, `SELECT in_use_by FROM plate_locations WHERE id = $1`, id).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plate location %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location holder: %w", err)
	}
	if holder == nil {
		return nil, nil
	}

	query := `SELECT ` + nodeRunColumns + ` FROM node_runs WHERE id = $1`
	nr, err := scanNodeRun(r.pool.QueryRow(ctx, query, *holder))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return nr, err
}

// ClaimIfFree в одной транзакции проверяет и занимает все места.
//
// Строки блокируются SELECT ... FOR UPDATE, поэтому два конкурирующих
// захвата одного места сериализуются.
func (r *PlateLocationRepo) ClaimIfFree(ctx context.Context, sources, destinations []string, nodeRunID int64) (ok bool, err error) {
	all := append(append([]string(nil), sources...), destinations...)
	if len(all) == 0 {
		return true, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
		SELECT l.id, l.in_use_by, n.status::text
		FROM plate_locations l
		LEFT JOIN node_runs n ON n.id = l.in_use_by
		WHERE l.id = ANY($1)
		ORDER BY l.id
		FOR UPDATE OF l
	`
	rows, err := tx.Query(ctx, query, all)
	if err != nil {
		return false, fmt.Errorf("lock locations: %w", err)
	}

	type lockState struct {
		holder *int64
		status *string
	}
	states := make(map[string]lockState, len(all))
	for rows.Next() {
		var id string
		var st lockState
		if err := rows.Scan(&id, &st.holder, &st.status); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan location: %w", err)
		}
		states[id] = st
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("lock locations: %w", err)
	}

	free := func(id string, source bool) (bool, error) {
		st, found := states[id]
		if !found {
			return false, fmt.Errorf("plate location %s: %w", id, ErrNotFound)
		}
		if st.holder == nil || *st.holder == nodeRunID {
			return true, nil
		}
		// Попытки-владельца нет: место свободно, как и в ClaimHolder
		if st.status == nil {
			return true, nil
		}
		// Источник освобождается завершением владельца
		return source && st.status != nil && *st.status == string(domain.StatusCompleted), nil
	}

	for _, id := range sources {
		if ok, err = free(id, true); err != nil || !ok {
			return ok, err
		}
	}
	for _, id := range destinations {
		if ok, err = free(id, false); err != nil || !ok {
			return ok, err
		}
	}

	if _, err = tx.Exec(ctx, `UPDATE plate_locations SET in_use_by = $2 WHERE id = ANY($1)`, all, nodeRunID); err != nil {
		return false, fmt.Errorf("claim locations: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *PlateLocationRepo) query(ctx context.Context, query string, args ...any) ([]domain.PlateLocation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var list []domain.PlateLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *loc)
	}
	return list, rows.Err()
}

// scanLocation сканирует одну строку в PlateLocation.
func scanLocation(row pgx.Row) (*domain.PlateLocation, error) {
	var loc domain.PlateLocation
	var locType *string

	err := row.Scan(
		&loc.ID,
		&locType,
		&loc.InUseBy,
		&loc.InstrumentID,
		&loc.ParentID,
		&loc.XCapacity,
		&loc.YCapacity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan location: %w", err)
	}

	if locType != nil {
		loc.Type = *locType
	}
	return &loc, nil
}
