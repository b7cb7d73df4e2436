package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
)

// FlowRunRepo — репозиторий для работы с flow_runs.
type FlowRunRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRunRepo создаёт новый FlowRunRepo.
func NewFlowRunRepo(pool *pgxpool.Pool) *FlowRunRepo {
	return &FlowRunRepo{pool: pool}
}

const flowRunColumns = `id, name, start_flow_node_id, current_node_id, started_at, status`

// Fetch возвращает запуск по ID.
func (r *FlowRunRepo) Fetch(ctx context.Context, id int64) (*domain.FlowRun, error) {
	query := `SELECT ` + flowRunColumns + ` FROM flow_runs WHERE id = $1`
	return scanFlowRun(r.pool.QueryRow(ctx, query, id))
}

// Create создаёт запуск на стартовом узле.
func (r *FlowRunRepo) Create(ctx context.Context, name, startNodeID string) (*domain.FlowRun, error) {
	query := `
		INSERT INTO flow_runs (name, start_flow_node_id, current_node_id, status)
		VALUES ($1, $2, $2, 'in-progress')
		RETURNING ` + flowRunColumns
	fr, err := scanFlowRun(r.pool.QueryRow(ctx, query, name, startNodeID))
	if err != nil {
		return nil, fmt.Errorf("insert flow run: %w", err)
	}
	return fr, nil
}

// UpdateCurrentNode перемещает запуск на узел и меняет статус.
func (r *FlowRunRepo) UpdateCurrentNode(ctx context.Context, id int64, nodeID string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidStatus, status)
	}

	query := `
		UPDATE flow_runs
		SET current_node_id = $2, status = $3::run_status
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, nodeID, string(status))
	if err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List возвращает запуски с фильтрацией, новые первыми.
func (r *FlowRunRepo) List(ctx context.Context, filter ledger.FlowRunFilter) ([]domain.FlowRun, error) {
	query := `
		SELECT ` + flowRunColumns + `
		FROM flow_runs
		WHERE ($1::text IS NULL OR status = $1::run_status)
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, nullString(string(filter.Status)), nullLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list flow runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.FlowRun
	for rows.Next() {
		fr, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *fr)
	}
	return runs, rows.Err()
}

// scanFlowRun сканирует одну строку в FlowRun.
func scanFlowRun(row pgx.Row) (*domain.FlowRun, error) {
	var fr domain.FlowRun
	var status string

	err := row.Scan(
		&fr.ID,
		&fr.Name,
		&fr.StartNodeID,
		&fr.CurrentNodeID,
		&fr.StartedAt,
		&status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow run: %w", err)
	}

	fr.Status = domain.Status(status)
	return &fr, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullLimit возвращает nil для нулевого лимита (LIMIT NULL — без ограничения).
func nullLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
