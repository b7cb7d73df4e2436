package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/ledger"
)

// NodeRunRepo — репозиторий для работы с node_runs.
type NodeRunRepo struct {
	pool *pgxpool.Pool
}

// NewNodeRunRepo создаёт новый NodeRunRepo.
func NewNodeRunRepo(pool *pgxpool.Pool) *NodeRunRepo {
	return &NodeRunRepo{pool: pool}
}

const nodeRunColumns = `id, flow_run_id, node_id, input_data, output_data, started_at, finished_at, status`

// Fetch возвращает попытку по ID.
func (r *NodeRunRepo) Fetch(ctx context.Context, id int64) (*domain.NodeRun, error) {
	query := `SELECT ` + nodeRunColumns + ` FROM node_runs WHERE id = $1`
	return scanNodeRun(r.pool.QueryRow(ctx, query, id))
}

// FetchLatest возвращает последнюю попытку узла в запуске.
func (r *NodeRunRepo) FetchLatest(ctx context.Context, flowRunID int64, nodeID string) (*domain.NodeRun, error) {
	query := `
		SELECT ` + nodeRunColumns + `
		FROM node_runs
		WHERE flow_run_id = $1 AND node_id = $2
		ORDER BY id DESC
		LIMIT 1
	`
	return scanNodeRun(r.pool.QueryRow(ctx, query, flowRunID, nodeID))
}

// Create создаёт попытку со статусом waiting.
func (r *NodeRunRepo) Create(ctx context.Context, flowRunID int64, nodeID string, input map[string]any) (*domain.NodeRun, error) {
	inputJSON, err := marshalData(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	query := `
		INSERT INTO node_runs (flow_run_id, node_id, input_data, status)
		VALUES ($1, $2, $3, 'waiting')
		RETURNING ` + nodeRunColumns
	nr, err := scanNodeRun(r.pool.QueryRow(ctx, query, flowRunID, nodeID, inputJSON))
	if err != nil {
		return nil, fmt.Errorf("insert node run: %w", err)
	}
	return nr, nil
}

// SetStatus меняет статус попытки (кроме completed).
func (r *NodeRunRepo) SetStatus(ctx context.Context, id int64, status domain.Status) error {
	if status == domain.StatusCompleted {
		return ErrCompletedViaSetStatus
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidStatus, status)
	}

	query := `UPDATE node_runs SET status = $2::run_status WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("update node run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete сохраняет результат и завершает попытку.
func (r *NodeRunRepo) Complete(ctx context.Context, id int64, output map[string]any) error {
	outputJSON, err := marshalData(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	query := `
		UPDATE node_runs
		SET output_data = $2, finished_at = NOW(), status = 'completed'
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, outputJSON)
	if err != nil {
		return fmt.Errorf("complete node run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByFlowRun возвращает все попытки запуска по порядку создания.
func (r *NodeRunRepo) ListByFlowRun(ctx context.Context, flowRunID int64) ([]domain.NodeRun, error) {
	query := `
		SELECT ` + nodeRunColumns + `
		FROM node_runs
		WHERE flow_run_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, flowRunID)
	if err != nil {
		return nil, fmt.Errorf("list node runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *nr)
	}
	return runs, rows.Err()
}

// scanNodeRun сканирует одну строку в NodeRun.
func scanNodeRun(row pgx.Row) (*domain.NodeRun, error) {
	var nr domain.NodeRun
	var inputJSON, outputJSON []byte
	var status string

	err := row.Scan(
		&nr.ID,
		&nr.FlowRunID,
		&nr.NodeID,
		&inputJSON,
		&outputJSON,
		&nr.StartedAt,
		&nr.FinishedAt,
		&status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node run: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &nr.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &nr.OutputData); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}

	nr.Status = domain.Status(status)
	return &nr, nil
}

// marshalData сериализует данные узла (nil → NULL).
func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}
