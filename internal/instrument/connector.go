package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shaiso/vestra/internal/domain"
)

// Args — именованные аргументы операции (из конфигурации узла flow).
type Args map[string]any

// Output — результат операции, сохраняется в NodeRun.output_data.
type Output map[string]any

// Operation — одна операция прибора.
type Operation func(ctx context.Context, args Args) (Output, error)

// Connector — подключение к прибору.
type Connector interface {
	// Connect устанавливает соединение. Повторный вызов безопасен.
	Connect(ctx context.Context) error

	// Operations возвращает закрытый набор операций прибора.
	Operations() map[string]Operation
}

// Factory создаёт коннектор для записи прибора.
type Factory func(inst domain.Instrument) (Connector, error)

// Int возвращает целочисленный аргумент.
//
// Принимает int, float64 без дробной части, json.Number и строку;
// так приходят значения из JSON и из конфигурации узлов Node-RED.
func (a Args) Int(key string) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidArgument, key, n)
		}
		// Вне диапазона int преобразование не определено
		if n < math.MinInt || n >= -float64(math.MinInt) {
			return 0, fmt.Errorf("%w: %s out of range, got %v", ErrInvalidArgument, key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidArgument, key, v)
	}
}

// Float возвращает числовой аргумент.
func (a Args) Float(key string) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}

	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidArgument, key, v)
	}
}

// Has проверяет наличие аргумента.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}
