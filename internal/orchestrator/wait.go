package orchestrator

import (
	"context"
	"time"

	"github.com/shaiso/vestra/internal/notify"
)

// waiter ждёт выполнения условия.
//
// Условие перепроверяется при каждом пробуждении hub и по таймеру с
// экспоненциальной паузой от min до max. Пробуждение сбрасывает паузу к min.
type waiter struct {
	hub *notify.Hub
	min time.Duration
	max time.Duration

	// done закрывается при остановке оркестратора
	done <-chan struct{}
}

// until блокируется, пока cond не вернёт true или ошибку.
func (w waiter) until(ctx context.Context, cond func(ctx context.Context) (bool, error)) error {
	delay := w.min

	for {
		// Канал берём до проверки, чтобы не пропустить Notify между ними
		wake := w.hub.C()

		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.done:
			timer.Stop()
			return ErrOrchestratorStopped
		case <-wake:
			timer.Stop()
			delay = w.min
		case <-timer.C:
			delay *= 2
			if delay > w.max {
				delay = w.max
			}
		}
	}
}
