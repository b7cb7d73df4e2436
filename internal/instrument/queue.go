package instrument

import "sync"

// Queue — FIFO очередь попыток к одному прибору.
type Queue struct {
	mu    sync.Mutex
	items []int64
}

// Push добавляет попытку в конец очереди.
// false — попытка уже в очереди.
func (q *Queue) Push(nodeRunID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.items {
		if id == nodeRunID {
			return false
		}
	}
	q.items = append(q.items, nodeRunID)
	return true
}

// PushFront возвращает попытку в голову очереди.
func (q *Queue) PushFront(nodeRunID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.items {
		if id == nodeRunID {
			return
		}
	}
	q.items = append([]int64{nodeRunID}, q.items...)
}

// Pop извлекает голову очереди.
func (q *Queue) Pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Remove убирает попытку из очереди.
// false — попытки в очереди не было.
func (q *Queue) Remove(nodeRunID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.items {
		if id == nodeRunID {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Contains проверяет, стоит ли попытка в очереди.
func (q *Queue) Contains(nodeRunID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.items {
		if id == nodeRunID {
			return true
		}
	}
	return false
}

// Len возвращает длину очереди.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot возвращает копию очереди от головы к хвосту.
func (q *Queue) Snapshot() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.items...)
}
