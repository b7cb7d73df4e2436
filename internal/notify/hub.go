// Package notify — широковещательные пробуждения ожидающих горутин.
//
// Каждое изменение состояния (выдан захват, завершён узел, освобождено место)
// будит всех, кто ждёт, и они перепроверяют свои условия.
package notify

import "sync"

// Hub рассылает пробуждения.
//
// Пробуждение не несёт данных: подписчик сам перечитывает состояние.
// Нулевое значение готово к использованию.
type Hub struct {
	mu  sync.Mutex
	ch  chan struct{}
	gen uint64
}

// New создаёт Hub.
func New() *Hub {
	return &Hub{}
}

// C возвращает канал, который закроется при следующем Notify.
//
// Канал нужно получить до проверки условия, иначе пробуждение между
// проверкой и ожиданием будет потеряно.
func (h *Hub) C() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch == nil {
		h.ch = make(chan struct{})
	}
	return h.ch
}

// Notify будит всех ожидающих.
func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch != nil {
		close(h.ch)
		h.ch = nil
	}
	h.gen++
}

// Generation возвращает количество вызовов Notify.
func (h *Hub) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}
