package flowgraph

import "sync/atomic"

// Holder — владелец активного графа.
//
// Load всегда возвращает целиком построенный граф. Store подменяет
// граф атомарно, поэтому текущие читатели дорабатывают со старой версией.
type Holder struct {
	graph atomic.Pointer[Graph]
}

// NewHolder создаёт Holder с начальным графом.
func NewHolder(g *Graph) *Holder {
	h := &Holder{}
	h.graph.Store(g)
	return h
}

// Load возвращает активный граф (nil, если граф ещё не загружен).
func (h *Holder) Load() *Graph {
	return h.graph.Load()
}

// Store подменяет активный граф и возвращает предыдущий.
func (h *Holder) Store(g *Graph) *Graph {
	return h.graph.Swap(g)
}
