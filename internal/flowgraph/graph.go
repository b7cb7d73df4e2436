package flowgraph

import (
	"fmt"
)

// DefaultIgnoredTypes — типы узлов, которые не попадают в граф.
// Узлы без поля wires отбрасываются всегда.
var DefaultIgnoredTypes = []string{"comment", "tab", "group"}

// DefaultPassthroughTypes — типы узлов, которые не являются шагами протокола.
// NextStep проходит сквозь них.
var DefaultPassthroughTypes = []string{
	"debug",
	"junction",
	"link in",
	"link out",
	"catch",
	"status",
	"complete",
}

// Options — параметры построения графа.
type Options struct {
	// IgnoredTypes — типы, отбрасываемые при построении (default: DefaultIgnoredTypes).
	IgnoredTypes []string

	// PassthroughTypes — типы, не считающиеся шагами (default: DefaultPassthroughTypes).
	PassthroughTypes []string
}

// Graph — скомпилированный граф flow.
//
// После Build граф не изменяется и может читаться из любых горутин.
type Graph struct {
	// nodes — все узлы графа (nodeID → RawNode).
	nodes map[string]*RawNode

	// order — ID узлов в порядке следования в файле.
	order []string

	// inputs — для каждого узла список узлов, ведущих в него.
	inputs map[string][]string

	// noInput — узлы без входящих рёбер.
	noInput map[string]bool

	passthrough map[string]bool
}

// Build строит граф из списка узлов.
//
// Узлы без wires и узлы игнорируемых типов отбрасываются.
// Рёбра к отсутствующим узлам удаляются, чтобы позиционные запросы
// всегда возвращали узлы графа.
func Build(raw []RawNode, opts Options) (*Graph, error) {
	ignored := toSet(opts.IgnoredTypes, DefaultIgnoredTypes)

	g := &Graph{
		nodes:       make(map[string]*RawNode, len(raw)),
		order:       make([]string, 0, len(raw)),
		inputs:      make(map[string][]string),
		noInput:     make(map[string]bool),
		passthrough: toSet(opts.PassthroughTypes, DefaultPassthroughTypes),
	}

	// Первый проход: собираем узлы
	for i := range raw {
		node := raw[i]
		if !node.HasWires() || ignored[node.Type] {
			continue
		}
		if node.ID == "" {
			return nil, fmt.Errorf("%w: record of type %q", ErrEmptyNodeID, node.Type)
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeID, node.ID)
		}

		node.Wires = copyWires(node.Wires)
		g.nodes[node.ID] = &node
		g.order = append(g.order, node.ID)
	}

	// Второй проход: связываем рёбра
	for _, id := range g.order {
		node := g.nodes[id]
		for out, dsts := range node.Wires {
			kept := dsts[:0]
			for _, dst := range dsts {
				if _, ok := g.nodes[dst]; !ok {
					continue
				}
				kept = append(kept, dst)
				g.inputs[dst] = append(g.inputs[dst], id)
			}
			node.Wires[out] = kept
		}
	}

	for _, id := range g.order {
		if len(g.inputs[id]) == 0 {
			g.noInput[id] = true
		}
	}

	return g, nil
}

// LoadFile читает flows.json и строит граф.
func LoadFile(path string, opts Options) (*Graph, error) {
	raw, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Build(raw, opts)
}

// Node возвращает узел по ID.
func (g *Graph) Node(id string) (*Node, error) {
	raw, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return &Node{graph: g, raw: raw}, nil
}

// Has проверяет наличие узла в графе.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Size возвращает количество узлов.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Nodes возвращает узлы графа в порядке следования в файле.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, &Node{graph: g, raw: g.nodes[id]})
	}
	return nodes
}

// NoInputNodes возвращает узлы без входящих рёбер в порядке файла.
func (g *Graph) NoInputNodes() []string {
	roots := make([]string, 0, len(g.noInput))
	for _, id := range g.order {
		if g.noInput[id] {
			roots = append(roots, id)
		}
	}
	return roots
}

// Upstream возвращает узлы, ведущие в указанный.
func (g *Graph) Upstream(id string) []string {
	return append([]string(nil), g.inputs[id]...)
}

// NextStep возвращает канонический следующий шаг после узла id.
// false — flow после этого узла завершён.
func (g *Graph) NextStep(id string) (*Node, bool, error) {
	node, err := g.Node(id)
	if err != nil {
		return nil, false, err
	}
	next, ok := node.NextStep()
	return next, ok, nil
}

// Reachable проверяет, что узел to достижим из from по рёбрам графа.
func (g *Graph) Reachable(from, to string) bool {
	if !g.Has(from) || !g.Has(to) {
		return false
	}

	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			return true
		}
		for _, dsts := range g.nodes[id].Wires {
			for _, dst := range dsts {
				if !visited[dst] {
					visited[dst] = true
					queue = append(queue, dst)
				}
			}
		}
	}
	return false
}

// Node — узел графа.
type Node struct {
	graph *Graph
	raw   *RawNode
}

// ID возвращает ID узла.
func (n *Node) ID() string { return n.raw.ID }

// Type возвращает тип узла.
func (n *Node) Type() string { return n.raw.Type }

// Name возвращает имя узла.
func (n *Node) Name() string { return n.raw.Name }

// Prop возвращает поле конфигурации узла.
func (n *Node) Prop(key string) (any, bool) {
	v, ok := n.raw.Props[key]
	return v, ok
}

// Outputs возвращает количество выходов узла.
func (n *Node) Outputs() int { return len(n.raw.Wires) }

// Wires возвращает копию рёбер узла по выходам.
func (n *Node) Wires() [][]string { return copyWires(n.raw.Wires) }

// IsStep возвращает true, если узел — шаг протокола, а не служебный узел.
func (n *Node) IsStep() bool {
	return !n.graph.passthrough[n.raw.Type]
}

// NextNodes возвращает узлы, подключённые к выходу output.
//
// ErrNoSuchOutput — у узла нет такого выхода.
// Пустой срез — выход существует, но ни к чему не подключён.
func (n *Node) NextNodes(output int) ([]*Node, error) {
	if output < 0 || output >= len(n.raw.Wires) {
		return nil, fmt.Errorf("%w: node %s output %d", ErrNoSuchOutput, n.raw.ID, output)
	}

	dsts := n.raw.Wires[output]
	next := make([]*Node, 0, len(dsts))
	for _, id := range dsts {
		next = append(next, &Node{graph: n.graph, raw: n.graph.nodes[id]})
	}
	return next, nil
}

// NextStep возвращает канонический следующий шаг в линейном порядке выполнения.
//
// Берётся первый получатель первого подключённого выхода; служебные
// узлы проходятся насквозь. false — шагов после узла нет.
func (n *Node) NextStep() (*Node, bool) {
	visited := map[string]bool{n.raw.ID: true}
	cur := n

	for {
		next := cur.firstDestination()
		if next == nil || visited[next.raw.ID] {
			return nil, false
		}
		if next.IsStep() {
			return next, true
		}
		visited[next.raw.ID] = true
		cur = next
	}
}

// firstDestination возвращает первого получателя первого непустого выхода.
func (n *Node) firstDestination() *Node {
	for _, dsts := range n.raw.Wires {
		if len(dsts) > 0 {
			return &Node{graph: n.graph, raw: n.graph.nodes[dsts[0]]}
		}
	}
	return nil
}

// String реализует fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("<Node id=%s type=%s>", n.raw.ID, n.raw.Type)
}

func toSet(values, defaults []string) map[string]bool {
	if values == nil {
		values = defaults
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func copyWires(wires [][]string) [][]string {
	out := make([][]string, len(wires))
	for i, dsts := range wires {
		out[i] = append([]string(nil), dsts...)
	}
	return out
}
