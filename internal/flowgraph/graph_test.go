package flowgraph

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T) *Graph {
	t.Helper()

	nodes, err := Parse(strings.NewReader(sampleFlows))
	require.NoError(t, err)

	g, err := Build(nodes, Options{})
	require.NoError(t, err)
	return g
}

func TestBuild_DropsIgnoredAndUnwired(t *testing.T) {
	g := buildSample(t)

	assert.Equal(t, 4, g.Size())
	assert.False(t, g.Has("tab1"))
	assert.False(t, g.Has("c1"))
	assert.True(t, g.Has("start"))

	_, err := g.Node("tab1")
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestBuild_NoInputNodes(t *testing.T) {
	g := buildSample(t)

	assert.Equal(t, []string{"start"}, g.NoInputNodes())
	assert.ElementsMatch(t, []string{"peel"}, g.Upstream("move"))
	assert.Empty(t, g.Upstream("start"))
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build([]RawNode{
		{ID: "a", Type: "t", Wires: [][]string{}},
		{ID: "a", Type: "t", Wires: [][]string{}},
	}, Options{})
	if !errors.Is(err, ErrDuplicateNodeID) {
		t.Errorf("expected ErrDuplicateNodeID, got %v", err)
	}
}

func TestBuild_EmptyID(t *testing.T) {
	_, err := Build([]RawNode{{Type: "t", Wires: [][]string{}}}, Options{})
	if !errors.Is(err, ErrEmptyNodeID) {
		t.Errorf("expected ErrEmptyNodeID, got %v", err)
	}
}

func TestBuild_DoesNotAliasInput(t *testing.T) {
	raw := []RawNode{
		{ID: "a", Type: "t", Wires: [][]string{{"b"}}},
		{ID: "b", Type: "t", Wires: [][]string{}},
	}

	g, err := Build(raw, Options{})
	require.NoError(t, err)

	raw[0].Wires[0][0] = "zzz"

	next, ok, err := g.NextStep("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", next.ID())
}

func TestNode_NextNodes(t *testing.T) {
	g := buildSample(t)

	peel, err := g.Node("peel")
	require.NoError(t, err)

	next, err := peel.NextNodes(0)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "dbg", next[0].ID())
	assert.Equal(t, "move", next[1].ID())

	_, err = peel.NextNodes(1)
	if !errors.Is(err, ErrNoSuchOutput) {
		t.Errorf("expected ErrNoSuchOutput, got %v", err)
	}

	// Выход существует, но пуст; ребро к "gone" отброшено при построении
	move, err := g.Node("move")
	require.NoError(t, err)
	assert.Equal(t, 2, move.Outputs())

	for _, out := range []int{0, 1} {
		next, err := move.NextNodes(out)
		require.NoError(t, err)
		assert.Empty(t, next)
	}
}

func TestNode_NextStepSkipsPassthrough(t *testing.T) {
	g, err := Build([]RawNode{
		{ID: "a", Type: "xpeel-xpeel", Wires: [][]string{{"j"}}},
		{ID: "j", Type: "junction", Wires: [][]string{{"l"}}},
		{ID: "l", Type: "link out", Wires: [][]string{{"b"}}},
		{ID: "b", Type: "ur3-move", Wires: [][]string{{"end"}}},
		{ID: "end", Type: "complete", Wires: [][]string{}},
	}, Options{})
	require.NoError(t, err)

	next, ok, err := g.NextStep("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", next.ID())

	// За b только служебный узел — flow завершается
	_, ok, err = g.NextStep("b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = g.NextStep("missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestNode_NextStepUsesFirstConnectedOutput(t *testing.T) {
	g, err := Build([]RawNode{
		{ID: "a", Type: "step", Wires: [][]string{{}, {"c", "b"}}},
		{ID: "b", Type: "step", Wires: [][]string{}},
		{ID: "c", Type: "step", Wires: [][]string{}},
	}, Options{})
	require.NoError(t, err)

	next, ok, err := g.NextStep("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", next.ID())
}

func TestNode_NextStepCycle(t *testing.T) {
	g, err := Build([]RawNode{
		{ID: "a", Type: "step", Wires: [][]string{{"j1"}}},
		{ID: "j1", Type: "junction", Wires: [][]string{{"j2"}}},
		{ID: "j2", Type: "junction", Wires: [][]string{{"j1"}}},
	}, Options{})
	require.NoError(t, err)

	_, ok, err := g.NextStep("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOptions_CustomTypes(t *testing.T) {
	g, err := Build([]RawNode{
		{ID: "a", Type: "step", Wires: [][]string{{"d"}}},
		{ID: "d", Type: "debug", Wires: [][]string{{"n"}}},
		{ID: "n", Type: "note", Wires: [][]string{}},
	}, Options{
		IgnoredTypes:     []string{"note"},
		PassthroughTypes: []string{},
	})
	require.NoError(t, err)

	assert.False(t, g.Has("n"))

	// debug больше не служебный
	next, ok, err := g.NextStep("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d", next.ID())
	assert.True(t, next.IsStep())
}

func TestGraph_Reachable(t *testing.T) {
	g := buildSample(t)

	assert.True(t, g.Reachable("start", "move"))
	assert.True(t, g.Reachable("start", "start"))
	assert.False(t, g.Reachable("move", "start"))
	assert.False(t, g.Reachable("start", "tab1"))
}

func TestHolder_Swap(t *testing.T) {
	first := buildSample(t)
	h := NewHolder(first)
	assert.Same(t, first, h.Load())

	second, err := Build(nil, Options{})
	require.NoError(t, err)

	prev := h.Store(second)
	assert.Same(t, first, prev)
	assert.Same(t, second, h.Load())
	assert.Equal(t, 4, prev.Size())
}

func TestGraph_NodesInFileOrder(t *testing.T) {
	g := buildSample(t)

	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID())
	}
	assert.Equal(t, []string{"start", "peel", "dbg", "move"}, ids)

	peel, err := g.Node("peel")
	require.NoError(t, err)
	wires := peel.Wires()
	assert.Equal(t, [][]string{{"dbg", "move"}}, wires)

	// Копия не влияет на граф
	wires[0][0] = "x"
	assert.Equal(t, [][]string{{"dbg", "move"}}, peel.Wires())
}
