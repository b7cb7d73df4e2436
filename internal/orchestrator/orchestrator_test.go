package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Types возвращает типы событий без тех, что публикует dispatcher.
func (p *recordingPublisher) Types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		if ev.Type == EventClaimGranted {
			continue
		}
		types = append(types, ev.Type)
	}
	return types
}

func (p *recordingPublisher) Has(t EventType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestStartFlow(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	ctx := context.Background()

	id := f.startFlow("demo", "A")
	fr := f.flowRun(id)
	assert.Equal(t, "demo", fr.Name)
	assert.Equal(t, "A", fr.StartNodeID)
	assert.Equal(t, "A", fr.CurrentNodeID)
	assert.Equal(t, domain.StatusInProgress, fr.Status)

	_, err := f.orch.StartFlow(ctx, "demo", "nope")
	assert.ErrorIs(t, err, ErrUnknownNode)

	f.graph.Store(nil)
	_, err = f.orch.StartFlow(ctx, "demo", "A")
	assert.ErrorIs(t, err, ErrGraphNotLoaded)
}

func TestStartFlow_MidGraphNode(t *testing.T) {
	f := newFixture(t, chain("A", "B", "C"))
	f.start()

	rid := f.startFlow("resume", "B")
	_, err := f.peel(rid, "B")
	require.NoError(t, err)
	_, err = f.peel(rid, "C")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, f.flowRun(rid).Status)
	assert.Equal(t, []string{"B", "C"}, f.peeler.Calls())
}

func TestFailFlow_FailsPendingNodeRuns(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	ctx := context.Background()

	rid := f.startFlow("demo", "A")

	done := make(chan error, 1)
	go func() {
		_, err := f.peel(rid, "A")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(f.registry.Queues()[peelerID]) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.orch.FailFlow(ctx, rid))

	assert.Equal(t, domain.StatusFailed, f.flowRun(rid).Status)
	assert.Equal(t, domain.StatusFailed, f.latest(rid, "A").Status)

	err := f.orch.PauseFlow(ctx, rid)
	assert.ErrorIs(t, err, ErrFlowFinished)
	assert.ErrorIs(t, f.orch.FailFlow(ctx, rid), ErrFlowFinished)

	// Ожидающий вызов прерывается, попытка снята с очереди
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrFlowNotActive)
	case <-time.After(5 * time.Second):
		t.Fatal("run_node did not observe fail")
	}
	assert.Empty(t, f.registry.Queues()[peelerID])
	assert.Empty(t, f.peeler.Calls())
}

func TestFailFlow_BlocksLaterUsersOfLocations(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()
	ctx := context.Background()

	first := f.startFlow("first", "A")
	f.peeler.failNext = 1
	_, err := f.peel(first, "A")
	require.ErrorIs(t, err, ErrDevice)
	require.NoError(t, f.orch.FailFlow(ctx, first))

	second := f.startFlow("second", "A")
	_, err = f.peel(second, "A")
	assert.ErrorIs(t, err, ErrPredecessorFailed)
	assert.Equal(t, 0, f.store.NodeRunCount(second))
}

func TestOperatorActions_UnknownFlowRun(t *testing.T) {
	f := newFixture(t, chain("A"))
	ctx := context.Background()

	assert.ErrorIs(t, f.orch.PauseFlow(ctx, 77), ErrFlowRunNotFound)
	assert.ErrorIs(t, f.orch.ResumeFlow(ctx, 77), ErrFlowRunNotFound)
	assert.ErrorIs(t, f.orch.FailFlow(ctx, 77), ErrFlowRunNotFound)
}

func TestEvents_PublishedInOrder(t *testing.T) {
	f := newFixture(t, chain("A"))
	pub := &recordingPublisher{}
	f.orch.events = pub
	f.start()

	rid := f.startFlow("demo", "A")
	_, err := f.peel(rid, "A")
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventFlowStarted,
		EventNodeQueued,
		EventNodeStarted,
		EventFlowCompleted,
		EventNodeCompleted,
	}, pub.Types())
	assert.Eventually(t, func() bool { return pub.Has(EventClaimGranted) }, time.Second, time.Millisecond)
}

func TestRunNode_GraphReloadMidFlow(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()

	rid := f.startFlow("demo", "A")
	_, err := f.peel(rid, "A")
	require.NoError(t, err)

	// Новый граф продлевает flow: после B теперь есть C
	g, err := flowgraph.Build(chain("A", "B", "C"), flowgraph.Options{})
	require.NoError(t, err)
	f.graph.Store(g)

	_, err = f.peel(rid, "B")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, f.flowRun(rid).Status)

	out, err := f.orch.RunNode(context.Background(), RunNodeRequest{
		FlowRunID: rid, NodeID: "C", InstrumentID: peelerID, Function: "peel",
		Args: instrument.Args{"tag": "C"},
	})
	require.NoError(t, err)
	assert.Equal(t, "C", out["tag"])
	assert.Equal(t, domain.StatusCompleted, f.flowRun(rid).Status)
}
