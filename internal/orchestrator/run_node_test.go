package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/instrument"
)

func TestRunNode_SingleNodeFlowCompletesAndReplays(t *testing.T) {
	f := newFixture(t, chain("A"))
	f.start()

	rid := f.startFlow("demo", "A")

	out, err := f.peel(rid, "A")
	require.NoError(t, err)
	assert.Equal(t, "peel", out["op"])

	fr := f.flowRun(rid)
	assert.Equal(t, domain.StatusCompleted, fr.Status)
	assert.Equal(t, "A", fr.CurrentNodeID)

	// Повтор на завершённом запуске: тот же результат, прибор не вызывается
	again, err := f.peel(rid, "A")
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Len(t, f.peeler.Calls(), 1)
	assert.Equal(t, 1, f.store.NodeRunCount(rid))
}

func TestRunNode_AdvancesThroughFlow(t *testing.T) {
	f := newFixture(t, chain("A", "B", "C"))
	f.start()

	rid := f.startFlow("demo", "A")
	g := f.graph.Load()

	for _, node := range []string{"A", "B", "C"} {
		_, err := f.peel(rid, node)
		require.NoError(t, err, node)

		fr := f.flowRun(rid)
		assert.Equal(t, node, fr.CurrentNodeID)
		assert.True(t, g.Reachable(fr.StartNodeID, fr.CurrentNodeID))

		if node != "C" {
			assert.Equal(t, domain.StatusInProgress, fr.Status, node)
		}
		assert.Equal(t, domain.StatusCompleted, f.latest(rid, node).Status)
	}

	assert.Equal(t, domain.StatusCompleted, f.flowRun(rid).Status)
	assert.Equal(t, []string{"A", "B", "C"}, f.peeler.Calls())

	// Повтор ранее выполненного узла
	out, err := f.peel(rid, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", out["tag"])
	assert.Len(t, f.peeler.Calls(), 3)
}

func TestRunNode_ReplaysPreviousNodeWhileFlowActive(t *testing.T) {
	f := newFixture(t, chain("A", "B", "C"))
	f.start()

	rid := f.startFlow("demo", "A")
	first, err := f.peel(rid, "A")
	require.NoError(t, err)
	_, err = f.peel(rid, "B")
	require.NoError(t, err)

	out, err := f.peel(rid, "A")
	require.NoError(t, err)
	assert.Equal(t, first, out)

	// Позиция не откатывается
	assert.Equal(t, "B", f.flowRun(rid).CurrentNodeID)
	assert.Equal(t, 2, f.store.NodeRunCount(rid))
}

func TestRunNode_OrderingViolation(t *testing.T) {
	f := newFixture(t, chain("A", "B", "C"))
	f.start()

	rid := f.startFlow("demo", "A")

	_, err := f.peel(rid, "C")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderingViolation)
	assert.ErrorIs(t, err, ErrValidation)

	var nodeErr *NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, rid, nodeErr.FlowRunID)
	assert.Equal(t, "C", nodeErr.NodeID)

	// Ничего не изменилось
	fr := f.flowRun(rid)
	assert.Equal(t, "A", fr.CurrentNodeID)
	assert.Equal(t, domain.StatusInProgress, fr.Status)
	assert.Equal(t, 0, f.store.NodeRunCount(rid))
	assert.Empty(t, f.peeler.Calls())

	// После A узел B — канонический, а C по-прежнему нет
	_, err = f.peel(rid, "A")
	require.NoError(t, err)
	_, err = f.peel(rid, "C")
	assert.ErrorIs(t, err, ErrOrderingViolation)
}

func TestRunNode_ValidationErrors(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()
	ctx := context.Background()

	rid := f.startFlow("demo", "A")

	tests := []struct {
		name string
		req  RunNodeRequest
		want error
	}{
		{
			name: "unknown flow run",
			req:  RunNodeRequest{FlowRunID: 999, NodeID: "A", InstrumentID: peelerID, Function: "peel"},
			want: ErrFlowRunNotFound,
		},
		{
			name: "unknown node",
			req:  RunNodeRequest{FlowRunID: rid, NodeID: "Z", InstrumentID: peelerID, Function: "peel"},
			want: ErrUnknownNode,
		},
		{
			name: "unknown instrument",
			req:  RunNodeRequest{FlowRunID: rid, NodeID: "A", InstrumentID: 42, Function: "peel"},
			want: ErrUnknownInstrument,
		},
		{
			name: "unknown operation",
			req:  RunNodeRequest{FlowRunID: rid, NodeID: "A", InstrumentID: peelerID, Function: "fly"},
			want: ErrUnknownOperation,
		},
		{
			name: "bad waypoint",
			req: RunNodeRequest{FlowRunID: rid, NodeID: "A", InstrumentID: armID, Function: "move",
				IsMovement: true, Args: instrument.Args{"source_waypoint_number": "left"}},
			want: ErrInvalidArguments,
		},
		{
			name: "waypoint out of int range",
			req: RunNodeRequest{FlowRunID: rid, NodeID: "A", InstrumentID: armID, Function: "move",
				IsMovement: true, Args: instrument.Args{"destination_waypoint_number": 1e300}},
			want: ErrInvalidArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.RunNode(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	assert.Equal(t, 0, f.store.NodeRunCount(rid))
	assert.Equal(t, "A", f.flowRun(rid).CurrentNodeID)
}

func TestRunNode_FlowNotActive(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()
	ctx := context.Background()

	rid := f.startFlow("demo", "A")
	require.NoError(t, f.orch.PauseFlow(ctx, rid))

	_, err := f.peel(rid, "A")
	assert.ErrorIs(t, err, ErrFlowNotActive)

	require.NoError(t, f.orch.ResumeFlow(ctx, rid))
	_, err = f.peel(rid, "A")
	require.NoError(t, err)

	require.NoError(t, f.orch.PauseFlow(ctx, rid))

	// Выполненный узел возвращается и на паузе
	_, err = f.peel(rid, "A")
	assert.NoError(t, err)

	_, err = f.peel(rid, "B")
	assert.ErrorIs(t, err, ErrFlowNotActive)
}

func TestRunNode_DeviceErrorLeavesNodeRetryable(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()

	rid := f.startFlow("demo", "A")
	f.peeler.failNext = 1

	_, err := f.peel(rid, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDevice)
	assert.NotErrorIs(t, err, ErrValidation)

	nr := f.latest(rid, "A")
	assert.Equal(t, domain.StatusInProgress, nr.Status)
	assert.Equal(t, domain.StatusInProgress, f.flowRun(rid).Status)

	// Повтор переиспользует ту же попытку; прибор уже за ней
	out, err := f.peel(rid, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, out["call"])

	retried := f.latest(rid, "A")
	assert.Equal(t, nr.ID, retried.ID)
	assert.Equal(t, domain.StatusCompleted, retried.Status)
	assert.Equal(t, 1, f.store.NodeRunCount(rid))
}

func TestRunNode_InProgressOnlyAfterInstrumentClaim(t *testing.T) {
	f := newFixture(t, chain("A"))

	rid := f.startFlow("demo", "A")

	var claimAtCall *int64
	f.peeler.SetHook(func(ctx context.Context, _ instrument.Args) error {
		claimAtCall = f.instrumentClaim(peelerID)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.peel(rid, "A")
		done <- err
	}()

	// Dispatcher не запущен: попытка ждёт в очереди
	require.Eventually(t, func() bool {
		return f.registry.Queues()[peelerID] != nil && len(f.registry.Queues()[peelerID]) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	nr := f.latest(rid, "A")
	assert.Equal(t, domain.StatusWaiting, nr.Status)
	assert.Nil(t, f.instrumentClaim(peelerID))
	assert.Equal(t, domain.StatusWaiting, f.flowRun(rid).Status)

	f.start()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run_node did not finish")
	}

	require.NotNil(t, claimAtCall)
	assert.Equal(t, nr.ID, *claimAtCall)
}

func TestRunNode_SourceBlockedUntilHolderCompletes(t *testing.T) {
	f := newFixture(t, chain("M"))
	f.start()
	ctx := context.Background()

	blocker := f.occupy("hotel-1", domain.StatusInProgress)
	rid := f.startFlow("demo", "M")

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunNode(ctx, RunNodeRequest{
			FlowRunID:    rid,
			NodeID:       "M",
			InstrumentID: armID,
			Function:     "move",
			IsMovement:   true,
			Args: instrument.Args{
				"source_waypoint_number":      1,
				"destination_waypoint_number": 3,
			},
		})
		done <- err
	}()

	// Прибор выдан, но источник занят
	require.Eventually(t, func() bool {
		claim := f.instrumentClaim(armID)
		return claim != nil
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, domain.StatusWaiting, f.latest(rid, "M").Status)
	assert.Empty(t, f.arm.Calls())

	require.NoError(t, f.ledger.NodeRuns.Complete(ctx, blocker.ID, nil))
	f.orch.Hub().Notify()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run_node did not finish")
	}

	move := f.latest(rid, "M")
	assert.Equal(t, domain.StatusCompleted, move.Status)

	// Источник освобождён, назначение за перемещением
	assert.Nil(t, f.holder("hotel-1"))
	dst := f.holder("hotel-2")
	require.NotNil(t, dst)
	assert.Equal(t, move.ID, dst.ID)
}

func TestRunNode_DestinationBlockedByAnyHolder(t *testing.T) {
	f := newFixture(t, chain("M"))
	f.start()
	ctx := context.Background()

	// Завершённый владелец назначения всё равно блокирует
	parked := f.occupy("hotel-2", domain.StatusCompleted)
	rid := f.startFlow("demo", "M")

	callCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	_, err := f.orch.RunNode(callCtx, RunNodeRequest{
		FlowRunID: rid, NodeID: "M", InstrumentID: armID, Function: "move", IsMovement: true,
		Args: instrument.Args{"source_waypoint_number": 1, "destination_waypoint_number": 3},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.arm.Calls())

	holder := f.holder("hotel-2")
	require.NotNil(t, holder)
	assert.Equal(t, parked.ID, holder.ID)
}

func TestRunNode_FailedPredecessorLeavesClaimsUnchanged(t *testing.T) {
	f := newFixture(t, chain("M"))
	f.start()

	failed := f.occupy("hotel-1", domain.StatusFailed)
	rid := f.startFlow("demo", "M")

	_, err := f.orch.RunNode(context.Background(), RunNodeRequest{
		FlowRunID: rid, NodeID: "M", InstrumentID: armID, Function: "move", IsMovement: true,
		Args: instrument.Args{"source_waypoint_number": 1, "destination_waypoint_number": 3},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPredecessorFailed)

	assert.Nil(t, f.instrumentClaim(armID))
	assert.Empty(t, f.registry.Queues()[armID])
	assert.Nil(t, f.holder("hotel-2"))
	assert.Equal(t, failed.ID, f.holder("hotel-1").ID)
	assert.Equal(t, 0, f.store.NodeRunCount(rid))
	assert.Empty(t, f.arm.Calls())
}

func TestRunNode_NonMovementKeepsInstrumentLocation(t *testing.T) {
	f := newFixture(t, chain("A", "B"))
	f.start()

	rid := f.startFlow("demo", "A")
	_, err := f.peel(rid, "A")
	require.NoError(t, err)

	a := f.latest(rid, "A")
	holder := f.holder("peeler-nest")
	require.NotNil(t, holder)
	assert.Equal(t, a.ID, holder.ID)

	// Владелец завершён — следующий узел на том же приборе проходит
	_, err = f.peel(rid, "B")
	require.NoError(t, err)
	assert.Equal(t, f.latest(rid, "B").ID, f.holder("peeler-nest").ID)
}

func TestRunNode_InstrumentFIFOAcrossFlows(t *testing.T) {
	f := newFixture(t, chain("A"))
	f.start()

	release := make(chan struct{})
	started := make(chan string, 3)
	f.peeler.SetHook(func(ctx context.Context, args instrument.Args) error {
		tag, _ := args["tag"].(string)
		started <- tag
		if tag == "first" {
			<-release
		}
		return nil
	})

	run := func(rid int64, tag string) chan error {
		done := make(chan error, 1)
		go func() {
			_, err := f.orch.RunNode(context.Background(), RunNodeRequest{
				FlowRunID: rid, NodeID: "A", InstrumentID: peelerID, Function: "peel",
				Args: instrument.Args{"tag": tag},
			})
			done <- err
		}()
		return done
	}
	queued := func(n int) func() bool {
		return func() bool { return len(f.registry.Queues()[peelerID]) == n }
	}

	r1 := f.startFlow("one", "A")
	r2 := f.startFlow("two", "A")
	r3 := f.startFlow("three", "A")

	d1 := run(r1, "first")
	require.Equal(t, "first", <-started)

	d2 := run(r2, "second")
	require.Eventually(t, queued(1), 2*time.Second, time.Millisecond)
	d3 := run(r3, "third")
	require.Eventually(t, queued(2), 2*time.Second, time.Millisecond)

	close(release)

	for _, d := range []chan error{d1, d2, d3} {
		select {
		case err := <-d:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run_node did not finish")
		}
	}

	assert.Equal(t, []string{"first", "second", "third"}, f.peeler.Calls())
}

func TestRunNode_StopInterruptsWait(t *testing.T) {
	f := newFixture(t, chain("A"))
	rid := f.startFlow("demo", "A")

	done := make(chan error, 1)
	go func() {
		_, err := f.peel(rid, "A")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(f.registry.Queues()[peelerID]) == 1
	}, time.Second, time.Millisecond)

	f.orch.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOrchestratorStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("run_node did not observe stop")
	}

	_, err := f.peel(rid, "A")
	assert.ErrorIs(t, err, ErrOrchestratorStopped)
	assert.Equal(t, domain.StatusWaiting, f.latest(rid, "A").Status)
}
