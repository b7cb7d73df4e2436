package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/vestra/internal/domain"
	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/ledger/memory"
)

const (
	peelerID int64 = 1
	armID    int64 = 2
)

// fakeDevice записывает вызовы и позволяет управлять исходом операций.
type fakeDevice struct {
	mu       sync.Mutex
	calls    []string
	failNext int

	// hook вызывается внутри операции до её завершения
	hook func(ctx context.Context, args instrument.Args) error
}

func (d *fakeDevice) Connect(context.Context) error { return nil }

func (d *fakeDevice) Operations() map[string]instrument.Operation {
	return map[string]instrument.Operation{
		"peel": d.op("peel"),
		"move": d.op("move"),
	}
}

func (d *fakeDevice) op(name string) instrument.Operation {
	return func(ctx context.Context, args instrument.Args) (instrument.Output, error) {
		d.mu.Lock()
		tag, _ := args["tag"].(string)
		d.calls = append(d.calls, tag)
		n := len(d.calls)
		fail := d.failNext > 0
		if fail {
			d.failNext--
		}
		hook := d.hook
		d.mu.Unlock()

		if hook != nil {
			if err := hook(ctx, args); err != nil {
				return nil, err
			}
		}
		if fail {
			return nil, errors.New("tape jammed")
		}
		return instrument.Output{"op": name, "call": n, "tag": tag}, nil
	}
}

func (d *fakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) SetHook(h func(ctx context.Context, args instrument.Args) error) {
	d.mu.Lock()
	d.hook = h
	d.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	store    *memory.Store
	ledger   *ledger.Ledger
	graph    *flowgraph.Holder
	registry *instrument.Registry
	orch     *Orchestrator
	peeler   *fakeDevice
	arm      *fakeDevice
}

// chain строит линейный граф из шагов.
func chain(ids ...string) []flowgraph.RawNode {
	nodes := make([]flowgraph.RawNode, 0, len(ids))
	for i, id := range ids {
		wires := [][]string{{}}
		if i+1 < len(ids) {
			wires = [][]string{{ids[i+1]}}
		}
		nodes = append(nodes, flowgraph.RawNode{ID: id, Type: "step", Wires: wires})
	}
	return nodes
}

func newFixture(t *testing.T, nodes []flowgraph.RawNode) *fixture {
	t.Helper()

	g, err := flowgraph.Build(nodes, flowgraph.Options{})
	require.NoError(t, err)

	store := memory.New()
	store.AddInstrument(domain.Instrument{ID: peelerID, Name: "peeler", Type: "fake", Enabled: true})
	store.AddInstrument(domain.Instrument{
		ID:      armID,
		Name:    "arm",
		Type:    "fake",
		Enabled: true,
		ConnectionInfo: json.RawMessage(`{"waypoint_locations": {
			"1": "hotel-1", "2": "peeler-nest", "3": "hotel-2"
		}}`),
	})
	store.AddPlateLocation(domain.PlateLocation{ID: "peeler-nest", Type: "instrument", InstrumentID: ptr(peelerID)})
	store.AddPlateLocation(domain.PlateLocation{ID: "hotel-1", Type: "hotel"})
	store.AddPlateLocation(domain.PlateLocation{ID: "hotel-2", Type: "hotel"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		t:        t,
		store:    store,
		ledger:   store.Ledger(),
		graph:    flowgraph.NewHolder(g),
		registry: instrument.NewRegistry(instrument.RegistryConfig{Logger: logger}),
		peeler:   &fakeDevice{},
		arm:      &fakeDevice{},
	}

	peeler, err := f.ledger.Instruments.Fetch(context.Background(), peelerID)
	require.NoError(t, err)
	arm, err := f.ledger.Instruments.Fetch(context.Background(), armID)
	require.NoError(t, err)
	require.NoError(t, f.registry.Add(*peeler, f.peeler))
	require.NoError(t, f.registry.Add(*arm, f.arm))

	f.orch = New(Config{
		Ledger:           f.ledger,
		Graph:            f.graph,
		Registry:         f.registry,
		PollInterval:     20 * time.Millisecond,
		DispatchInterval: 10 * time.Millisecond,
		MinBackoff:       time.Millisecond,
		Logger:           logger,
	})
	return f
}

// start запускает dispatcher и останавливает его в конце теста.
func (f *fixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.orch.Start(context.Background()))
	f.t.Cleanup(f.orch.Stop)
}

func (f *fixture) startFlow(name, startNode string) int64 {
	f.t.Helper()
	id, err := f.orch.StartFlow(context.Background(), name, startNode)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) flowRun(id int64) *domain.FlowRun {
	f.t.Helper()
	fr, err := f.ledger.FlowRuns.Fetch(context.Background(), id)
	require.NoError(f.t, err)
	return fr
}

func (f *fixture) latest(flowRunID int64, nodeID string) *domain.NodeRun {
	f.t.Helper()
	nr, err := f.ledger.NodeRuns.FetchLatest(context.Background(), flowRunID, nodeID)
	require.NoError(f.t, err)
	return nr
}

func (f *fixture) holder(location string) *domain.NodeRun {
	f.t.Helper()
	nr, err := f.ledger.PlateLocations.ClaimHolder(context.Background(), location)
	require.NoError(f.t, err)
	return nr
}

func (f *fixture) instrumentClaim(id int64) *int64 {
	f.t.Helper()
	inst, err := f.ledger.Instruments.Fetch(context.Background(), id)
	require.NoError(f.t, err)
	return inst.InUseBy
}

// occupy создаёт постороннюю попытку со статусом status и отдаёт ей место.
func (f *fixture) occupy(location string, status domain.Status) *domain.NodeRun {
	f.t.Helper()
	ctx := context.Background()

	other, err := f.ledger.FlowRuns.Create(ctx, "other", "X")
	require.NoError(f.t, err)
	nr, err := f.ledger.NodeRuns.Create(ctx, other.ID, "X", nil)
	require.NoError(f.t, err)

	if status == domain.StatusCompleted {
		require.NoError(f.t, f.ledger.NodeRuns.Complete(ctx, nr.ID, nil))
	} else {
		require.NoError(f.t, f.ledger.NodeRuns.SetStatus(ctx, nr.ID, status))
	}
	require.NoError(f.t, f.ledger.PlateLocations.SetClaim(ctx, location, &nr.ID))

	nr, err = f.ledger.NodeRuns.Fetch(ctx, nr.ID)
	require.NoError(f.t, err)
	return nr
}

// hold отдаёт прибор посторонней попытке в статусе in-progress.
func (f *fixture) hold(instrumentID int64) *domain.NodeRun {
	f.t.Helper()
	ctx := context.Background()

	other, err := f.ledger.FlowRuns.Create(ctx, "blocker", "X")
	require.NoError(f.t, err)
	nr, err := f.ledger.NodeRuns.Create(ctx, other.ID, "X", nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.ledger.NodeRuns.SetStatus(ctx, nr.ID, domain.StatusInProgress))
	require.NoError(f.t, f.ledger.Instruments.SetClaim(ctx, instrumentID, &nr.ID))
	return nr
}

// finish завершает постороннюю попытку и будит ожидающих.
func (f *fixture) finish(nr *domain.NodeRun) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.NodeRuns.Complete(context.Background(), nr.ID, nil))
	f.orch.Hub().Notify()
}

// queued ждёт, пока в очереди прибора окажется n попыток.
func (f *fixture) queued(instrumentID int64, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return len(f.registry.Queues()[instrumentID]) == n
	}, 2*time.Second, time.Millisecond)
}

// runAsync вызывает peel в отдельной горутине.
func (f *fixture) runAsync(ctx context.Context, flowRunID int64, nodeID string) chan error {
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunNode(ctx, RunNodeRequest{
			FlowRunID:    flowRunID,
			NodeID:       nodeID,
			InstrumentID: peelerID,
			Function:     "peel",
			Args:         instrument.Args{"tag": nodeID},
		})
		done <- err
	}()
	return done
}

func (f *fixture) peel(flowRunID int64, nodeID string) (instrument.Output, error) {
	return f.orch.RunNode(context.Background(), RunNodeRequest{
		FlowRunID:    flowRunID,
		NodeID:       nodeID,
		InstrumentID: peelerID,
		Function:     "peel",
		Args:         instrument.Args{"tag": nodeID},
	})
}

func ptr[T any](v T) *T { return &v }
