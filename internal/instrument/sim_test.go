package instrument

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vestra/internal/domain"
)

func TestArgs_Int(t *testing.T) {
	args := Args{
		"i":   7,
		"f":   float64(3),
		"fr":  2.5,
		"n":   json.Number("12"),
		"s":   "5",
		"bad": true,
		"big": 1e300,
		"neg": -1e19,
		"inf": math.Inf(1),
	}

	for key, want := range map[string]int{"i": 7, "f": 3, "n": 12, "s": 5} {
		got, err := args.Int(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	for _, key := range []string{"fr", "bad", "missing", "big", "neg", "inf"} {
		_, err := args.Int(key)
		assert.ErrorIs(t, err, ErrInvalidArgument, key)
	}

	f, err := args.Float("fr")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)
}

func TestSimPeeler(t *testing.T) {
	ctx := context.Background()
	p := NewSimPeeler(domain.Instrument{ID: 1, Name: "peeler"}, SimConfig{})

	// Без подключения операции падают
	_, err := p.Operations()["status"](ctx, nil)
	require.Error(t, err)

	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Connect(ctx))

	out, err := p.Operations()["peel"](ctx, Args{"param": 9, "adhere": 2})
	require.NoError(t, err)
	assert.Equal(t, "ready", out["type"])
	assert.Equal(t, 9, out["param"])

	_, err = p.Operations()["peel"](ctx, Args{"param": 9})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	out, err = p.Operations()["tape_remaining"](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 99, out["deseals_remaining"])
	assert.Equal(t, 1, p.Calls("peel"))
}

func TestSimArm(t *testing.T) {
	ctx := context.Background()
	a, err := NewSimArm(domain.Instrument{
		ID:             2,
		Name:           "arm",
		ConnectionInfo: json.RawMessage(`{"waypoint_locations": {"1": "hotel-1", "2": "peeler"}}`),
	}, SimConfig{})
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))

	out, err := a.Operations()["move"](ctx, Args{
		"source_waypoint_number":      1,
		"destination_waypoint_number": 2,
		"delay_between_movements":     0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["destination_waypoint_number"])
	assert.Equal(t, 2, a.Position())

	_, err = a.Operations()["move_to_joint_waypoint"](ctx, Args{"waypoint_number": 5})
	require.NoError(t, err)

	out, err = a.Operations()["retrieve_state_joint"](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{5.0, 0.0, 0.0, 0.0, 0.0, 0.0}, out["q"])

	_, err = NewSimArm(domain.Instrument{ConnectionInfo: json.RawMessage(`{`)}, SimConfig{})
	assert.Error(t, err)
}

func TestSim_OpDelayHonorsContext(t *testing.T) {
	p := NewSimPeeler(domain.Instrument{Name: "slow"}, SimConfig{OpDelay: time.Minute})
	require.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Operations()["status"](ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
