package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	*httptest.Server
	lastQuery string
	lastBody  map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	f := &fakeAPI{}
	run := FlowRunResponse{ID: 7, Name: "plate", StartNodeID: "peel", CurrentNodeID: "peel", Status: "in-progress", StartedAt: "2026-01-02T03:04:05Z"}

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	readBody := func(r *http.Request) {
		f.lastBody = nil
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/flow-runs", func(w http.ResponseWriter, r *http.Request) {
		readBody(r)
		writeJSON(w, http.StatusCreated, map[string]any{"data": run})
	})
	mux.HandleFunc("GET /api/v1/flow-runs", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"data": []FlowRunResponse{run}, "total": 1})
	})
	mux.HandleFunc("GET /api/v1/flow-runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "7" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "NOT_FOUND", "message": "flow run not found"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": run})
	})
	mux.HandleFunc("GET /api/v1/flow-runs/{id}/node-runs", func(w http.ResponseWriter, r *http.Request) {
		list := []NodeRunResponse{{ID: 1, FlowRunID: 7, NodeID: "peel", Status: "completed", DurationMs: 12}}
		writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": 1})
	})
	mux.HandleFunc("POST /api/v1/flow-runs/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		paused := run
		paused.Status = "paused"
		writeJSON(w, http.StatusOK, map[string]any{"data": paused})
	})
	mux.HandleFunc("POST /api/v1/flow-runs/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{"code": "INVALID_STATE", "message": "flow run is finished"}})
	})
	mux.HandleFunc("POST /api/v1/flow-runs/{id}/nodes/{node}/run", func(w http.ResponseWriter, r *http.Request) {
		readBody(r)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"status": "ready", "node": r.PathValue("node")}})
	})
	mux.HandleFunc("GET /api/v1/instruments", func(w http.ResponseWriter, r *http.Request) {
		list := []InstrumentResponse{{ID: 1, Name: "xpeel", Type: "XPeel", Connected: true, Operations: []string{"peel", "reset"}}}
		writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": 1})
	})
	mux.HandleFunc("GET /api/v1/instruments/queues", func(w http.ResponseWriter, r *http.Request) {
		holder := int64(3)
		list := []QueueResponse{
			{InstrumentID: 1, Name: "xpeel", InUseBy: &holder, Queue: []int64{4, 5}},
			{InstrumentID: 2, Name: "ur-arm", Queue: []int64{}},
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": 2})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func execute(t *testing.T, api *fakeAPI, jsonMode bool, build func(func() *Client, func() *Output) *cobra.Command, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	clientFn := func() *Client { return NewClient(api.URL, 0) }
	outputFn := func() *Output { return NewOutputTo(&stdout, &stderr, jsonMode) }

	cmd := build(clientFn, outputFn)
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestFlowStart(t *testing.T) {
	api := newFakeAPI(t)

	stdout, stderr, err := execute(t, api, false, NewFlowCmd, "start", "peel", "--name", "plate")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "plate", "start_node_id": "peel"}, api.lastBody)
	assert.Contains(t, stderr, "Flow run started: 7")
	assert.Contains(t, stdout, "in-progress")
}

func TestRunList_Filters(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := execute(t, api, false, NewRunCmd, "list", "--status", "paused", "--limit", "5")
	require.NoError(t, err)

	assert.Equal(t, "limit=5&status=paused", api.lastQuery)
	assert.Contains(t, stdout, "ID")
	assert.Contains(t, stdout, "plate")
}

func TestRunShow_JSON(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := execute(t, api, true, NewRunCmd, "show", "7")
	require.NoError(t, err)

	var got FlowRunResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "peel", got.CurrentNodeID)
}

func TestRunShow_APIError(t *testing.T) {
	api := newFakeAPI(t)

	_, _, err := execute(t, api, false, NewRunCmd, "show", "8")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestRunShow_InvalidID(t *testing.T) {
	api := newFakeAPI(t)

	_, _, err := execute(t, api, false, NewRunCmd, "show", "abc")
	assert.ErrorContains(t, err, "invalid flow run id")
}

func TestRunNodes(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := execute(t, api, false, NewRunCmd, "nodes", "7")
	require.NoError(t, err)
	assert.Contains(t, stdout, "completed")
	assert.Contains(t, stdout, "12")
}

func TestRunActions(t *testing.T) {
	api := newFakeAPI(t)

	_, stderr, err := execute(t, api, false, NewRunCmd, "pause", "7")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Flow run 7: paused")

	_, _, err = execute(t, api, false, NewRunCmd, "fail", "7")
	assert.ErrorContains(t, err, "INVALID_STATE: flow run is finished")
}

func TestNodeRun(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := execute(t, api, true, NewNodeCmd,
		"run", "7", "peel",
		"--instrument", "1",
		"--function", "peel",
		"--arg", "param=2",
		"--arg", "adhere=4",
		"--arg", "label=a=b",
	)
	require.NoError(t, err)

	assert.Equal(t, float64(1), api.lastBody["instrument_id"])
	assert.Equal(t, "peel", api.lastBody["function"])
	assert.Equal(t, false, api.lastBody["is_movement"])
	assert.Equal(t, map[string]any{"param": float64(2), "adhere": float64(4), "label": "a=b"}, api.lastBody["args"])

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "ready", out["status"])
	assert.Equal(t, "peel", out["node"])
}

func TestNodeRun_RequiresInstrument(t *testing.T) {
	api := newFakeAPI(t)

	_, _, err := execute(t, api, false, NewNodeCmd, "run", "7", "peel", "--function", "peel")
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"n=3", "speed=0.5", "dry=true", "name=plate"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(3), "speed": 0.5, "dry": true, "name": "plate"}, args)

	args, err = parseArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = parseArgs([]string{"novalue"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"=1"})
	assert.Error(t, err)
}

func TestInstrumentCommands(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := execute(t, api, false, NewInstrumentCmd, "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "xpeel")
	assert.Contains(t, stdout, "peel,reset")

	stdout, _, err = execute(t, api, false, NewInstrumentCmd, "queues")
	require.NoError(t, err)
	assert.Contains(t, stdout, "4,5")
	assert.Contains(t, stdout, "ur-arm")
}
