package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// FlowRunResponse — запуск flow из API.
type FlowRunResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	StartNodeID   string `json:"start_node_id"`
	CurrentNodeID string `json:"current_node_id"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
}

// NodeRunResponse — попытка выполнения узла из API.
type NodeRunResponse struct {
	ID         int64          `json:"id"`
	FlowRunID  int64          `json:"flow_run_id"`
	NodeID     string         `json:"node_id"`
	Status     string         `json:"status"`
	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// InstrumentResponse — прибор из API.
type InstrumentResponse struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Connected  bool     `json:"connected"`
	Operations []string `json:"operations"`
	Queue      []int64  `json:"queue"`
}

// QueueResponse — очередь прибора из API.
type QueueResponse struct {
	InstrumentID int64   `json:"instrument_id"`
	Name         string  `json:"name"`
	InUseBy      *int64  `json:"in_use_by,omitempty"`
	Queue        []int64 `json:"queue"`
}

// --- Request types ---

// StartFlowRequest — запуск flow.
type StartFlowRequest struct {
	Name        string `json:"name,omitempty"`
	StartNodeID string `json:"start_node_id"`
}

// RunNodeRequest — вызов узла.
type RunNodeRequest struct {
	InstrumentID int64          `json:"instrument_id"`
	Function     string         `json:"function"`
	Args         map[string]any `json:"args,omitempty"`
	IsMovement   bool           `json:"is_movement"`
}

// ListFlowRunsOpts — параметры фильтрации запусков.
type ListFlowRunsOpts struct {
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// DefaultTimeout — таймаут запроса по умолчанию. Вызов узла держит
// запрос, пока прибор не освободится и не выполнит операцию.
const DefaultTimeout = 10 * time.Minute

// Client — HTTP-клиент для API оркестратора.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. timeout <= 0 — DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// --- Flow runs ---

// StartFlow создаёт запуск flow.
func (c *Client) StartFlow(req StartFlowRequest) (*FlowRunResponse, error) {
	var fr FlowRunResponse
	err := c.post("/api/v1/flow-runs", req, &fr)
	return &fr, err
}

// ListFlowRuns возвращает запуски с фильтрацией.
func (c *Client) ListFlowRuns(opts ListFlowRunsOpts) ([]FlowRunResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []FlowRunResponse
	err := c.list("/api/v1/flow-runs", params, &runs)
	return runs, err
}

// GetFlowRun возвращает запуск по ID.
func (c *Client) GetFlowRun(id int64) (*FlowRunResponse, error) {
	var fr FlowRunResponse
	err := c.get(flowRunPath(id), &fr)
	return &fr, err
}

// ListNodeRuns возвращает попытки запуска.
func (c *Client) ListNodeRuns(id int64) ([]NodeRunResponse, error) {
	var runs []NodeRunResponse
	err := c.list(flowRunPath(id)+"/node-runs", nil, &runs)
	return runs, err
}

// PauseFlowRun ставит запуск на паузу.
func (c *Client) PauseFlowRun(id int64) (*FlowRunResponse, error) {
	return c.flowRunAction(id, "pause")
}

// ResumeFlowRun снимает запуск с паузы.
func (c *Client) ResumeFlowRun(id int64) (*FlowRunResponse, error) {
	return c.flowRunAction(id, "resume")
}

// FailFlowRun помечает запуск как failed.
func (c *Client) FailFlowRun(id int64) (*FlowRunResponse, error) {
	return c.flowRunAction(id, "fail")
}

func (c *Client) flowRunAction(id int64, action string) (*FlowRunResponse, error) {
	var fr FlowRunResponse
	err := c.post(flowRunPath(id)+"/"+action, nil, &fr)
	return &fr, err
}

// RunNode выполняет узел запуска и возвращает результат операции.
func (c *Client) RunNode(flowRunID int64, nodeID string, req RunNodeRequest) (map[string]any, error) {
	var out map[string]any
	err := c.post(flowRunPath(flowRunID)+"/nodes/"+url.PathEscape(nodeID)+"/run", req, &out)
	return out, err
}

// --- Instruments ---

// ListInstruments возвращает приборы.
func (c *Client) ListInstruments() ([]InstrumentResponse, error) {
	var list []InstrumentResponse
	err := c.list("/api/v1/instruments", nil, &list)
	return list, err
}

// InstrumentQueues возвращает очереди приборов.
func (c *Client) InstrumentQueues() ([]QueueResponse, error) {
	var list []QueueResponse
	err := c.list("/api/v1/instruments/queues", nil, &list)
	return list, err
}

func flowRunPath(id int64) string {
	return "/api/v1/flow-runs/" + strconv.FormatInt(id, 10)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
