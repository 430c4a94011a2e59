package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

const (
	// DefaultRequestTimeout bounds every call that has no tighter deadline.
	DefaultRequestTimeout = 30 * time.Second

	// RequestIDHeader is set on every outbound call.
	RequestIDHeader = "X-Request-ID"

	maxErrorBody = 64 << 10
)

// Operation names, used for errors and metric labels.
const (
	OpExecuteCommand = "execute_command"
	OpExecuteNatural = "execute_natural"
	OpStartAnalysis  = "start_analysis"
	OpPollTask       = "poll_task"
	OpCancelTask     = "cancel_task"
	OpAnalyzeReport  = "analyze_report"
	OpClearCache     = "clear_cache"
	OpLoadDump       = "load_dump"
	OpCloseSession   = "close_session"
	OpSessionStatus  = "session_status"
	OpHistory        = "history"
)

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Detail)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string // e.g. http://localhost:8000
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
}

// Client handles backend REST calls
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a REST client for the backend at opts.BaseURL.
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		log:        log.OrComponent(opts.Logger, "dispatch"),
		metrics:    opts.Metrics,
	}, nil
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends a JSON request and decodes a JSON reply into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeOK
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = metrics.OutcomeTimeout
		case err != nil:
			outcome = metrics.OutcomeError
		}
		c.metrics.Requests.WithLabelValues(op, outcome).Inc()
		c.metrics.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// http.Client wraps the context error; keep it reachable for errors.Is.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// readDetail extracts the backend's {"detail": ...} message, falling back to
// the raw body text.
func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		return string(body.Detail)
	}
	return strings.TrimSpace(string(data))
}

// ExecuteCommand runs a raw debugger command.
func (c *Client) ExecuteCommand(ctx context.Context, r model.CommandRequest) (*model.CommandResult, error) {
	var out model.CommandResult
	if err := c.do(ctx, OpExecuteCommand, http.MethodPost, "/api/command/execute", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteNatural asks the backend to translate and run a natural language request.
func (c *Client) ExecuteNatural(ctx context.Context, r model.NaturalRequest) (*model.CommandResult, error) {
	var out model.CommandResult
	if err := c.do(ctx, OpExecuteNatural, http.MethodPost, "/api/command/natural", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartAnalysis submits an asynchronous analysis and returns its task id.
func (c *Client) StartAnalysis(ctx context.Context, r model.AnalyzeAsyncRequest) (*model.AnalyzeAsyncResponse, error) {
	var out model.AnalyzeAsyncResponse
	if err := c.do(ctx, OpStartAnalysis, http.MethodPost, "/api/analysis/analyze-async", r, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, fmt.Errorf("%s: backend returned no task id", OpStartAnalysis)
	}
	return &out, nil
}

// PollTask fetches the current state of one task.
func (c *Client) PollTask(ctx context.Context, taskID string) (*model.TaskSnapshot, error) {
	var out model.TaskSnapshot
	if err := c.do(ctx, OpPollTask, http.MethodGet, "/api/analysis/task/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return &out, nil
}

// CancelTask asks the backend to cancel a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*model.AckResponse, error) {
	var out model.AckResponse
	if err := c.do(ctx, OpCancelTask, http.MethodPost, "/api/analysis/task/"+url.PathEscape(taskID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeReport runs a synchronous analysis.
func (c *Client) AnalyzeReport(ctx context.Context, r model.AnalyzeRequest) (*model.AnalysisReport, error) {
	var out model.AnalysisReport
	if err := c.do(ctx, OpAnalyzeReport, http.MethodPost, "/api/analysis/report", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearCache drops the backend's analysis cache.
func (c *Client) ClearCache(ctx context.Context) (*model.AckResponse, error) {
	var out model.AckResponse
	if err := c.do(ctx, OpClearCache, http.MethodPost, "/api/analysis/clear-cache", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadDump opens a crash dump in the debugger.
func (c *Client) LoadDump(ctx context.Context, path string) (*model.AckResponse, error) {
	var out model.AckResponse
	if err := c.do(ctx, OpLoadDump, http.MethodPost, "/api/session/load", model.LoadDumpRequest{Filepath: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession closes the debugger session.
func (c *Client) CloseSession(ctx context.Context) (*model.AckResponse, error) {
	var out model.AckResponse
	if err := c.do(ctx, OpCloseSession, http.MethodPost, "/api/session/close", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionStatus returns the debugger session state.
func (c *Client) SessionStatus(ctx context.Context) (*model.SessionStatus, error) {
	var out model.SessionStatus
	if err := c.do(ctx, OpSessionStatus, http.MethodGet, "/api/session/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the commands run in the backend's current session.
func (c *Client) History(ctx context.Context) ([]string, error) {
	var out model.HistoryResponse
	if err := c.do(ctx, OpHistory, http.MethodGet, "/api/session/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}
