// Package fakebackend is an in-process stand-in for the WinDBG analysis
// backend: the REST surface, the /ws/output and /ws/session channels and an
// in-memory task table. Tests drive it directly; the CLI serves it for local
// development.
package fakebackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/middleware"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

// Channel names, also the last path segment of their websocket routes.
const (
	ChannelOutput  = "output"
	ChannelSession = "session"
)

// Route patterns, usable with FailNext and Requests.
const (
	RouteExecute     = "/api/command/execute"
	RouteNatural     = "/api/command/natural"
	RouteAnalyze     = "/api/analysis/analyze-async"
	RouteTask        = "/api/analysis/task/:id"
	RouteCancel      = "/api/analysis/task/:id/cancel"
	RouteReport      = "/api/analysis/report"
	RouteClearCache  = "/api/analysis/clear-cache"
	RouteLoad        = "/api/session/load"
	RouteClose       = "/api/session/close"
	RouteStatus      = "/api/session/status"
	RouteHistory     = "/api/session/history"
)

// timestampLayout matches the backend's naive ISO-8601 timestamps.
const timestampLayout = "2006-01-02T15:04:05.000000"

// Options configures a Backend.
type Options struct {
	Logger *zerolog.Logger
	// StepDelay paces the simulated analysis of submitted tasks. Zero
	// leaves tasks pending until driven with Progress.
	StepDelay time.Duration
}

// Backend is the fake server. Mount Handler on an http.Server or httptest.
type Backend struct {
	opts     Options
	log      zerolog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	hubs     map[string]*hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*model.TaskSnapshot
	stops     map[string]context.CancelFunc
	history   []string
	dumpFile  string
	pollDelay time.Duration
	failures  map[string]int
	requests  map[string]int
	rejectWS  bool
}

// New creates a Backend.
func New(opts Options) *Backend {
	gin.SetMode(gin.ReleaseMode)
	logger := log.OrComponent(opts.Logger, "fakebackend")

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs: map[string]*hub{
			ChannelOutput:  newHub(ChannelOutput, logger),
			ChannelSession: newHub(ChannelSession, logger),
		},
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*model.TaskSnapshot),
		stops:    make(map[string]context.CancelFunc),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), b.inject)
	b.registerRoutes(r)
	b.engine = r
	return b
}

// Handler returns the HTTP handler serving REST and websocket routes.
func (b *Backend) Handler() http.Handler {
	return b.engine
}

// Serve listens on addr until ctx is cancelled.
func (b *Backend) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: b.engine}

	errCh := make(chan error, 1)
	go func() {
		b.log.Info().Str("addr", addr).Msg("fake backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Close()
	return srv.Shutdown(shutdownCtx)
}

// Close stops simulations, drops every websocket client and waits for their
// goroutines.
func (b *Backend) Close() {
	b.cancel()
	for _, h := range b.hubs {
		h.dropAll()
	}
	b.wg.Wait()
}

func (b *Backend) registerRoutes(r *gin.Engine) {
	r.GET("/ws/:channel", b.webSocket)

	api := r.Group("/api")
	{
		api.POST("/command/execute", b.executeCommand)
		api.POST("/command/natural", b.executeNatural)

		api.POST("/analysis/analyze-async", b.analyzeAsync)
		api.GET("/analysis/task/:id", b.getTask)
		api.POST("/analysis/task/:id/cancel", b.cancelTask)
		api.POST("/analysis/report", b.analyzeReport)
		api.POST("/analysis/clear-cache", b.clearCache)

		api.POST("/session/load", b.loadDump)
		api.POST("/session/close", b.closeSession)
		api.GET("/session/status", b.sessionStatus)
		api.GET("/session/history", b.sessionHistory)
	}
}

// inject counts requests and applies queued failures and the poll delay.
func (b *Backend) inject(c *gin.Context) {
	route := c.FullPath()

	b.mu.Lock()
	b.requests[route]++
	status, fail := b.failures[route]
	if fail {
		delete(b.failures, route)
	}
	delay := b.pollDelay
	b.mu.Unlock()

	if fail {
		c.AbortWithStatusJSON(status, model.ErrorResponse{Detail: fmt.Sprintf("injected failure on %s", route)})
		return
	}
	if route == RouteTask && delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	c.Next()
}

func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, model.ErrorResponse{Detail: msg})
}

// ─────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────

func (b *Backend) executeCommand(c *gin.Context) {
	var req model.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		detail(c, http.StatusBadRequest, "command must not be empty")
		return
	}
	mode, err := model.ParseOutputMode(string(req.Mode))
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return
	}

	res := b.run(req.Command)
	b.hubs[ChannelOutput].broadcast(map[string]any{
		"type":    model.EventCommandOutput,
		"command": res.Command,
		"output":  res.Output,
		"success": res.Success,
		"mode":    mode,
	})
	c.JSON(http.StatusOK, res)
}

func (b *Backend) executeNatural(c *gin.Context) {
	var req model.NaturalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		detail(c, http.StatusBadRequest, "input must not be empty")
		return
	}
	mode, err := model.ParseOutputMode(string(req.Mode))
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return
	}

	res := b.run(naturalCommand(req.Input))
	b.hubs[ChannelOutput].broadcast(map[string]any{
		"type":       model.EventNaturalLanguageOutput,
		"input":      req.Input,
		"command":    res.Command,
		"output":     res.Output,
		"success":    res.Success,
		"confidence": 0.9,
		"mode":       mode,
	})
	c.JSON(http.StatusOK, res)
}

func (b *Backend) run(command string) model.CommandResult {
	b.mu.Lock()
	b.history = append(b.history, command)
	b.mu.Unlock()
	return model.CommandResult{
		Success: true,
		Command: command,
		Output:  fmt.Sprintf("0:000> %s\n(fake output for %s)", command, command),
	}
}

// naturalCommand maps a request to a debugger command with a few keywords.
func naturalCommand(input string) string {
	in := strings.ToLower(input)
	switch {
	case strings.Contains(in, "stack"):
		return "k"
	case strings.Contains(in, "module"):
		return "lm"
	case strings.Contains(in, "register"):
		return "r"
	case strings.Contains(in, "thread"):
		return "~*k"
	}
	return "!analyze -v"
}

// ─────────────────────────────────────────────
// Analysis
// ─────────────────────────────────────────────

func (b *Backend) analyzeAsync(c *gin.Context) {
	var req model.AnalyzeAsyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id := uuid.NewString()
	snap := &model.TaskSnapshot{
		TaskID:    id,
		Status:    model.TaskStatusPending,
		Message:   "task created",
		CreatedAt: time.Now().Format(timestampLayout),
	}

	b.mu.Lock()
	b.tasks[id] = snap
	if b.opts.StepDelay > 0 && b.ctx.Err() == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		b.stops[id] = cancel
		b.wg.Add(1)
		go b.simulate(ctx, id, req.Streaming)
	}
	b.mu.Unlock()

	b.log.Debug().Str("task_id", id).Str("command", req.Command).Msg("analysis task created")
	c.JSON(http.StatusOK, model.AnalyzeAsyncResponse{TaskID: id, Message: "analysis task started"})
}

// simulate walks a task through the stages the real analyser reports.
func (b *Backend) simulate(ctx context.Context, id string, streaming bool) {
	defer b.wg.Done()

	steps := []model.AnalysisProgress{
		{Status: model.TaskStatusRunning, Progress: 10, Message: "preparing analysis"},
		{Status: model.TaskStatusRunning, Progress: 20, Message: "parsing output"},
		{Status: model.TaskStatusRunning, Progress: 40, Message: "calling model"},
	}
	if streaming {
		for pct := 41; pct <= 45; pct++ {
			steps = append(steps, model.AnalysisProgress{
				Status:   model.TaskStatusRunning,
				Progress: pct,
				Message:  fmt.Sprintf("thinking chunk %d", pct-40),
			})
		}
	}
	steps = append(steps,
		model.AnalysisProgress{Status: model.TaskStatusRunning, Progress: 80, Message: "building report"},
		model.AnalysisProgress{Status: model.TaskStatusCompleted, Progress: 100, Message: "analysis finished", Result: SampleReport()},
	)

	timer := time.NewTimer(b.opts.StepDelay)
	defer timer.Stop()
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		step.TaskID = id
		if !b.advance(ctx, step) {
			return
		}
		timer.Reset(b.opts.StepDelay)
	}
}

// advance applies step unless the task was cancelled meanwhile.
func (b *Backend) advance(ctx context.Context, step model.AnalysisProgress) bool {
	b.mu.Lock()
	if ctx.Err() != nil {
		b.mu.Unlock()
		return false
	}
	b.applyLocked(step)
	b.mu.Unlock()

	b.broadcastProgress(step)
	return true
}

// Progress sets a task's state (creating the task if needed) and pushes the
// matching analysis_progress event on the output channel. It returns the
// number of clients the event was queued for.
func (b *Backend) Progress(p model.AnalysisProgress) int {
	b.mu.Lock()
	b.applyLocked(p)
	b.mu.Unlock()
	return b.broadcastProgress(p)
}

// SetTask changes a task's state without pushing anything, as when a push
// is lost.
func (b *Backend) SetTask(p model.AnalysisProgress) {
	b.mu.Lock()
	b.applyLocked(p)
	b.mu.Unlock()
}

func (b *Backend) applyLocked(p model.AnalysisProgress) {
	snap, ok := b.tasks[p.TaskID]
	now := time.Now().Format(timestampLayout)
	if !ok {
		snap = &model.TaskSnapshot{TaskID: p.TaskID, CreatedAt: now}
		b.tasks[p.TaskID] = snap
	}
	if p.Status != "" {
		snap.Status = p.Status
	}
	snap.Progress = p.Progress
	snap.Message = p.Message
	snap.Result = p.Result
	snap.Error = nil
	if p.Error != "" {
		e := p.Error
		snap.Error = &e
	}
	if snap.Status == model.TaskStatusRunning && snap.StartedAt == nil {
		snap.StartedAt = &now
	}
	if snap.Status == model.TaskStatusRunning && p.Message != "" {
		snap.ThinkingHistory = append(snap.ThinkingHistory, model.ThinkingSnippet{Timestamp: now, Content: p.Message})
	}
	if snap.Status.Terminal() && snap.CompletedAt == nil {
		snap.CompletedAt = &now
	}
}

func (b *Backend) broadcastProgress(p model.AnalysisProgress) int {
	ev := struct {
		Type     model.EventType  `json:"type"`
		TaskID   string           `json:"task_id"`
		Status   model.TaskStatus `json:"status"`
		Progress int              `json:"progress"`
		Message  string           `json:"message"`
		Result   json.RawMessage  `json:"result"`
		Error    *string          `json:"error"`
	}{
		Type:     model.EventAnalysisProgress,
		TaskID:   p.TaskID,
		Status:   p.Status,
		Progress: p.Progress,
		Message:  p.Message,
		Result:   p.Result,
	}
	if p.Error != "" {
		ev.Error = &p.Error
	}
	if ev.Result == nil {
		ev.Result = json.RawMessage("null")
	}
	return b.hubs[ChannelOutput].broadcast(ev)
}

func (b *Backend) getTask(c *gin.Context) {
	b.mu.Lock()
	snap, ok := b.tasks[c.Param("id")]
	var out model.TaskSnapshot
	if ok {
		out = *snap
	}
	b.mu.Unlock()

	if !ok {
		detail(c, http.StatusNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) cancelTask(c *gin.Context) {
	id := c.Param("id")

	b.mu.Lock()
	snap, ok := b.tasks[id]
	if !ok || snap.Status.Terminal() {
		b.mu.Unlock()
		c.JSON(http.StatusOK, model.AckResponse{Success: false, Message: "task not found or already finished"})
		return
	}
	if stop, ok := b.stops[id]; ok {
		stop()
		delete(b.stops, id)
	}
	step := model.AnalysisProgress{TaskID: id, Status: model.TaskStatusCancelled, Progress: snap.Progress, Message: "task cancelled"}
	b.applyLocked(step)
	b.mu.Unlock()

	b.broadcastProgress(step)
	c.JSON(http.StatusOK, model.AckResponse{Success: true, Message: "task cancelled"})
}

func (b *Backend) analyzeReport(c *gin.Context) {
	var req model.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var rep model.AnalysisReport
	_ = json.Unmarshal(SampleReport(), &rep)
	b.hubs[ChannelOutput].broadcast(map[string]any{
		"type":   model.EventAnalysisReport,
		"report": rep,
	})
	c.JSON(http.StatusOK, rep)
}

func (b *Backend) clearCache(c *gin.Context) {
	c.JSON(http.StatusOK, model.AckResponse{Success: true, Message: "analysis cache cleared"})
}

// SampleReport is the report every simulated analysis completes with.
func SampleReport() json.RawMessage {
	return json.RawMessage(`{"summary":"Access violation reading a null pointer","crash_type":"ACCESS_VIOLATION",` +
		`"exception_code":"0xC0000005","exception_address":"0x00007ff6a1b21234",` +
		`"exception_description":"The thread tried to read from address 0x0","root_cause":"Dereference of an uninitialised pointer",` +
		`"suggestions":["Check the pointer before use","Inspect the caller with kb"],"confidence":0.85}`)
}

// ─────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────

func (b *Backend) loadDump(c *gin.Context) {
	var req model.LoadDumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Filepath) == "" {
		detail(c, http.StatusBadRequest, "filepath must not be empty")
		return
	}

	b.mu.Lock()
	b.dumpFile = req.Filepath
	b.history = nil
	b.mu.Unlock()

	b.hubs[ChannelSession].broadcast(map[string]any{
		"type":      model.EventSessionLoaded,
		"dump_file": req.Filepath,
		"state":     "ready",
	})
	c.JSON(http.StatusOK, model.AckResponse{Success: true, Message: "dump file loaded"})
}

func (b *Backend) closeSession(c *gin.Context) {
	b.mu.Lock()
	b.dumpFile = ""
	for id, stop := range b.stops {
		stop()
		delete(b.stops, id)
	}
	b.mu.Unlock()

	b.hubs[ChannelSession].broadcast(map[string]any{
		"type":  model.EventSessionClosed,
		"state": "idle",
	})
	c.JSON(http.StatusOK, model.AckResponse{Success: true, Message: "session closed"})
}

func (b *Backend) sessionStatus(c *gin.Context) {
	b.mu.Lock()
	st := model.SessionStatus{State: "idle", DisplayMode: string(model.ModeSmart), WindbgAvailable: true}
	if b.dumpFile != "" {
		f := b.dumpFile
		st.State = "ready"
		st.DumpFile = &f
		st.SessionActive = true
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, st)
}

func (b *Backend) sessionHistory(c *gin.Context) {
	b.mu.Lock()
	h := append([]string{}, b.history...)
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"history": h, "count": len(h)})
}

// ─────────────────────────────────────────────
// WebSocket
// ─────────────────────────────────────────────

func (b *Backend) webSocket(c *gin.Context) {
	h, ok := b.hubs[c.Param("channel")]
	if !ok {
		detail(c, http.StatusNotFound, "unknown channel")
		return
	}

	b.mu.Lock()
	reject := b.rejectWS || b.ctx.Err() != nil
	if !reject {
		b.wg.Add(1)
	}
	b.mu.Unlock()
	if reject {
		detail(c, http.StatusServiceUnavailable, "websocket unavailable")
		return
	}
	defer b.wg.Done()

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}
	newClient(conn, h).run()
}

// ─────────────────────────────────────────────
// Test controls
// ─────────────────────────────────────────────

// Broadcast pushes v as JSON on channel and returns the number of clients
// it was queued for.
func (b *Backend) Broadcast(channel string, v any) int {
	h, ok := b.hubs[channel]
	if !ok {
		return 0
	}
	return h.broadcast(v)
}

// BroadcastRaw pushes data unchanged, e.g. a malformed frame.
func (b *Backend) BroadcastRaw(channel string, data []byte) int {
	h, ok := b.hubs[channel]
	if !ok {
		return 0
	}
	return h.broadcastRaw(data)
}

// Connections returns the number of clients on channel.
func (b *Backend) Connections(channel string) int {
	h, ok := b.hubs[channel]
	if !ok {
		return 0
	}
	return h.count()
}

// DropConnections closes every websocket transport abruptly.
func (b *Backend) DropConnections() {
	for _, h := range b.hubs {
		h.dropAll()
	}
}

// RejectWebsockets makes new websocket handshakes fail with 503.
func (b *Backend) RejectWebsockets(reject bool) {
	b.mu.Lock()
	b.rejectWS = reject
	b.mu.Unlock()
}

// SetPollDelay delays every GET of a task.
func (b *Backend) SetPollDelay(d time.Duration) {
	b.mu.Lock()
	b.pollDelay = d
	b.mu.Unlock()
}

// FailNext makes the next request to route fail with status.
func (b *Backend) FailNext(route string, status int) {
	b.mu.Lock()
	b.failures[route] = status
	b.mu.Unlock()
}

// Requests returns how many requests hit route.
func (b *Backend) Requests(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[route]
}

// Task returns a copy of a task's state.
func (b *Backend) Task(id string) (model.TaskSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.tasks[id]
	if !ok {
		return model.TaskSnapshot{}, false
	}
	return *snap, true
}

// History returns the commands run so far.
func (b *Backend) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}
