package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/dispatch"
	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/middleware"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

// ChannelStats is the connection state of one named channel.
type ChannelStats struct {
	Status         string    `json:"status"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastDisconnect time.Time `json:"lastDisconnect,omitempty"`
	Degraded       bool      `json:"degraded"`
	LastError      string    `json:"lastError,omitempty"`
}

// Stats holds the bridge statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Channels map[string]ChannelStats `json:"channels"`

	// Task statistics
	TasksSubmitted int `json:"tasksSubmitted"`
	TasksCompleted int `json:"tasksCompleted"`
	TasksFailed    int `json:"tasksFailed"`
	TasksCancelled int `json:"tasksCancelled"`
	ActiveTasks    int `json:"activeTasks"`

	// Session info
	SessionID  string    `json:"sessionId"`
	StartTime  time.Time `json:"startTime"`
	BackendURL string    `json:"backendUrl"`
}

// Tasks gives the dashboard read and control access to tracked tasks.
type Tasks interface {
	Tasks() []model.TaskRecord
	Task(taskID string) (model.TaskRecord, bool)
	Poll(ctx context.Context, taskID string) (model.TaskRecord, error)
	CancelTask(ctx context.Context, taskID string) (bool, error)
}

// Options configures a Dashboard.
type Options struct {
	SessionID  string
	BackendURL string
	Tasks      Tasks
	Registry   *prometheus.Registry // served on /metrics when set
	Origins    []string             // CORS allow list, empty allows any
	Logger     *zerolog.Logger
}

// Dashboard manages the local status API
type Dashboard struct {
	tasks    Tasks
	registry *prometheus.Registry
	origins  []string
	log      zerolog.Logger

	mu            sync.RWMutex
	stats         Stats
	reconnectFunc func() error
}

// New creates a new dashboard instance
func New(opts Options) *Dashboard {
	return &Dashboard{
		tasks:    opts.Tasks,
		registry: opts.Registry,
		origins:  opts.Origins,
		log:      log.OrComponent(opts.Logger, "dashboard"),
		stats: Stats{
			Channels:   make(map[string]ChannelStats),
			SessionID:  opts.SessionID,
			BackendURL: opts.BackendURL,
			StartTime:  time.Now(),
		},
	}
}

// SetReconnectFunc sets the function to call when reconnect is requested
func (d *Dashboard) SetReconnectFunc(f func() error) {
	d.mu.Lock()
	d.reconnectFunc = f
	d.mu.Unlock()
}

// UpdateConnectionStatus updates the status of one channel
func (d *Dashboard) UpdateConnectionStatus(channel, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := d.stats.Channels[channel]
	prev := cs.Status
	cs.Status = status
	switch {
	case status == "connected":
		cs.ConnectedSince = time.Now()
		cs.Degraded = false
		cs.LastError = ""
	case status == "disconnected" && prev == "connected":
		cs.LastDisconnect = time.Now()
	}
	d.stats.Channels[channel] = cs
}

// RecordDegraded marks a channel as having given up reconnecting
func (d *Dashboard) RecordDegraded(channel string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := d.stats.Channels[channel]
	cs.Degraded = true
	if err != nil {
		cs.LastError = err.Error()
	}
	d.stats.Channels[channel] = cs
}

// RecordTaskSubmitted counts a newly tracked task
func (d *Dashboard) RecordTaskSubmitted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.TasksSubmitted++
}

// RecordTaskFinished counts a task that reached a terminal status
func (d *Dashboard) RecordTaskFinished(status model.TaskStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch status {
	case model.TaskStatusCompleted:
		d.stats.TasksCompleted++
	case model.TaskStatusError:
		d.stats.TasksFailed++
	case model.TaskStatusCancelled:
		d.stats.TasksCancelled++
	}
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	s := d.stats
	s.Channels = make(map[string]ChannelStats, len(d.stats.Channels))
	for k, v := range d.stats.Channels {
		s.Channels[k] = v
	}
	d.mu.RUnlock()

	if d.tasks != nil {
		for _, t := range d.tasks.Tasks() {
			if !t.Status.Terminal() {
				s.ActiveTasks++
			}
		}
	}
	return s
}

// Handler builds the gin engine serving the dashboard API.
func (d *Dashboard) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(d.log), middleware.CORS(d.origins...))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.GET("/stats", d.handleStats)
		api.POST("/reconnect", d.handleReconnect)
		api.GET("/tasks", d.handleTasks)
		api.GET("/tasks/:id", d.handleTask)
		api.POST("/tasks/:id/poll", d.handlePoll)
		api.POST("/tasks/:id/cancel", d.handleCancel)
	}

	if d.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	}
	return r
}

// ServeHTTP starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.log.Info().Str("addr", addr).Msg("starting dashboard server")
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleStats returns the current statistics as JSON
func (d *Dashboard) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.GetStats())
}

// handleReconnect triggers a reconnection of every channel
func (d *Dashboard) handleReconnect(c *gin.Context) {
	d.mu.RLock()
	reconnect := d.reconnectFunc
	d.mu.RUnlock()

	if reconnect == nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Detail: "reconnect function not configured"})
		return
	}

	d.log.Info().Msg("manual reconnect requested")
	if err := reconnect(); err != nil {
		d.log.Warn().Err(err).Msg("reconnect failed")
		c.JSON(http.StatusBadGateway, model.ErrorResponse{Detail: "reconnect failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "reconnected"})
}

func (d *Dashboard) handleTasks(c *gin.Context) {
	if d.tasks == nil {
		c.JSON(http.StatusOK, []model.TaskRecord{})
		return
	}
	tasks := d.tasks.Tasks()
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if tasks == nil {
		tasks = []model.TaskRecord{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (d *Dashboard) handleTask(c *gin.Context) {
	if d.tasks == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: "task not found"})
		return
	}
	rec, ok := d.tasks.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (d *Dashboard) handlePoll(c *gin.Context) {
	if d.tasks == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: "task not found"})
		return
	}
	rec, err := d.tasks.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), model.ErrorResponse{Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (d *Dashboard) handleCancel(c *gin.Context) {
	if d.tasks == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Detail: "task not found"})
		return
	}
	ok, err := d.tasks.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), model.ErrorResponse{Detail: err.Error()})
		return
	}
	msg := "cancel requested"
	if !ok {
		msg = "task not found or already finished"
	}
	c.JSON(http.StatusOK, model.AckResponse{Success: ok, Message: msg})
}

func statusFor(err error) int {
	switch {
	case dispatch.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrPollTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrEmptyTaskID):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
