// Package tracker reconciles pushed and polled analysis task state into one
// stream of task state changes.
//
// Every task identifier has one record. Records move pending → running →
// completed | error | cancelled and never leave a terminal status. Updates
// that would move a record backwards (an earlier stage or a lower progress)
// and updates that change nothing are dropped, so the same terminal report
// arriving from both the websocket and a poll is announced exactly once.
package tracker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

const (
	DefaultDisplayGrace = 2 * time.Second
	DefaultEarlyBuffer  = 64
	DefaultMaxThinking  = 200

	unknownErrorDetail = "unknown error"
)

var ErrEmptyTaskID = errors.New("empty task id")

// Change is one emitted task state transition.
type Change struct {
	TaskID   string
	Previous model.TaskStatus // empty when the record was just created
	Record   model.TaskRecord
	Source   model.Source
}

// Transitioned reports whether the status changed (as opposed to a progress
// or message update within the same status).
func (c Change) Transitioned() bool {
	return c.Previous != c.Record.Status
}

// Options configures a Tracker.
type Options struct {
	// DisplayGrace delays the cleared signal after completion. Negative
	// disables it.
	DisplayGrace time.Duration
	// EarlyBuffer bounds how many unknown task ids keep their latest update
	// until Track is called for them.
	EarlyBuffer int
	MaxThinking int

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type listener struct {
	id uint64
	fn func(Change)
}

type clearListener struct {
	id uint64
	fn func(taskID string)
}

type earlyUpdate struct {
	update model.AnalysisProgress
	source model.Source
}

// Tracker owns every Task Record of a session.
type Tracker struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	// applyMu serializes apply-and-emit so listeners observe changes in
	// the order they were applied. Listeners must not call Track or Apply.
	applyMu sync.Mutex

	mu         sync.RWMutex
	tasks      map[string]*model.TaskRecord
	early      map[string]earlyUpdate
	earlyOrder []string
	nextID     uint64
	listeners  []listener
	clearers   []clearListener
	timers     map[string]*time.Timer
}

// New creates an empty tracker.
func New(opts Options) *Tracker {
	if opts.DisplayGrace == 0 {
		opts.DisplayGrace = DefaultDisplayGrace
	}
	if opts.EarlyBuffer <= 0 {
		opts.EarlyBuffer = DefaultEarlyBuffer
	}
	if opts.MaxThinking <= 0 {
		opts.MaxThinking = DefaultMaxThinking
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Tracker{
		opts:    opts,
		log:     log.OrComponent(opts.Logger, "tracker"),
		metrics: opts.Metrics,
		tasks:   make(map[string]*model.TaskRecord),
		early:   make(map[string]earlyUpdate),
		timers:  make(map[string]*time.Timer),
	}
}

// OnChange registers fn for every emitted change and returns a function
// that removes it.
func (t *Tracker) OnChange(fn func(Change)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnCleared registers fn for the display-grace signal sent some time after a
// task completed.
func (t *Tracker) OnCleared(fn func(taskID string)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.clearers = append(t.clearers, clearListener{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.clearers {
			if l.id == id {
				t.clearers = append(t.clearers[:i:i], t.clearers[i+1:]...)
				return
			}
		}
	}
}

// Track creates the pending record for a freshly submitted task. Tracking a
// known id is a no-op. An update that arrived before the id was known is
// applied right after the pending record is announced.
func (t *Tracker) Track(taskID string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}

	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	t.mu.Lock()
	if _, ok := t.tasks[taskID]; ok {
		t.mu.Unlock()
		return nil
	}
	now := t.opts.Now()
	rec := &model.TaskRecord{
		TaskID:    taskID,
		Status:    model.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Source:    model.SourceSubmit,
	}
	t.tasks[taskID] = rec
	early, hasEarly := t.early[taskID]
	if hasEarly {
		t.dropEarlyLocked(taskID)
	}
	t.metrics.TrackedTasks.Set(float64(len(t.tasks)))
	snapshot := rec.Clone()
	t.mu.Unlock()

	t.log.Debug().Str("task_id", taskID).Msg("tracking task")
	t.emit(Change{TaskID: taskID, Record: snapshot, Source: model.SourceSubmit})

	if hasEarly {
		t.log.Debug().Str("task_id", taskID).Str("source", string(early.source)).Msg("replaying early update")
		t.applyLocked(&early.update, early.source)
	}
	return nil
}

// Apply folds one progress report into the task's record. It returns true
// when the record changed and a Change was emitted.
func (t *Tracker) Apply(p *model.AnalysisProgress, src model.Source) bool {
	if p == nil {
		return false
	}
	if p.TaskID == "" {
		t.log.Warn().Str("source", string(src)).Msg("dropping update without task id")
		return false
	}
	if p.Status != "" && !p.Status.Valid() {
		t.log.Warn().Str("task_id", p.TaskID).Str("status", string(p.Status)).Msg("dropping update with unknown status")
		return false
	}

	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	return t.applyLocked(p, src)
}

// applyLocked requires applyMu.
func (t *Tracker) applyLocked(p *model.AnalysisProgress, src model.Source) bool {
	t.mu.Lock()
	rec, ok := t.tasks[p.TaskID]
	if !ok {
		t.bufferEarlyLocked(p, src)
		t.mu.Unlock()
		return false
	}

	next, reason := t.next(rec, p)
	if reason != "" {
		t.mu.Unlock()
		t.metrics.StaleUpdates.WithLabelValues(string(src)).Inc()
		t.log.Debug().
			Str("task_id", p.TaskID).
			Str("source", string(src)).
			Str("status", string(p.Status)).
			Int("progress", p.Progress).
			Str("current", string(rec.Status)).
			Int("current_progress", rec.Progress).
			Msg("dropping " + reason + " update")
		return false
	}

	next.Source = src
	next.UpdatedAt = t.opts.Now()
	previous := rec.Status
	*rec = next
	snapshot := rec.Clone()
	t.mu.Unlock()

	if snapshot.Status.Terminal() {
		t.log.Info().
			Str("task_id", snapshot.TaskID).
			Str("status", string(snapshot.Status)).
			Str("source", string(src)).
			Msg("task finished")
	}

	t.emit(Change{TaskID: p.TaskID, Previous: previous, Record: snapshot, Source: src})

	if snapshot.Status == model.TaskStatusCompleted {
		t.scheduleClear(snapshot.TaskID)
	}
	return true
}

// next computes the record after applying p, or the reason p is dropped.
func (t *Tracker) next(rec *model.TaskRecord, p *model.AnalysisProgress) (model.TaskRecord, string) {
	if rec.Status.Terminal() {
		return model.TaskRecord{}, "stale"
	}

	progress := clamp(p.Progress)
	status := p.Status
	if status == "" {
		status = rec.Status
	}
	if status.Rank() < rec.Status.Rank() {
		return model.TaskRecord{}, "stale"
	}
	if status == model.TaskStatusPending && progress > 0 {
		status = model.TaskStatusRunning
	}

	out := rec.Clone()
	now := t.opts.Now()

	switch status {
	case model.TaskStatusPending, model.TaskStatusRunning:
		if progress < rec.Progress {
			return model.TaskRecord{}, "stale"
		}
		out.Progress = progress
		if status == model.TaskStatusRunning && out.StartedAt == nil {
			out.StartedAt = &now
		}

	case model.TaskStatusCompleted:
		if !p.HasResult() {
			return model.TaskRecord{}, "incomplete"
		}
		out.Progress = 100
		out.Result = append([]byte(nil), p.Result...)
		out.CompletedAt = &now

	case model.TaskStatusError:
		out.Progress = max(rec.Progress, progress)
		out.Error = p.Error
		if out.Error == "" {
			out.Error = unknownErrorDetail
		}
		out.CompletedAt = &now

	case model.TaskStatusCancelled:
		out.Progress = max(rec.Progress, progress)
		out.CompletedAt = &now
	}
	out.Status = status

	if p.Message != "" && p.Message != rec.Message {
		out.Message = p.Message
		if status == model.TaskStatusRunning {
			out.ThinkingHistory = append(out.ThinkingHistory, model.ThinkingEntry{Timestamp: now, Content: p.Message})
			if n := len(out.ThinkingHistory); n > t.opts.MaxThinking {
				out.ThinkingHistory = out.ThinkingHistory[n-t.opts.MaxThinking:]
			}
		}
	}

	if out.Status == rec.Status && out.Progress == rec.Progress && out.Message == rec.Message {
		return model.TaskRecord{}, "duplicate"
	}
	return out, ""
}

// bufferEarlyLocked keeps the most advanced update for an unknown id.
// t.mu must be held.
func (t *Tracker) bufferEarlyLocked(p *model.AnalysisProgress, src model.Source) {
	if prev, ok := t.early[p.TaskID]; ok {
		if !moreAdvanced(p, &prev.update) {
			return
		}
		t.early[p.TaskID] = earlyUpdate{update: *p, source: src}
		return
	}
	if len(t.earlyOrder) >= t.opts.EarlyBuffer {
		t.dropEarlyLocked(t.earlyOrder[0])
	}
	t.early[p.TaskID] = earlyUpdate{update: *p, source: src}
	t.earlyOrder = append(t.earlyOrder, p.TaskID)
	t.log.Debug().Str("task_id", p.TaskID).Msg("holding update for untracked task")
}

func (t *Tracker) dropEarlyLocked(taskID string) {
	delete(t.early, taskID)
	for i, id := range t.earlyOrder {
		if id == taskID {
			t.earlyOrder = append(t.earlyOrder[:i:i], t.earlyOrder[i+1:]...)
			return
		}
	}
}

func (t *Tracker) emit(c Change) {
	t.metrics.TaskTransitions.WithLabelValues(string(c.Record.Status)).Inc()

	t.mu.RLock()
	ls := append([]listener(nil), t.listeners...)
	t.mu.RUnlock()

	for _, l := range ls {
		t.safeCall(c.TaskID, func() { l.fn(c) })
	}
}

func (t *Tracker) scheduleClear(taskID string) {
	if t.opts.DisplayGrace < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[taskID]; ok {
		old.Stop()
	}
	t.timers[taskID] = time.AfterFunc(t.opts.DisplayGrace, func() {
		t.mu.Lock()
		delete(t.timers, taskID)
		cs := append([]clearListener(nil), t.clearers...)
		t.mu.Unlock()

		for _, l := range cs {
			t.safeCall(taskID, func() { l.fn(taskID) })
		}
	})
}

func (t *Tracker) safeCall(taskID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error().
				Str("task_id", taskID).
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("task listener panicked")
		}
	}()
	fn()
}

// Get returns a copy of the record for taskID.
func (t *Tracker) Get(taskID string) (model.TaskRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.tasks[taskID]
	if !ok {
		return model.TaskRecord{}, false
	}
	return rec.Clone(), true
}

// List returns copies of every record, oldest first.
func (t *Tracker) List() []model.TaskRecord {
	t.mu.RLock()
	out := make([]model.TaskRecord, 0, len(t.tasks))
	for _, rec := range t.tasks {
		out = append(out, rec.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the ids of every non-terminal record.
func (t *Tracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, rec := range t.tasks {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget removes the record for taskID, e.g. when the UI starts over.
func (t *Tracker) Forget(taskID string) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tasks, taskID)
	t.dropEarlyLocked(taskID)
	if timer, ok := t.timers[taskID]; ok {
		timer.Stop()
		delete(t.timers, taskID)
	}
	t.metrics.TrackedTasks.Set(float64(len(t.tasks)))
}

// Prune removes terminal records that finished more than maxAge ago and
// returns how many were removed.
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := t.opts.Now().Add(-maxAge)

	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, rec := range t.tasks {
		if rec.Status.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(t.tasks, id)
			if timer, ok := t.timers[id]; ok {
				timer.Stop()
				delete(t.timers, id)
			}
			n++
		}
	}
	if n > 0 {
		t.metrics.TrackedTasks.Set(float64(len(t.tasks)))
		t.log.Info().Int("removed", n).Msg("pruned finished tasks")
	}
	return n
}

// Reset drops every record, buffered update and pending clear timer.
// Listeners stay registered.
func (t *Tracker) Reset() {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	t.tasks = make(map[string]*model.TaskRecord)
	t.early = make(map[string]earlyUpdate)
	t.earlyOrder = nil
	t.timers = make(map[string]*time.Timer)
	t.metrics.TrackedTasks.Set(0)
}

// Close stops pending clear timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func moreAdvanced(a, b *model.AnalysisProgress) bool {
	if a.Status.Rank() != b.Status.Rank() {
		return a.Status.Rank() > b.Status.Rank()
	}
	return a.Progress >= b.Progress
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
