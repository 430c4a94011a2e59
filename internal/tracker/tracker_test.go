package tracker

import (
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) statuses() []model.TaskStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.TaskStatus, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.Record.Status)
	}
	return out
}

func (l *changeLog) terminalCount(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.TaskID == taskID && c.Record.Status.Terminal() {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T, opts Options) (*Tracker, *changeLog, *metrics.Metrics) {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	tr := New(opts)
	t.Cleanup(tr.Close)
	log := &changeLog{}
	tr.OnChange(log.add)
	return tr, log, opts.Metrics
}

func progress(id string, status model.TaskStatus, pct int) *model.AnalysisProgress {
	return &model.AnalysisProgress{TaskID: id, Status: status, Progress: pct}
}

func completed(id string, result string) *model.AnalysisProgress {
	return &model.AnalysisProgress{
		TaskID:   id,
		Status:   model.TaskStatusCompleted,
		Progress: 100,
		Result:   json.RawMessage(result),
	}
}

func TestPendingRunningCompleted(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})

	require.NoError(t, tr.Track("T1"))
	assert.False(t, tr.Apply(progress("T1", model.TaskStatusPending, 0), model.SourcePush), "repeated pending is absorbed")
	assert.True(t, tr.Apply(progress("T1", model.TaskStatusRunning, 40), model.SourcePush))
	assert.True(t, tr.Apply(completed("T1", `{"summary":"null deref"}`), model.SourcePush))

	assert.Equal(t, []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusCompleted,
	}, log.statuses())

	rec, ok := tr.Get("T1")
	require.True(t, ok)
	assert.Equal(t, 100, rec.Progress)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, model.SourcePush, rec.Source)

	rep, err := rec.Report()
	require.NoError(t, err)
	assert.Equal(t, "null deref", rep.Summary)
}

func TestPendingCancelled(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})

	require.NoError(t, tr.Track("T2"))
	assert.True(t, tr.Apply(progress("T2", model.TaskStatusCancelled, 0), model.SourcePoll))
	assert.False(t, tr.Apply(progress("T2", model.TaskStatusRunning, 50), model.SourcePush))

	rec, _ := tr.Get("T2")
	assert.Equal(t, model.TaskStatusCancelled, rec.Status)
	assert.Equal(t, 1, log.terminalCount("T2"))
}

func TestProgressNeverDecreases(t *testing.T) {
	tr, log, m := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T3"))

	assert.True(t, tr.Apply(&model.AnalysisProgress{TaskID: "T3", Progress: 80}, model.SourcePush))
	assert.False(t, tr.Apply(&model.AnalysisProgress{TaskID: "T3", Progress: 50}, model.SourcePoll))

	rec, _ := tr.Get("T3")
	assert.Equal(t, 80, rec.Progress)
	assert.Equal(t, model.TaskStatusRunning, rec.Status, "progress above zero implies running")
	assert.Len(t, log.statuses(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleUpdates.WithLabelValues("poll")))
}

func TestStageNeverRegresses(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T4"))

	tr.Apply(progress("T4", model.TaskStatusRunning, 10), model.SourcePush)
	assert.False(t, tr.Apply(progress("T4", model.TaskStatusPending, 90), model.SourcePoll))

	rec, _ := tr.Get("T4")
	assert.Equal(t, model.TaskStatusRunning, rec.Status)
	assert.Equal(t, 10, rec.Progress)
}

func TestDuplicateUpdateIsNotEmitted(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T5"))

	p := &model.AnalysisProgress{TaskID: "T5", Status: model.TaskStatusRunning, Progress: 30, Message: "thinking"}
	assert.True(t, tr.Apply(p, model.SourcePush))
	assert.False(t, tr.Apply(p, model.SourcePoll))
	assert.Len(t, log.statuses(), 2)
}

func TestCompletedWithoutResultIsDropped(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T6"))

	assert.False(t, tr.Apply(completed("T6", "null"), model.SourcePush))
	assert.False(t, tr.Apply(&model.AnalysisProgress{TaskID: "T6", Status: model.TaskStatusCompleted}, model.SourcePush))

	rec, _ := tr.Get("T6")
	assert.Equal(t, model.TaskStatusPending, rec.Status)
}

func TestErrorWithoutDetail(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T7"))
	tr.Apply(progress("T7", model.TaskStatusRunning, 60), model.SourcePush)

	assert.True(t, tr.Apply(progress("T7", model.TaskStatusError, 0), model.SourcePush))
	rec, _ := tr.Get("T7")
	assert.Equal(t, unknownErrorDetail, rec.Error)
	assert.Equal(t, 60, rec.Progress)
}

func TestUnknownStatusAndMissingIDAreDropped(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T8"))

	assert.False(t, tr.Apply(progress("T8", "exploded", 10), model.SourcePush))
	assert.False(t, tr.Apply(progress("", model.TaskStatusRunning, 10), model.SourcePush))
	assert.False(t, tr.Apply(nil, model.SourcePush))
	assert.Len(t, log.statuses(), 1)
	assert.ErrorIs(t, tr.Track(""), ErrEmptyTaskID)
}

func TestTerminalIsAbsorbing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []model.TaskStatus{
		"", model.TaskStatusPending, model.TaskStatusRunning,
		model.TaskStatusCompleted, model.TaskStatusError, model.TaskStatusCancelled,
	}

	for i := 0; i < 50; i++ {
		tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
		require.NoError(t, tr.Track("T"))
		tr.Apply(progress("T", model.TaskStatusError, 20), model.SourcePush)
		first, _ := tr.Get("T")

		for j := 0; j < 20; j++ {
			p := progress("T", statuses[rng.Intn(len(statuses))], rng.Intn(120))
			p.Result = json.RawMessage(`{"summary":"x"}`)
			src := model.SourcePush
			if rng.Intn(2) == 0 {
				src = model.SourcePoll
			}
			assert.False(t, tr.Apply(p, src))
		}

		rec, _ := tr.Get("T")
		assert.Equal(t, first, rec)
		assert.Equal(t, 1, log.terminalCount("T"))
	}
}

func TestPushAndPollInterleavingEmitsTerminalOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
		require.NoError(t, tr.Track("T"))

		var wg sync.WaitGroup
		for _, src := range []model.Source{model.SourcePush, model.SourcePoll} {
			wg.Add(1)
			go func(src model.Source) {
				defer wg.Done()
				for pct := 0; pct <= 100; pct += 10 {
					tr.Apply(progress("T", model.TaskStatusRunning, pct), src)
				}
				tr.Apply(completed("T", `{"summary":"done"}`), src)
			}(src)
		}
		wg.Wait()

		assert.Equal(t, 1, log.terminalCount("T"))
		rec, _ := tr.Get("T")
		assert.Equal(t, model.TaskStatusCompleted, rec.Status)

		var last int
		log.mu.Lock()
		for _, c := range log.changes {
			assert.GreaterOrEqual(t, c.Record.Progress, last)
			last = c.Record.Progress
		}
		log.mu.Unlock()
	}
}

func TestEarlyUpdateIsReplayedOnTrack(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})

	assert.False(t, tr.Apply(progress("T9", model.TaskStatusRunning, 20), model.SourcePush))
	assert.False(t, tr.Apply(progress("T9", model.TaskStatusRunning, 10), model.SourcePush))
	_, ok := tr.Get("T9")
	assert.False(t, ok)

	require.NoError(t, tr.Track("T9"))
	assert.Equal(t, []model.TaskStatus{model.TaskStatusPending, model.TaskStatusRunning}, log.statuses())
	rec, _ := tr.Get("T9")
	assert.Equal(t, 20, rec.Progress)
}

func TestEarlyBufferIsBounded(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1, EarlyBuffer: 2})

	tr.Apply(progress("a", model.TaskStatusRunning, 10), model.SourcePush)
	tr.Apply(progress("b", model.TaskStatusRunning, 10), model.SourcePush)
	tr.Apply(progress("c", model.TaskStatusRunning, 10), model.SourcePush)

	require.NoError(t, tr.Track("a"))
	rec, _ := tr.Get("a")
	assert.Equal(t, model.TaskStatusPending, rec.Status, "oldest buffered update was evicted")

	require.NoError(t, tr.Track("c"))
	rec, _ = tr.Get("c")
	assert.Equal(t, model.TaskStatusRunning, rec.Status)
	assert.Len(t, log.statuses(), 3)
}

func TestTrackIsIdempotent(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T"))
	tr.Apply(progress("T", model.TaskStatusRunning, 50), model.SourcePush)
	require.NoError(t, tr.Track("T"))

	rec, _ := tr.Get("T")
	assert.Equal(t, model.TaskStatusRunning, rec.Status)
	assert.Len(t, log.statuses(), 2)
}

func TestThinkingHistoryIsBounded(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1, MaxThinking: 3})
	require.NoError(t, tr.Track("T"))

	for i := 1; i <= 5; i++ {
		tr.Apply(&model.AnalysisProgress{
			TaskID:   "T",
			Status:   model.TaskStatusRunning,
			Progress: i * 10,
			Message:  string(rune('a' + i)),
		}, model.SourcePush)
	}

	rec, _ := tr.Get("T")
	require.Len(t, rec.ThinkingHistory, 3)
	assert.Equal(t, "f", rec.ThinkingHistory[2].Content)
	assert.Equal(t, "f", rec.Message)
}

func TestDisplayGraceClears(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: 20 * time.Millisecond})
	cleared := make(chan string, 1)
	tr.OnCleared(func(id string) { cleared <- id })

	require.NoError(t, tr.Track("T"))
	tr.Apply(completed("T", `{}`), model.SourcePush)

	select {
	case id := <-cleared:
		assert.Equal(t, "T", id)
	case <-time.After(time.Second):
		t.Fatal("cleared signal not sent")
	}

	_, ok := tr.Get("T")
	assert.True(t, ok, "clearing is a display signal and keeps the record")
}

func TestResetStopsGraceTimer(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: 30 * time.Millisecond})
	cleared := make(chan string, 1)
	tr.OnCleared(func(id string) { cleared <- id })

	require.NoError(t, tr.Track("T"))
	tr.Apply(completed("T", `{}`), model.SourcePush)
	tr.Reset()

	select {
	case <-cleared:
		t.Fatal("cleared after reset")
	case <-time.After(80 * time.Millisecond):
	}
	assert.Empty(t, tr.List())
}

func TestListenerPanicDoesNotBreakTracking(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
	tr.OnChange(func(Change) { panic("boom") })

	require.NoError(t, tr.Track("T"))
	assert.True(t, tr.Apply(progress("T", model.TaskStatusRunning, 10), model.SourcePush))
	assert.Len(t, log.statuses(), 2)
}

func TestOnChangeUnsubscribe(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1})
	n := 0
	stop := tr.OnChange(func(Change) { n++ })

	require.NoError(t, tr.Track("T"))
	stop()
	tr.Apply(progress("T", model.TaskStatusRunning, 10), model.SourcePush)
	assert.Equal(t, 1, n)
}

func TestPruneAndForget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: -1, Now: clock})

	require.NoError(t, tr.Track("old"))
	tr.Apply(progress("old", model.TaskStatusCancelled, 0), model.SourcePoll)
	require.NoError(t, tr.Track("live"))

	now = now.Add(time.Hour)
	require.NoError(t, tr.Track("new"))

	assert.Equal(t, 1, tr.Prune(30*time.Minute))
	assert.Equal(t, []string{"live", "new"}, tr.Active())

	tr.Forget("live")
	list := tr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].TaskID)
}

func TestPruneStopsGraceTimer(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr, _, _ := newTestTracker(t, Options{DisplayGrace: 50 * time.Millisecond, Now: clock})
	cleared := make(chan string, 1)
	tr.OnCleared(func(id string) { cleared <- id })

	require.NoError(t, tr.Track("T"))
	tr.Apply(completed("T", `{}`), model.SourcePush)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, tr.Prune(time.Minute))

	tr.mu.Lock()
	assert.Empty(t, tr.timers)
	tr.mu.Unlock()

	select {
	case <-cleared:
		t.Fatal("cleared after prune")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestChangeTransitioned(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{DisplayGrace: -1})
	require.NoError(t, tr.Track("T"))
	tr.Apply(progress("T", model.TaskStatusRunning, 10), model.SourcePush)
	tr.Apply(progress("T", model.TaskStatusRunning, 20), model.SourcePush)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.changes, 3)
	assert.True(t, log.changes[0].Transitioned())
	assert.True(t, log.changes[1].Transitioned())
	assert.False(t, log.changes[2].Transitioned())
	assert.Equal(t, model.TaskStatusRunning, log.changes[2].Previous)
}
