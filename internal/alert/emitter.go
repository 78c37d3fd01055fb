package alert

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/driftwatch/internal/models"
)

// DefaultSuppressionWindow bounds how long identical records merge into
// one alert.
const DefaultSuppressionWindow = 30 * time.Second

// Recorder persists alerts. RecordAlert is called for the first occurrence
// and again for every merged repeat.
type Recorder interface {
	RecordAlert(ctx context.Context, a models.Alert) error
}

// Emitter deduplicates drift records and delivers alerts.
//
// Concurrency model: one loop goroutine owns the dedup groups. Emit hands
// records to it over a channel; delivery and recording run in goroutines
// tracked by a WaitGroup so a slow notifier never stalls the loop.
type Emitter struct {
	window   time.Duration
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	emitCh  chan models.DriftRecord
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	pending sync.WaitGroup
}

// NewEmitter starts the emitter loop. recorder may be nil.
func NewEmitter(window time.Duration, notifier Notifier, recorder Recorder, logger *slog.Logger) *Emitter {
	return newEmitter(window, notifier, recorder, logger, time.Now)
}

func newEmitter(window time.Duration, notifier Notifier, recorder Recorder, logger *slog.Logger, now func() time.Time) *Emitter {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	e := &Emitter{
		window:   window,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      now,
		emitCh:   make(chan models.DriftRecord, 256),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues rec. It never returns an error; delivery problems are logged.
// Records emitted after Close are dropped.
func (e *Emitter) Emit(rec models.DriftRecord) {
	if e.closed.Load() {
		return
	}
	select {
	case e.emitCh <- rec:
	case <-e.stopped:
	}
}

// Close processes queued records, waits for in-flight deliveries and stops
// the loop.
func (e *Emitter) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
	<-e.stopped
	e.pending.Wait()
}

func (e *Emitter) run() {
	defer close(e.stopped)

	groups := make(map[string]*models.Alert)
	sweep := time.NewTicker(e.window)
	defer sweep.Stop()

	for {
		select {
		case <-e.stopCh:
			for {
				select {
				case rec := <-e.emitCh:
					e.handle(groups, rec)
				default:
					return
				}
			}

		case rec := <-e.emitCh:
			e.handle(groups, rec)

		case <-sweep.C:
			now := e.now()
			for key, g := range groups {
				if now.Sub(g.FirstSeen) >= e.window {
					delete(groups, key)
				}
			}
		}
	}
}

func (e *Emitter) handle(groups map[string]*models.Alert, rec models.DriftRecord) {
	now := e.now()
	key := rec.DedupKey()

	if g, ok := groups[key]; ok && now.Sub(g.FirstSeen) < e.window {
		g.RepeatCount++
		g.LastSeen = now
		e.logger.Debug("alert: merged repeat",
			slog.String("path", rec.Path),
			slog.String("category", string(rec.Category)),
			slog.Int("repeat_count", g.RepeatCount))
		e.record(*g)
		return
	}

	a := models.Alert{Record: rec, RepeatCount: 1, FirstSeen: now, LastSeen: now}
	groups[key] = &a
	e.record(a)
	e.deliver(a)
}

func (e *Emitter) deliver(a models.Alert) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := e.notifier.Deliver(context.Background(), a); err != nil {
			e.logger.Warn("alert: delivery failed",
				slog.String("id", a.Record.ID),
				slog.String("path", a.Record.Path),
				slog.String("error", err.Error()))
		}
	}()
}

func (e *Emitter) record(a models.Alert) {
	if e.recorder == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := e.recorder.RecordAlert(context.Background(), a); err != nil {
			e.logger.Warn("alert: record failed",
				slog.String("id", a.Record.ID),
				slog.String("error", err.Error()))
		}
	}()
}
