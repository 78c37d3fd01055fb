// Package engine wires the drift pipeline together: watch source, then the
// correlator, then sharded classifier workers, then the alert emitter.
package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/starford/driftwatch/internal/correlator"
	"github.com/starford/driftwatch/internal/models"
)

const (
	DefaultWorkers = 4

	signalBuffer = 1024
	intentBuffer = 256

	// backlogWarn is the worker backlog at which dispatch starts warning.
	backlogWarn = 1024
)

// Source produces raw change signals until ctx ends. A non-nil error means
// monitoring cannot continue.
type Source interface {
	Run(ctx context.Context, out chan<- models.RawChangeSignal) error
}

// Classifier turns an intent into a drift record. It must be safe for
// concurrent use.
type Classifier interface {
	Classify(ctx context.Context, intent models.ChangeIntent) (*models.DriftRecord, error)
}

// Emitter accepts finished records. Emit must not block for long.
type Emitter interface {
	Emit(rec models.DriftRecord)
}

// Config tunes the pipeline.
type Config struct {
	Workers           int
	EmitBenignTouches bool
}

// Stats counts pipeline throughput since start.
type Stats struct {
	Intents    int64 `json:"intents"`
	Records    int64 `json:"records"`
	Suppressed int64 `json:"suppressed"`
	Failures   int64 `json:"failures"`
}

// Engine runs the pipeline.
type Engine struct {
	source     Source
	correlator *correlator.Correlator
	classifier Classifier
	emitter    Emitter
	cfg        Config
	logger     *slog.Logger

	intents    atomic.Int64
	records    atomic.Int64
	suppressed atomic.Int64
	failures   atomic.Int64
}

// New creates an Engine. cfg.Workers <= 0 selects DefaultWorkers.
func New(source Source, corr *correlator.Correlator, cls Classifier, emitter Emitter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Engine{
		source:     source,
		correlator: corr,
		classifier: cls,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Stats returns a point-in-time copy of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Intents:    e.intents.Load(),
		Records:    e.records.Load(),
		Suppressed: e.suppressed.Load(),
		Failures:   e.failures.Load(),
	}
}

// Run monitors until ctx is cancelled or the source fails. On either, the
// source is stopped first and everything already observed is still
// correlated, classified and emitted before Run returns. The returned error
// is the source's, typically apperr.ErrWatchSourceLost.
func (e *Engine) Run(ctx context.Context) error {
	signals := make(chan models.RawChangeSignal, signalBuffer)
	intents := make(chan models.ChangeIntent, intentBuffer)

	var g errgroup.Group
	g.Go(func() error {
		defer close(signals)
		err := e.source.Run(ctx, signals)
		if err != nil {
			e.logger.Error("engine: watch source failed", slog.String("error", err.Error()))
		}
		return err
	})
	g.Go(func() error {
		e.correlator.Run(signals, intents)
		return nil
	})
	g.Go(func() error {
		e.dispatch(context.WithoutCancel(ctx), intents)
		return nil
	})

	e.logger.Info("engine: started", slog.Int("workers", e.cfg.Workers))
	err := g.Wait()
	e.logger.Info("engine: stopped",
		slog.Int64("intents", e.intents.Load()),
		slog.Int64("records", e.records.Load()))
	return err
}

// dispatch routes each intent to the worker owning its path, so intents for
// one path are classified strictly in flush order. It returns once intents
// is closed and every worker has drained.
func (e *Engine) dispatch(ctx context.Context, intents <-chan models.ChangeIntent) {
	boxes := make([]*mailbox, e.cfg.Workers)
	var g errgroup.Group
	for i := range boxes {
		box := newMailbox()
		boxes[i] = box
		g.Go(func() error {
			e.work(ctx, box)
			return nil
		})
	}

	for intent := range intents {
		e.intents.Add(1)
		i := shard(intent.Path, len(boxes))
		boxes[i].push(intent)
		if n := boxes[i].len(); n%backlogWarn == 0 {
			e.logger.Warn("engine: worker backlog growing",
				slog.Int("worker", i),
				slog.Int("queued", n))
		}
	}
	for _, box := range boxes {
		box.close()
	}
	_ = g.Wait()
}

func shard(path string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}

// work classifies the intents of the paths it owns. drifted tracks which of
// those paths have unresolved drift, so a touch that leaves a file as it
// was is not reported as a restore.
func (e *Engine) work(ctx context.Context, box *mailbox) {
	drifted := make(map[string]bool)

	for {
		intent, ok := box.next()
		if !ok {
			return
		}
		rec, err := e.classifier.Classify(ctx, intent)
		if err != nil {
			e.failures.Add(1)
			e.logger.Warn("engine: classify failed",
				slog.String("path", intent.Path),
				slog.String("error", err.Error()))
			continue
		}
		if rec == nil {
			delete(drifted, intent.Path)
			continue
		}

		if rec.Category == models.CategoryRestored {
			if !drifted[intent.Path] && !e.cfg.EmitBenignTouches {
				e.suppressed.Add(1)
				e.logger.Debug("engine: benign touch", slog.String("path", intent.Path))
				continue
			}
			delete(drifted, intent.Path)
		} else {
			drifted[intent.Path] = true
		}

		e.records.Add(1)
		e.logger.Debug("engine: drift",
			slog.String("path", rec.Path),
			slog.String("category", string(rec.Category)))
		e.emitter.Emit(*rec)
	}
}
