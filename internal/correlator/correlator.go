// Package correlator coalesces bursts of raw filesystem signals into one
// change intent per path.
//
// A single goroutine owns the pending map and one timer armed for the
// earliest deadline, so per-path debounce never needs its own goroutine.
package correlator

import (
	"log/slog"
	"sort"
	"time"

	"github.com/starford/driftwatch/internal/models"
)

const (
	DefaultWindow       = 300 * time.Millisecond
	DefaultDeleteWindow = 50 * time.Millisecond
)

// Config holds the debounce windows. DeleteWindow applies while the latest
// signal for a path says it is gone; it should be shorter than Window.
type Config struct {
	Window       time.Duration
	DeleteWindow time.Duration
}

// Correlator turns RawChangeSignals into ChangeIntents.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

type pending struct {
	existed  bool
	exists   bool
	last     models.ChangeKind
	at       time.Time
	deadline time.Time
	signals  int
}

// New returns a Correlator. Zero windows fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DeleteWindow <= 0 {
		cfg.DeleteWindow = DefaultDeleteWindow
	}
	return &Correlator{cfg: cfg, logger: logger, now: time.Now}
}

// Run consumes in until it is closed, then flushes every pending intent and
// closes out. Intents whose net effect is nothing are dropped.
func (c *Correlator) Run(in <-chan models.RawChangeSignal, out chan<- models.ChangeIntent) {
	defer close(out)

	state := make(map[string]*pending)
	// absent records paths whose last flushed intent left them gone, so a
	// straggling duplicate delete is not reported twice.
	absent := make(map[string]bool)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time

	rearm := func() {
		timer.Stop()
		next, ok := earliest(state)
		if !ok {
			timerC = nil
			return
		}
		timer.Reset(max(next.Sub(c.now()), 0))
		timerC = timer.C
	}

	for {
		select {
		case sig, ok := <-in:
			if !ok {
				for _, path := range dueOrder(state, time.Time{}, true) {
					c.flush(path, state, absent, out)
				}
				c.logger.Debug("correlator: stopped")
				return
			}
			c.observe(sig, state, absent)
			rearm()

		case <-timerC:
			for _, path := range dueOrder(state, c.now(), false) {
				c.flush(path, state, absent, out)
			}
			rearm()
		}
	}
}

func (c *Correlator) observe(sig models.RawChangeSignal, state map[string]*pending, absent map[string]bool) {
	gone := isGone(sig.Kind)
	p, ok := state[sig.Path]
	if !ok {
		if gone && absent[sig.Path] {
			c.logger.Debug("correlator: duplicate delete dropped", slog.String("path", sig.Path))
			return
		}
		p = &pending{existed: sig.Kind != models.KindCreated}
		state[sig.Path] = p
	}
	if !gone {
		delete(absent, sig.Path)
	}

	p.exists = !gone
	p.last = sig.Kind
	p.at = sig.At
	p.signals++
	window := c.cfg.Window
	if gone {
		window = c.cfg.DeleteWindow
	}
	p.deadline = c.now().Add(window)
}

func (c *Correlator) flush(path string, state map[string]*pending, absent map[string]bool, out chan<- models.ChangeIntent) {
	p := state[path]
	delete(state, path)

	var kind models.ChangeKind
	switch {
	case p.existed && p.exists:
		kind = models.KindModified
	case !p.existed && p.exists:
		kind = models.KindCreated
	case p.existed && !p.exists:
		kind = p.last
		absent[path] = true
	default:
		c.logger.Debug("correlator: transient file dropped",
			slog.String("path", path), slog.Int("signals", p.signals))
		return
	}

	c.logger.Debug("correlator: intent",
		slog.String("path", path),
		slog.String("kind", string(kind)),
		slog.Int("signals", p.signals))
	out <- models.ChangeIntent{Path: path, Kind: kind, At: p.at, Signals: p.signals}
}

func isGone(k models.ChangeKind) bool {
	return k == models.KindDeleted || k == models.KindRenamed
}

func earliest(state map[string]*pending) (time.Time, bool) {
	var next time.Time
	found := false
	for _, p := range state {
		if !found || p.deadline.Before(next) {
			next, found = p.deadline, true
		}
	}
	return next, found
}

// dueOrder returns the paths whose deadline is not after now, ordered by
// deadline. all selects every pending path.
func dueOrder(state map[string]*pending, now time.Time, all bool) []string {
	var paths []string
	for path, p := range state {
		if all || !p.deadline.After(now) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := state[paths[i]].deadline, state[paths[j]].deadline
		if a.Equal(b) {
			return paths[i] < paths[j]
		}
		return a.Before(b)
	})
	return paths
}
