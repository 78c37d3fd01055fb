package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/correlator"
	"github.com/starford/driftwatch/internal/models"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// chanSource forwards signals from sigs. When sigs closes it returns err.
type chanSource struct {
	sigs <-chan models.RawChangeSignal
	err  error
}

func (s chanSource) Run(ctx context.Context, out chan<- models.RawChangeSignal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-s.sigs:
			if !ok {
				return s.err
			}
			out <- sig
		}
	}
}

type classifyFunc func(ctx context.Context, intent models.ChangeIntent) (*models.DriftRecord, error)

func (f classifyFunc) Classify(ctx context.Context, intent models.ChangeIntent) (*models.DriftRecord, error) {
	return f(ctx, intent)
}

type captureEmitter struct {
	mu      sync.Mutex
	records []models.DriftRecord
}

func (c *captureEmitter) Emit(rec models.DriftRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureEmitter) categories() []models.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Category, len(c.records))
	for i, r := range c.records {
		out[i] = r.Category
	}
	return out
}

func fastCorrelator() *correlator.Correlator {
	return correlator.New(correlator.Config{Window: 20 * time.Millisecond, DeleteWindow: 5 * time.Millisecond}, testLogger)
}

func TestDispatchKeepsPerPathOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		// Uneven work so a reordering would show up.
		time.Sleep(time.Duration(in.Signals%3) * time.Millisecond)
		mu.Lock()
		seen[in.Path] = append(seen[in.Path], in.Signals)
		mu.Unlock()
		return nil, nil
	})
	e := New(nil, nil, cls, &captureEmitter{}, Config{Workers: 4}, testLogger)

	paths := []string{"/etc/a", "/etc/b", "/etc/c", "/etc/d", "/etc/e"}
	intents := make(chan models.ChangeIntent, 256)
	go func() {
		for i := 0; i < 40; i++ {
			for _, p := range paths {
				intents <- models.ChangeIntent{Path: p, Kind: models.KindModified, Signals: i}
			}
		}
		close(intents)
	}()
	e.dispatch(context.Background(), intents)

	for _, p := range paths {
		require.Len(t, seen[p], 40, p)
		for i, n := range seen[p] {
			assert.Equal(t, i, n, "path %s out of order", p)
		}
	}
	assert.EqualValues(t, 200, e.Stats().Intents)
}

func TestDispatchNotBlockedBySlowWorker(t *testing.T) {
	const slow = "/etc/slow.conf"
	other := ""
	for _, p := range []string{"/etc/a", "/etc/b", "/etc/c", "/etc/d"} {
		if shard(p, 2) != shard(slow, 2) {
			other = p
			break
		}
	}
	require.NotEmpty(t, other)

	release := make(chan struct{})
	otherDone := make(chan struct{})
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		switch in.Path {
		case slow:
			<-release
		case other:
			close(otherDone)
		}
		return nil, nil
	})
	e := New(nil, nil, cls, &captureEmitter{}, Config{Workers: 2}, testLogger)

	// Far more intents for the stuck path than any fixed queue would hold.
	intents := make(chan models.ChangeIntent)
	go func() {
		for i := 0; i < 5000; i++ {
			intents <- models.ChangeIntent{Path: slow, Kind: models.KindModified}
		}
		intents <- models.ChangeIntent{Path: other, Kind: models.KindModified}
		close(intents)
	}()
	done := make(chan struct{})
	go func() {
		e.dispatch(context.Background(), intents)
		close(done)
	}()

	select {
	case <-otherDone:
	case <-time.After(5 * time.Second):
		t.Fatal("intent for another worker stuck behind the slow path")
	}
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not drain")
	}
	assert.EqualValues(t, 5001, e.Stats().Intents)
}

func TestMailboxDrainsAfterClose(t *testing.T) {
	box := newMailbox()
	box.push(models.ChangeIntent{Path: "/etc/a"})
	box.push(models.ChangeIntent{Path: "/etc/b"})
	box.close()

	var got []string
	for {
		in, ok := box.next()
		if !ok {
			break
		}
		got = append(got, in.Path)
	}
	assert.Equal(t, []string{"/etc/a", "/etc/b"}, got)
}

func TestShardIsStable(t *testing.T) {
	for _, p := range []string{"/etc/hosts", "/etc/nginx/nginx.conf", ""} {
		s := shard(p, 7)
		assert.Equal(t, s, shard(p, 7))
		assert.True(t, s >= 0 && s < 7)
	}
}

func TestBenignTouchSuppressed(t *testing.T) {
	var mu sync.Mutex
	next := []models.Category{
		models.CategoryRestored, // touch with no outstanding drift
		models.CategoryContentChanged,
		models.CategoryRestored,
		models.CategoryRestored, // touch after the restore
	}
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		cat := next[0]
		next = next[1:]
		return &models.DriftRecord{Path: in.Path, Category: cat}, nil
	})
	em := &captureEmitter{}
	e := New(nil, nil, cls, em, Config{Workers: 2}, testLogger)

	intents := make(chan models.ChangeIntent, 4)
	for i := 0; i < 4; i++ {
		intents <- models.ChangeIntent{Path: "/etc/app.conf", Kind: models.KindModified}
	}
	close(intents)
	e.dispatch(context.Background(), intents)

	assert.Equal(t, []models.Category{models.CategoryContentChanged, models.CategoryRestored}, em.categories())
	assert.EqualValues(t, 2, e.Stats().Suppressed)
}

func TestBenignTouchesEmittedWhenConfigured(t *testing.T) {
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		return &models.DriftRecord{Path: in.Path, Category: models.CategoryRestored}, nil
	})
	em := &captureEmitter{}
	e := New(nil, nil, cls, em, Config{Workers: 1, EmitBenignTouches: true}, testLogger)

	intents := make(chan models.ChangeIntent, 1)
	intents <- models.ChangeIntent{Path: "/etc/app.conf", Kind: models.KindModified}
	close(intents)
	e.dispatch(context.Background(), intents)

	assert.Len(t, em.categories(), 1)
}

func TestClassifyFailureDoesNotStopOtherPaths(t *testing.T) {
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		if in.Path == "/etc/bad" {
			return nil, &apperr.ClassificationError{Path: in.Path, Err: context.Canceled}
		}
		return &models.DriftRecord{Path: in.Path, Category: models.CategoryContentChanged}, nil
	})
	em := &captureEmitter{}
	e := New(nil, nil, cls, em, Config{Workers: 1}, testLogger)

	intents := make(chan models.ChangeIntent, 2)
	intents <- models.ChangeIntent{Path: "/etc/bad", Kind: models.KindModified}
	intents <- models.ChangeIntent{Path: "/etc/good", Kind: models.KindModified}
	close(intents)
	e.dispatch(context.Background(), intents)

	assert.Equal(t, []models.Category{models.CategoryContentChanged}, em.categories())
	assert.EqualValues(t, 1, e.Stats().Failures)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	sigs := make(chan models.RawChangeSignal, 8)
	cls := classifyFunc(func(ctx context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		if ctx.Err() != nil {
			return nil, errors.New("classify saw a cancelled context")
		}
		return &models.DriftRecord{Path: in.Path, Category: models.CategoryContentChanged}, nil
	})
	em := &captureEmitter{}
	e := New(chanSource{sigs: sigs}, correlator.New(correlator.Config{Window: time.Hour}, testLogger), cls, em, Config{}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	sigs <- models.RawChangeSignal{Path: "/etc/a", Kind: models.KindModified, At: time.Now()}
	sigs <- models.RawChangeSignal{Path: "/etc/b", Kind: models.KindModified, At: time.Now()}
	require.Eventually(t, func() bool { return len(sigs) == 0 }, time.Second, 5*time.Millisecond)
	// Give the correlator time to take both signals before shutting down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, em.categories(), 2)
	assert.EqualValues(t, 0, e.Stats().Failures)
}

func TestRunReturnsSourceLoss(t *testing.T) {
	sigs := make(chan models.RawChangeSignal, 1)
	em := &captureEmitter{}
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		return &models.DriftRecord{Path: in.Path, Category: models.CategoryDeletedUnexpectedly}, nil
	})
	e := New(chanSource{sigs: sigs, err: apperr.ErrWatchSourceLost}, fastCorrelator(), cls, em, Config{}, testLogger)

	sigs <- models.RawChangeSignal{Path: "/etc/a", Kind: models.KindDeleted, At: time.Now()}
	close(sigs)

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, apperr.ErrWatchSourceLost)
	// The signal observed before the loss is still reported.
	assert.Equal(t, []models.Category{models.CategoryDeletedUnexpectedly}, em.categories())
}

func TestRunEndToEndCoalesces(t *testing.T) {
	sigs := make(chan models.RawChangeSignal, 16)
	var mu sync.Mutex
	var got []models.ChangeIntent
	cls := classifyFunc(func(_ context.Context, in models.ChangeIntent) (*models.DriftRecord, error) {
		mu.Lock()
		got = append(got, in)
		mu.Unlock()
		return nil, nil
	})
	e := New(chanSource{sigs: sigs}, fastCorrelator(), cls, &captureEmitter{}, Config{Workers: 2}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	now := time.Now()
	for i := 0; i < 5; i++ {
		sigs <- models.RawChangeSignal{Path: "/etc/app.conf", Kind: models.KindModified, At: now}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, got[0].Signals)
	assert.Equal(t, models.KindModified, got[0].Kind)
}
