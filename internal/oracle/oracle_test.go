package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newRecorded(openErr error) (*Oracle, *recorder) {
	rec := &recorder{}
	o := New(Callbacks{
		OnOpenMarket: func(context.Context) error {
			rec.add("open")
			return openErr
		},
		OnCloseMarket: func(context.Context) error {
			rec.add("close")
			return nil
		},
		OnResolve: func(_ context.Context, outcome string) error {
			rec.add("resolve:" + outcome)
			return nil
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return o, rec
}

func fast(src OutcomeSource) AutoPlay {
	return AutoPlay{
		OpenDelay:    2 * time.Millisecond,
		CloseDelay:   2 * time.Millisecond,
		ResolveDelay: 2 * time.Millisecond,
		Outcomes:     src,
	}
}

func TestAutoPlayCycle(t *testing.T) {
	o, rec := newRecorded(nil)
	require.NoError(t, o.StartAutoPlay(context.Background(), fast(NewSequence("BALL", "STRIKE"))))
	defer o.StopAutoPlay()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 6 }, 2*time.Second, time.Millisecond)
	o.StopAutoPlay()

	assert.Equal(t,
		[]string{"open", "close", "resolve:BALL", "open", "close", "resolve:STRIKE"},
		rec.snapshot()[:6],
	)
	assert.False(t, o.Running())
}

func TestStopCancelsPendingStep(t *testing.T) {
	o, rec := newRecorded(nil)
	p := fast(NewSequence("BALL"))
	p.OpenDelay = 30 * time.Millisecond
	require.NoError(t, o.StartAutoPlay(context.Background(), p))
	assert.True(t, o.Running())

	o.StopAutoPlay()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestRestartReplacesChain(t *testing.T) {
	o, rec := newRecorded(nil)
	first := fast(NewSequence("BALL"))
	first.OpenDelay = 30 * time.Millisecond
	require.NoError(t, o.StartAutoPlay(context.Background(), first))

	second := fast(NewSequence("STRIKE"))
	second.OpenDelay = time.Hour
	require.NoError(t, o.StartAutoPlay(context.Background(), second))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "the replaced chain must never fire")
	assert.True(t, o.Running())
	o.StopAutoPlay()
}

func TestStepErrorsKeepChainAlive(t *testing.T) {
	o, rec := newRecorded(errors.New("market already open"))
	require.NoError(t, o.StartAutoPlay(context.Background(), fast(NewSequence("BALL"))))
	defer o.StopAutoPlay()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"open", "close", "resolve:BALL"}, rec.snapshot()[:3])
}

func TestContextCancelEndsChain(t *testing.T) {
	o, rec := newRecorded(nil)
	ctx, cancel := context.WithCancel(context.Background())
	p := fast(NewSequence("BALL"))
	p.OpenDelay = 20 * time.Millisecond
	require.NoError(t, o.StartAutoPlay(ctx, p))
	cancel()

	require.Eventually(t, func() bool { return !o.Running() }, 2*time.Second, time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestResetClearsActive(t *testing.T) {
	o, _ := newRecorded(nil)
	o.SetActive(true)
	require.True(t, o.Active())
	require.NoError(t, o.StartAutoPlay(context.Background(), fast(NewSequence("BALL"))))

	o.Reset()
	assert.False(t, o.Active())
	assert.False(t, o.Running())
}

func TestStartNeedsOutcomes(t *testing.T) {
	o, _ := newRecorded(nil)
	assert.ErrorIs(t, o.StartAutoPlay(context.Background(), AutoPlay{}), ErrNoOutcomes)
}

func TestOutcomeSources(t *testing.T) {
	seq := NewSequence("BALL", "BALL", "STRIKE")
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, seq.Next())
	}
	assert.Equal(t, []string{"BALL", "BALL", "STRIKE", "BALL", "BALL", "STRIKE"}, got)

	r := RandomOutcome{Outcomes: []string{"BALL", "STRIKE"}}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[r.Next()] = true
	}
	assert.True(t, seen["BALL"] && seen["STRIKE"])
}
