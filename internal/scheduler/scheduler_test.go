package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPipelineRunsImmediatelyThenOnTicks(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()

	Run(ctx, testLogger(), Pipeline{
		Name:     "test",
		Interval: 50 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	})

	if n := runs.Load(); n < 2 || n > 4 {
		t.Errorf("runs = %d, want immediate run plus ~2 ticks", n)
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	Run(ctx, testLogger(), Pipeline{
		Name:     "slow",
		Interval: 20 * time.Millisecond,
		Run: func(context.Context) {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(50 * time.Millisecond) // deliberately overrun
			inFlight.Add(-1)
		},
	})

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent ticks = %d, want 1", maxSeen.Load())
	}
}

func TestPanickedTickDoesNotKillPipeline(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	Run(ctx, testLogger(), Pipeline{
		Name:     "flaky",
		Interval: 30 * time.Millisecond,
		Run: func(context.Context) {
			if runs.Add(1) == 1 {
				panic("first tick explodes")
			}
		},
	})

	if runs.Load() < 2 {
		t.Errorf("runs = %d, want the pipeline to survive the panic", runs.Load())
	}
}

func TestTickContextCarriesDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	gotDeadline := make(chan bool, 1)
	Run(ctx, testLogger(), Pipeline{
		Name:     "deadline",
		Interval: 40 * time.Millisecond,
		Run: func(tickCtx context.Context) {
			select {
			case gotDeadline <- hasDeadline(tickCtx):
			default:
			}
		},
	})

	if !<-gotDeadline {
		t.Error("tick context should carry a deadline derived from the interval")
	}
}

func hasDeadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}
