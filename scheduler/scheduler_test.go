package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"go.uber.org/zap/zaptest"

	"github.com/chararch/tunepipe"
)

type call struct {
	pipeline string
	date     time.Time
	trigger  tunepipe.Trigger
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []call
	fired chan struct{}
}

func (f *fakeStarter) StartAsync(ctx context.Context, pipeline string, logicalDate time.Time, trigger tunepipe.Trigger) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{pipeline, logicalDate, trigger})
	f.mu.Unlock()
	if f.fired != nil {
		select {
		case f.fired <- struct{}{}:
		default:
		}
	}
	return "run-1", nil
}

func TestLogicalDateFor(t *testing.T) {
	tick := time.Date(2025, 6, 2, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), LogicalDateFor(tick, nil))

	// 01:30 UTC is still June 1st in New York
	ny := time.FixedZone("EDT", -4*3600)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), LogicalDateFor(tick, ny))

	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), LogicalDateFor(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), nil))
}

func TestTrigger(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	f := &fakeStarter{}
	s := New(f, nil)
	id, err := s.Trigger(context.Background(), "api", time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC))
	assert.Equal(t, nil, err)
	assert.Equal(t, "run-1", id)
	assert.Equal(t, []call{{"api", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), tunepipe.TriggerScheduled}}, f.calls)
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	s := New(&fakeStarter{}, nil)
	err := s.Add("api", "every day at noon")
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
	assert.Equal(t, 0, len(s.Pipelines()))

	assert.Equal(t, nil, s.Add("api", "0 2 * * *"))
	assert.Equal(t, nil, s.Add("api", "@daily"))
	assert.Equal(t, nil, s.Add("songs", "30 2 * * *"))
	assert.Equal(t, []string{"api", "songs"}, s.Pipelines())
	s.Remove("songs")
	assert.Equal(t, []string{"api"}, s.Pipelines())
}

func TestScheduledTickStartsRun(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	f := &fakeStarter{fired: make(chan struct{}, 1)}
	s := New(f, nil)
	assert.Equal(t, nil, s.Add("songs", "@every 1s"))
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Equal(t, nil, s.Stop(ctx))
	}()

	select {
	case <-f.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no run started")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "songs", f.calls[0].pipeline)
	assert.Equal(t, tunepipe.TriggerScheduled, f.calls[0].trigger)
}
