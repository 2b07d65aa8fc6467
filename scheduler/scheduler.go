// Package scheduler triggers pipeline runs on cron schedules. Every tick runs the pipeline for
// the previous day.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chararch/tunepipe"
)

// Starter is the part of tunepipe.Engine the scheduler needs.
type Starter interface {
	StartAsync(ctx context.Context, pipeline string, logicalDate time.Time, trigger tunepipe.Trigger) (string, error)
}

// Scheduler owns a cron instance with one entry per pipeline.
type Scheduler struct {
	starter Starter
	cron    *cron.Cron
	loc     *time.Location

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler evaluating cron specs in loc; nil means UTC.
func New(starter Starter, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		starter: starter,
		loc:     loc,
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		entries: map[string]cron.EntryID{},
	}
}

// LogicalDateFor returns the logical date a tick processes: the day before the tick in loc.
func LogicalDateFor(tick time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := tick.In(loc).Date()
	return time.Date(y, m, d-1, 0, 0, 0, 0, time.UTC)
}

// Add schedules pipeline with a standard cron spec or a descriptor such as @daily.
// Scheduling a pipeline again replaces its entry.
func (s *Scheduler) Add(pipeline, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Trigger(context.Background(), pipeline, time.Now()); err != nil {
			tunepipe.DefaultLogger.Warn(context.Background(), "scheduled run not started, pipeline:%v, err:%v", pipeline, err)
		}
	})
	if err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid schedule %q of pipeline %v", spec, pipeline, err)
	}
	if old, ok := s.entries[pipeline]; ok {
		s.cron.Remove(old)
	}
	s.entries[pipeline] = id
	tunepipe.DefaultLogger.Info(context.Background(), "pipeline scheduled, pipeline:%v, spec:%v", pipeline, spec)
	return nil
}

// Remove unschedules pipeline.
func (s *Scheduler) Remove(pipeline string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[pipeline]; ok {
		s.cron.Remove(id)
		delete(s.entries, pipeline)
	}
}

// Trigger starts the run of pipeline for the tick at the given time.
func (s *Scheduler) Trigger(ctx context.Context, pipeline string, tick time.Time) (string, error) {
	date := LogicalDateFor(tick, s.loc)
	id, err := s.starter.StartAsync(ctx, pipeline, date, tunepipe.TriggerScheduled)
	if err != nil {
		return "", err
	}
	tunepipe.DefaultLogger.Info(ctx, "scheduled run started, pipeline:%v, logical_date:%v, run:%v", pipeline, tunepipe.FormatDate(date), id)
	return id, nil
}

// Next returns the next activation of every scheduled pipeline.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		ret[name] = s.cron.Entry(id).Next
	}
	return ret
}

// Pipelines returns the scheduled pipeline names.
func (s *Scheduler) Pipelines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]string, 0, len(s.entries))
	for name := range s.entries {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running triggers until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger forwards cron's own logging to the tunepipe logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	tunepipe.DefaultLogger.Debug(context.Background(), "cron: %s %s", msg, kv(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	tunepipe.DefaultLogger.Error(context.Background(), "cron: %s %s, err:%v", msg, kv(keysAndValues), err)
}

func kv(keysAndValues []interface{}) string {
	s := ""
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		s += fmt.Sprintf("%v:%v ", keysAndValues[i], keysAndValues[i+1])
	}
	return s
}
