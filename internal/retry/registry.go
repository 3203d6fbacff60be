// Package retry implements named retry curves: an ordered sequence of
// (delay_seconds, repeat_count) levels consulted when a task fails.
package retry

import (
	"sync"
	"time"

	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// Level is one (delay, repeat_count) pair of a retry curve.
type Level struct {
	Delay time.Duration
	Count int
}

// Schedule is a named retry curve. On the k-th failure, the task waits for
// the delay selected by cumulative level boundaries; when k exceeds the
// total count across all levels, the schedule is exhausted.
type Schedule struct {
	Name   string
	Levels []Level
}

// MaxRetries returns the total retry budget: the sum of every level's count.
func (s *Schedule) MaxRetries() int {
	n := 0
	for _, l := range s.Levels {
		n += l.Count
	}
	return n
}

// DelayForRetry returns the delay to wait before the retryNumber-th retry
// (1-based, not counting the original attempt) and whether that retry is
// still within budget. Once retryNumber exceeds MaxRetries, the schedule is
// exhausted and the caller must classify the failure as fatal.
func (s *Schedule) DelayForRetry(retryNumber int) (time.Duration, bool) {
	if retryNumber < 1 {
		return 0, false
	}
	consumed := 0
	for _, l := range s.Levels {
		if retryNumber <= consumed+l.Count {
			return l.Delay, true
		}
		consumed += l.Count
	}
	return 0, false
}

// Registry holds every named retry schedule known to the engine, kept in
// memory; it holds exactly what has been passed to Put.
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
}

// NewRegistry returns an empty registry; call Put to populate it. Nothing
// reads the store's retry-schedule bucket into it.
func NewRegistry() *Registry {
	return &Registry{schedules: make(map[string]*Schedule)}
}

// Put registers or replaces a named schedule.
func (r *Registry) Put(s *Schedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.Name] = s
}

// Get looks up a schedule by name.
func (r *Registry) Get(name string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[name]
	if !ok {
		return nil, evqerr.New(evqerr.UnknownType, "retry.schedule", "unknown retry schedule "+name)
	}
	return s, nil
}

// List returns every registered schedule name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schedules))
	for n := range r.schedules {
		names = append(names, n)
	}
	return names
}
