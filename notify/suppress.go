// Package notify carries the "this write comes from sync" signal to the
// host's notification path.
package notify

import (
	"context"
	"sync"
)

type ctxKey struct{}

// FromContext reports whether ctx belongs to a sync-induced write.
func FromContext(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// Suppressor tracks which series are currently being written by the sync
// engine. Hosts that cannot see the write context can poll Active.
type Suppressor struct {
	mu     sync.Mutex
	active map[string]int
}

// NewSuppressor returns an empty Suppressor.
func NewSuppressor() *Suppressor {
	return &Suppressor{active: make(map[string]int)}
}

func suppressKey(calendarID, seriesID string) string {
	return calendarID + "\x00" + seriesID
}

// Suppress marks the series as being written by sync and returns a context
// carrying the flag. The release func must be called when the write is done,
// whether it succeeded or not.
func (s *Suppressor) Suppress(ctx context.Context, calendarID, seriesID string) (context.Context, func()) {
	k := suppressKey(calendarID, seriesID)
	s.mu.Lock()
	s.active[k]++
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.active[k] <= 1 {
				delete(s.active, k)
				return
			}
			s.active[k]--
		})
	}
	return context.WithValue(ctx, ctxKey{}, true), release
}

// Active reports whether a sync-induced write of the series is in progress.
func (s *Suppressor) Active(calendarID, seriesID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[suppressKey(calendarID, seriesID)] > 0
}

// Do runs fn under suppression for the series.
func (s *Suppressor) Do(ctx context.Context, calendarID, seriesID string, fn func(ctx context.Context) error) error {
	ctx, release := s.Suppress(ctx, calendarID, seriesID)
	defer release()
	return fn(ctx)
}
