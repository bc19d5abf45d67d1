// Package memory is an in-memory localstore.Store, used by tests and the
// CLI's scratch mode.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cyp0633/caldora-sync/event"
	"github.com/cyp0633/caldora-sync/localstore"
	"github.com/cyp0633/caldora-sync/notify"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Op names a kind of write.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	OpPurge  Op = "purge"
)

// Write records one mutation so tests can assert on what sync did.
type Write struct {
	Op         Op
	CalendarID string
	SeriesID   string
	// Suppressed is true when the write carried the sync context.
	Suppressed bool
}

// Store keeps events per calendar, keyed by series then member.
type Store struct {
	mu        sync.RWMutex
	calendars map[string]map[string]map[string]event.Event
	writes    []Write
	now       func() time.Time
}

var _ localstore.Store = (*Store)(nil)

// New returns an empty store that stamps local edits with time.Now.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store that stamps local edits with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		calendars: make(map[string]map[string]map[string]event.Event),
		now:       now,
	}
}

func memberKey(e *event.Event) string {
	if rid, ok := e.RecurrenceID.Get(); ok {
		return strconv.FormatInt(rid.UTC().Unix(), 10)
	}
	return "master"
}

func (s *Store) record(ctx context.Context, op Op, calendarID, seriesID string) {
	s.writes = append(s.writes, Write{
		Op:         op,
		CalendarID: calendarID,
		SeriesID:   seriesID,
		Suppressed: notify.FromContext(ctx),
	})
}

func (s *Store) ChangedSince(ctx context.Context, calendarID string, since time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, members := range s.calendars[calendarID] {
		for _, e := range members {
			if e.LastModified.After(since) {
				out = append(out, *e.Clone())
			}
		}
	}
	slices.SortFunc(out, func(a, b event.Event) int {
		if c := a.LastModified.Compare(b.LastModified); c != 0 {
			return c
		}
		return compareStrings(a.SeriesID+memberKey(&a), b.SeriesID+memberKey(&b))
	})
	return out, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *Store) LoadSeries(ctx context.Context, calendarID, seriesID string) (*event.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.calendars[calendarID][seriesID]
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", localstore.ErrNotFound, seriesID)
	}
	events := make([]*event.Event, 0, len(members))
	for _, e := range members {
		events = append(events, e.Clone())
	}
	return event.NewSeries(events)
}

// UpsertSeries stores every member of series. Members without an ID get one.
func (s *Store) UpsertSeries(ctx context.Context, calendarID string, series *event.Series) error {
	if err := series.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		cal = make(map[string]map[string]event.Event)
		s.calendars[calendarID] = cal
	}
	members, ok := cal[series.ID]
	if !ok {
		members = make(map[string]event.Event)
		cal[series.ID] = members
	}
	for _, e := range series.Members() {
		c := e.Clone()
		c.SeriesID = series.ID
		if c.ID == "" {
			if old, ok := members[memberKey(c)]; ok {
				c.ID = old.ID
			} else {
				c.ID = uuid.NewString()
			}
		}
		members[memberKey(c)] = *c
	}
	s.record(ctx, OpUpsert, calendarID, series.ID)
	return nil
}

// MarkDeleted flags members deleted. A user deletion is stamped with the
// store clock; a deletion applied by sync keeps the old modification time so
// it does not show up as a local change.
func (s *Store) MarkDeleted(ctx context.Context, calendarID, seriesID string, recurrenceID mo.Option[time.Time]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.calendars[calendarID][seriesID]
	if len(members) == 0 {
		return fmt.Errorf("%w: %s", localstore.ErrNotFound, seriesID)
	}
	stamp := !notify.FromContext(ctx)
	now := s.now().UTC()
	mark := func(k string, e event.Event) {
		e.Deleted = true
		if stamp {
			e.LastModified = now
		}
		members[k] = e
	}
	if rid, ok := recurrenceID.Get(); ok {
		k := strconv.FormatInt(rid.UTC().Unix(), 10)
		e, ok := members[k]
		if !ok {
			return fmt.Errorf("%w: %s occurrence %s", localstore.ErrNotFound, seriesID, rid.UTC().Format(time.RFC3339))
		}
		mark(k, e)
	} else {
		for k, e := range members {
			mark(k, e)
		}
	}
	s.record(ctx, OpDelete, calendarID, seriesID)
	return nil
}

func (s *Store) PurgeDeleted(ctx context.Context, calendarID, seriesID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal := s.calendars[calendarID]
	members := cal[seriesID]
	for k, e := range members {
		if e.Deleted {
			delete(members, k)
		}
	}
	if len(members) == 0 {
		delete(cal, seriesID)
	}
	s.record(ctx, OpPurge, calendarID, seriesID)
	return nil
}

// Edit loads a series, lets fn change it as a user would and stores the
// result stamped with the store clock. It returns any new series created by
// fn, which is stored as well.
func (s *Store) Edit(ctx context.Context, calendarID, seriesID string, fn func(s *event.Series, now time.Time) (*event.Series, error)) (*event.Series, error) {
	series, err := s.LoadSeries(ctx, calendarID, seriesID)
	if err != nil {
		return nil, err
	}
	created, err := fn(series, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.UpsertSeries(ctx, calendarID, series); err != nil {
		return nil, err
	}
	if created != nil {
		if err := s.UpsertSeries(ctx, calendarID, created); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// Writes returns the writes recorded so far.
func (s *Store) Writes() []Write {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.writes)
}

// ResetWrites forgets recorded writes.
func (s *Store) ResetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}
