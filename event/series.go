package event

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrEmptySeries        = errors.New("series has no events")
	ErrMixedSeries        = errors.New("events belong to different series")
	ErrDuplicateMaster    = errors.New("series has more than one master")
	ErrDuplicateException = errors.New("series has more than one exception for the same occurrence")
)

// Series is a recurrence master together with its occurrence exceptions.
// A standalone event is a Series with a master that has no rule.
type Series struct {
	ID         string
	Master     *Event
	Exceptions []*Event
}

// NewSeries groups events sharing one series identity into a Series.
func NewSeries(events []*Event) (*Series, error) {
	if len(events) == 0 {
		return nil, ErrEmptySeries
	}
	s := &Series{ID: events[0].SeriesID}
	for _, e := range events {
		if e.SeriesID != s.ID {
			return nil, fmt.Errorf("%w: %q and %q", ErrMixedSeries, s.ID, e.SeriesID)
		}
		if e.Kind() == KindException {
			s.Exceptions = append(s.Exceptions, e)
			continue
		}
		if s.Master != nil {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateMaster, s.ID)
		}
		s.Master = e
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the series invariants: every member carries the series
// identity and no two exceptions override the same occurrence.
func (s *Series) Validate() error {
	if s.Master == nil && len(s.Exceptions) == 0 {
		return ErrEmptySeries
	}
	seen := make(map[int64]bool, len(s.Exceptions))
	for _, e := range s.Members() {
		if e.SeriesID != s.ID {
			return fmt.Errorf("%w: %q and %q", ErrMixedSeries, s.ID, e.SeriesID)
		}
		rid, ok := e.RecurrenceID.Get()
		if !ok {
			continue
		}
		if seen[rid.Unix()] {
			return fmt.Errorf("%w: %s", ErrDuplicateException, rid.Format(time.RFC3339))
		}
		seen[rid.Unix()] = true
	}
	return nil
}

// Members returns the master (if any) followed by the exceptions.
func (s *Series) Members() []*Event {
	out := make([]*Event, 0, len(s.Exceptions)+1)
	if s.Master != nil {
		out = append(out, s.Master)
	}
	return append(out, s.Exceptions...)
}

// Exception returns the exception overriding the occurrence starting at
// originalStart, or nil.
func (s *Series) Exception(originalStart time.Time) *Event {
	for _, e := range s.Exceptions {
		if rid, ok := e.RecurrenceID.Get(); ok && rid.Equal(originalStart) {
			return e
		}
	}
	return nil
}

// LastModified returns the most recent modification time across members.
func (s *Series) LastModified() time.Time {
	var latest time.Time
	for _, e := range s.Members() {
		if e.LastModified.After(latest) {
			latest = e.LastModified
		}
	}
	return latest
}

// Deleted reports whether the whole series is deleted: the master is
// flagged, or with no master every exception is.
func (s *Series) Deleted() bool {
	if s.Master != nil {
		return s.Master.Deleted
	}
	for _, e := range s.Exceptions {
		if !e.Deleted {
			return false
		}
	}
	return true
}

// HasTombstones reports whether any member is flagged deleted.
func (s *Series) HasTombstones() bool {
	return slices.ContainsFunc(s.Members(), func(e *Event) bool { return e.Deleted })
}

// Clone returns a deep copy of s.
func (s *Series) Clone() *Series {
	c := &Series{ID: s.ID}
	if s.Master != nil {
		c.Master = s.Master.Clone()
	}
	for _, e := range s.Exceptions {
		c.Exceptions = append(c.Exceptions, e.Clone())
	}
	return c
}

// Normalize converts all instants to UTC and orders exceptions by the
// occurrence they override.
func (s *Series) Normalize() {
	for _, e := range s.Members() {
		e.normalize()
	}
	slices.SortStableFunc(s.Exceptions, func(a, b *Event) int {
		return a.RecurrenceID.OrEmpty().Compare(b.RecurrenceID.OrEmpty())
	})
}

// MarkDeleted flags the whole series deleted.
func (s *Series) MarkDeleted(now time.Time) {
	for _, e := range s.Members() {
		if !e.Deleted {
			e.Deleted = true
			e.LastModified = now.UTC()
		}
	}
}

// Live returns a copy of s without tombstoned exceptions. It returns nil
// when the series itself is deleted.
func (s *Series) Live() *Series {
	if s.Deleted() {
		return nil
	}
	c := s.Clone()
	c.Exceptions = slices.DeleteFunc(c.Exceptions, func(e *Event) bool { return e.Deleted })
	return c
}

// Ended reports whether no member ends after t. Recurring series are never
// considered ended.
func (s *Series) Ended(t time.Time) bool {
	if s.Master != nil && s.Master.RRule != "" {
		return false
	}
	for _, e := range s.Members() {
		if e.End.After(t) {
			return false
		}
	}
	return true
}
