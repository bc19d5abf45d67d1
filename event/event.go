// Package event holds the local representation of calendar events and
// recurrence series, and the edit operations a host applies to them.
package event

import (
	"slices"
	"time"

	"github.com/samber/mo"
)

// Kind distinguishes the three shapes an Event can take.
type Kind int

const (
	KindStandalone Kind = iota
	KindMaster
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindException:
		return "exception"
	default:
		return "standalone"
	}
}

// Event is a single local event record. Instants are kept in UTC; TimeZone
// remembers the zone the event was declared in so it can be written back
// the same way.
type Event struct {
	ID          string
	SeriesID    string
	Title       string
	Description string
	Location    string
	Conference  string

	Start    time.Time
	End      time.Time
	TimeZone string
	// ZoneRule is a POSIX TZ rule for a TimeZone missing from the IANA
	// database, built from the VTIMEZONE it was declared with.
	ZoneRule string
	AllDay   bool

	Sequence     int
	LastModified time.Time
	Deleted      bool

	// RRule is the recurrence rule without the "RRULE:" prefix. Only set on masters.
	RRule string
	// ExDates are excluded occurrence starts. Only set on masters.
	ExDates []time.Time
	// RecurrenceID is the original occurrence start an exception overrides.
	RecurrenceID mo.Option[time.Time]
}

// Kind reports whether e is a standalone event, a recurrence master or an
// occurrence exception.
func (e *Event) Kind() Kind {
	if e.RecurrenceID.IsPresent() {
		return KindException
	}
	if e.RRule != "" {
		return KindMaster
	}
	return KindStandalone
}

// Zone returns the time zone the event was declared in, or UTC.
func (e *Event) Zone() *time.Location {
	if e.TimeZone == "" {
		return time.UTC
	}
	loc, err := LoadZone(e.TimeZone, e.ZoneRule)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Duration returns End - Start, never negative.
func (e *Event) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	c.ExDates = slices.Clone(e.ExDates)
	return &c
}

// normalize converts every instant to UTC and sorts the exclusion list.
func (e *Event) normalize() {
	e.Start = e.Start.UTC()
	e.End = e.End.UTC()
	e.LastModified = e.LastModified.UTC()
	if rid, ok := e.RecurrenceID.Get(); ok {
		e.RecurrenceID = mo.Some(rid.UTC())
	}
	if len(e.ExDates) == 0 {
		e.ExDates = nil
		return
	}
	for i := range e.ExDates {
		e.ExDates[i] = e.ExDates[i].UTC()
	}
	slices.SortFunc(e.ExDates, func(a, b time.Time) int { return a.Compare(b) })
	e.ExDates = slices.CompactFunc(e.ExDates, func(a, b time.Time) bool { return a.Equal(b) })
}

func (e *Event) touch(now time.Time) {
	e.Sequence++
	e.LastModified = now.UTC()
}
