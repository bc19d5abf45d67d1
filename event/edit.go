package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"
)

var ErrNoMaster = errors.New("series has no master event")

// Scope is the user-facing extent of an edit to a recurring event.
type Scope int

const (
	ScopeThis Scope = iota
	ScopeThisAndFuture
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeThisAndFuture:
		return "this_and_future"
	case ScopeAll:
		return "all"
	default:
		return "this"
	}
}

// Patch lists the fields an edit changes. Absent options are left alone.
type Patch struct {
	Title       mo.Option[string]
	Description mo.Option[string]
	Location    mo.Option[string]
	Conference  mo.Option[string]
	Start       mo.Option[time.Time]
	End         mo.Option[time.Time]
	TimeZone    mo.Option[string]
	RRule       mo.Option[string]
}

func (p Patch) apply(e *Event) {
	if v, ok := p.Title.Get(); ok {
		e.Title = v
	}
	if v, ok := p.Description.Get(); ok {
		e.Description = v
	}
	if v, ok := p.Location.Get(); ok {
		e.Location = v
	}
	if v, ok := p.Conference.Get(); ok {
		e.Conference = v
	}
	if v, ok := p.TimeZone.Get(); ok {
		e.TimeZone, e.ZoneRule = v, ""
	}
	duration := e.Duration()
	if v, ok := p.Start.Get(); ok {
		e.Start = v.UTC()
		if p.End.IsAbsent() {
			e.End = e.Start.Add(duration)
		}
	}
	if v, ok := p.End.Get(); ok {
		e.End = v.UTC()
	}
}

// Edit applies patch to s with the given scope. For ScopeThisAndFuture the
// returned series is the newly split-off future series and must be saved
// alongside s; for other scopes it is nil.
func Edit(s *Series, scope Scope, originalStart time.Time, patch Patch, newSeriesID string, now time.Time) (*Series, error) {
	switch scope {
	case ScopeAll:
		return nil, EditAll(s, patch, now)
	case ScopeThisAndFuture:
		return SplitFuture(s, originalStart, patch, newSeriesID, now)
	default:
		return nil, EditThis(s, originalStart, patch, now)
	}
}

// EditAll rewrites the master. When the rule or start changes, exclusions
// and exceptions that no longer land on an occurrence are dropped.
func EditAll(s *Series, patch Patch, now time.Time) error {
	if s.Master == nil {
		return ErrNoMaster
	}
	m := s.Master
	patch.apply(m)
	if v, ok := patch.RRule.Get(); ok {
		m.RRule = v
	}
	if _, err := s.rule(); err != nil {
		return err
	}
	m.touch(now)
	if patch.RRule.IsAbsent() && patch.Start.IsAbsent() {
		return nil
	}

	kept := m.ExDates[:0]
	for _, ex := range m.ExDates {
		if ok, err := s.isRuleOccurrence(ex); err != nil {
			return err
		} else if ok {
			kept = append(kept, ex)
		}
	}
	m.ExDates = kept
	if len(m.ExDates) == 0 {
		m.ExDates = nil
	}

	for _, e := range s.Exceptions {
		if e.Deleted {
			continue
		}
		ok, err := s.isRuleOccurrence(e.RecurrenceID.MustGet())
		if err != nil {
			return err
		}
		if !ok {
			e.Deleted = true
			e.LastModified = now.UTC()
		}
	}
	return nil
}

// EditThis overrides a single occurrence. If the occurrence moves, its
// original start is also excluded from the master's rule.
func EditThis(s *Series, originalStart time.Time, patch Patch, now time.Time) error {
	if s.Master == nil {
		return ErrNoMaster
	}
	if s.Master.RRule == "" {
		return EditAll(s, patch, now)
	}
	originalStart = originalStart.UTC()
	if err := s.checkOccurrence(originalStart); err != nil {
		return err
	}

	exc := s.Exception(originalStart)
	if exc == nil {
		exc = &Event{
			SeriesID:     s.ID,
			Title:        s.Master.Title,
			Description:  s.Master.Description,
			Location:     s.Master.Location,
			Conference:   s.Master.Conference,
			Start:        originalStart,
			End:          originalStart.Add(s.Master.Duration()),
			TimeZone:     s.Master.TimeZone,
			ZoneRule:     s.Master.ZoneRule,
			AllDay:       s.Master.AllDay,
			Sequence:     s.Master.Sequence,
			RecurrenceID: mo.Some(originalStart),
		}
		s.Exceptions = append(s.Exceptions, exc)
	}
	exc.Deleted = false
	patch.apply(exc)
	exc.touch(now)

	if !exc.Start.Equal(originalStart) && !isExcluded(originalStart, s.Master.ExDates) {
		s.Master.ExDates = append(s.Master.ExDates, originalStart)
		s.Master.touch(now)
	}
	s.Normalize()
	return nil
}

// SplitFuture ends s just before originalStart and returns a new series,
// identified by newSeriesID, that carries the edited occurrence and every
// later one. Exclusions and exceptions from the split point on move to the
// new series; the originals are left as tombstones on s.
//
// Splitting at the first occurrence is the same as editing the whole series,
// in which case no new series is returned.
func SplitFuture(s *Series, originalStart time.Time, patch Patch, newSeriesID string, now time.Time) (*Series, error) {
	if s.Master == nil {
		return nil, ErrNoMaster
	}
	if s.Master.RRule == "" {
		return nil, EditAll(s, patch, now)
	}
	originalStart = originalStart.UTC()
	if err := s.checkOccurrence(originalStart); err != nil {
		return nil, err
	}
	if originalStart.Equal(s.Master.Start) {
		return nil, EditAll(s, patch, now)
	}

	m := s.Master
	past, err := s.countBefore(originalStart)
	if err != nil {
		return nil, err
	}

	parts := parseRuleParts(m.RRule)
	futureParts := parseRuleParts(m.RRule)
	if countStr, ok := parts.get("COUNT"); ok {
		var total int
		if _, err := fmt.Sscanf(countStr, "%d", &total); err != nil {
			return nil, fmt.Errorf("invalid COUNT in RRULE '%s': %w", m.RRule, err)
		}
		parts = parts.set("COUNT", fmt.Sprint(past))
		futureParts = futureParts.set("COUNT", fmt.Sprint(total-past))
	} else {
		parts = parts.del("COUNT").set("UNTIL", untilBefore(originalStart, m.AllDay))
	}

	future := &Event{
		SeriesID:    newSeriesID,
		Title:       m.Title,
		Description: m.Description,
		Location:    m.Location,
		Conference:  m.Conference,
		Start:       originalStart,
		End:         originalStart.Add(m.Duration()),
		TimeZone:    m.TimeZone,
		ZoneRule:    m.ZoneRule,
		AllDay:      m.AllDay,
		RRule:       futureParts.String(),
	}
	if v, ok := patch.RRule.Get(); ok {
		future.RRule = v
	}
	patch.apply(future)
	future.touch(now)

	var pastEx []time.Time
	for _, ex := range m.ExDates {
		if ex.Before(originalStart) {
			pastEx = append(pastEx, ex)
		} else {
			future.ExDates = append(future.ExDates, ex)
		}
	}
	m.ExDates = pastEx
	m.RRule = parts.String()
	m.touch(now)

	split := &Series{ID: newSeriesID, Master: future}
	for _, e := range s.Exceptions {
		if e.Deleted || e.RecurrenceID.MustGet().Before(originalStart) {
			continue
		}
		moved := e.Clone()
		moved.ID = ""
		moved.SeriesID = newSeriesID
		moved.LastModified = now.UTC()
		split.Exceptions = append(split.Exceptions, moved)
		e.Deleted = true
		e.LastModified = now.UTC()
	}
	s.Normalize()
	split.Normalize()
	return split, nil
}

// DeleteThis removes a single occurrence: it is excluded from the rule and
// any override for it is flagged deleted.
func DeleteThis(s *Series, originalStart time.Time, now time.Time) error {
	if s.Master == nil {
		return ErrNoMaster
	}
	if s.Master.RRule == "" {
		DeleteAll(s, now)
		return nil
	}
	originalStart = originalStart.UTC()
	if err := s.checkOccurrence(originalStart); err != nil {
		return err
	}
	if exc := s.Exception(originalStart); exc != nil && !exc.Deleted {
		exc.Deleted = true
		exc.LastModified = now.UTC()
	}
	if !isExcluded(originalStart, s.Master.ExDates) {
		s.Master.ExDates = append(s.Master.ExDates, originalStart)
	}
	s.Master.touch(now)
	s.Normalize()
	return nil
}

// DeleteAll flags every member of the series deleted.
func DeleteAll(s *Series, now time.Time) {
	s.MarkDeleted(now)
}

func (s *Series) checkOccurrence(t time.Time) error {
	if s.Exception(t) != nil {
		return nil
	}
	ok, err := s.isRuleOccurrence(t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAnOccurrence, t.Format(time.RFC3339))
	}
	return nil
}

// untilBefore returns an UNTIL value that stops the rule just before t.
func untilBefore(t time.Time, allDay bool) string {
	if allDay {
		return t.AddDate(0, 0, -1).Format("20060102")
	}
	return t.Add(-time.Second).UTC().Format("20060102T150405Z")
}
