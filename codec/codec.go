// Package codec translates between iCalendar objects and event.Series.
//
// A CalDAV calendar object carries one series: the master VEVENT plus one
// VEVENT per overridden occurrence, all sharing a UID. Encoding is
// deterministic so an unchanged series always produces the same bytes.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cyp0633/caldora-sync/event"
	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

var (
	ErrMalformed     = errors.New("malformed calendar object")
	ErrDeletedSeries = errors.New("cannot encode a deleted series")
)

const (
	propSequence     = "SEQUENCE"
	propRecurrenceID = "RECURRENCE-ID"
	propConference   = "CONFERENCE"

	defaultProdID = "-//github.com/cyp0633/caldora-sync//NONSGML v1.0//EN"
)

// DescriptionFormat is how the local store keeps event descriptions.
type DescriptionFormat string

const (
	DescriptionText DescriptionFormat = "text"
	DescriptionHTML DescriptionFormat = "html"
)

// Codec decodes and encodes calendar objects. The zero value writes plain
// text descriptions with the default PRODID.
type Codec struct {
	ProdID      string
	Description DescriptionFormat
}

// New returns a Codec for the given description format.
func New(format DescriptionFormat) *Codec {
	return &Codec{ProdID: defaultProdID, Description: format}
}

// Decode parses one calendar object into a series. Any structural problem is
// reported as ErrMalformed so callers can skip the object.
func (c *Codec) Decode(data []byte) (*event.Series, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	zones := newZoneResolver(cal)

	var events []*event.Event
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ev, err := c.decodeEvent(child, zones)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT found", ErrMalformed)
	}

	s, err := event.NewSeries(events)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Master != nil && s.Master.RRule != "" {
		if _, err := event.ParseRule(s.Master.RRule, s.Master.Start, s.Master.Zone()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return s, nil
}

func (c *Codec) decodeEvent(comp *ical.Component, zones *zoneResolver) (*event.Event, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, errors.New("VEVENT without UID")
	}
	ev := &event.Event{SeriesID: uid}

	if ev.Title, err = comp.Props.Text(ical.PropSummary); err != nil {
		return nil, err
	}
	if ev.Location, err = comp.Props.Text(ical.PropLocation); err != nil {
		return nil, err
	}
	desc, err := comp.Props.Text(ical.PropDescription)
	if err != nil {
		return nil, err
	}
	if ev.Description, err = c.decodeDescription(desc); err != nil {
		return nil, err
	}
	if p := comp.Props.Get(propConference); p != nil {
		ev.Conference = p.Value
	}
	if p := comp.Props.Get(propSequence); p != nil {
		if ev.Sequence, err = strconv.Atoi(p.Value); err != nil {
			return nil, fmt.Errorf("invalid SEQUENCE %q", p.Value)
		}
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("VEVENT %q without DTSTART", uid)
	}
	start, err := zones.parse(startProp)
	if err != nil {
		return nil, err
	}
	ev.Start, ev.TimeZone, ev.ZoneRule, ev.AllDay = start.t, start.zone, start.rule, start.allDay

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err := zones.parse(comp.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return nil, err
		}
		ev.End = end.t
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, err
		}
		ev.End = ev.Start.Add(d)
	case ev.AllDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	default:
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		return nil, fmt.Errorf("VEVENT %q ends before it starts", uid)
	}

	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if p := comp.Props.Get(name); p != nil {
			st, err := zones.parse(p)
			if err != nil {
				return nil, err
			}
			ev.LastModified = st.t
			break
		}
	}

	if p := comp.Props.Get(propRecurrenceID); p != nil {
		rid, err := zones.parse(p)
		if err != nil {
			return nil, err
		}
		ev.RecurrenceID = mo.Some(rid.t)
		return ev, nil
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = p.Value
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		values, err := zones.parseList(&p)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			ev.ExDates = append(ev.ExDates, v.t)
		}
	}
	return ev, nil
}

// Encode serializes s. Tombstoned exceptions are left out; a deleted series
// cannot be encoded.
func (c *Codec) Encode(s *event.Series) ([]byte, error) {
	live := s.Live()
	if live == nil {
		return nil, ErrDeletedSeries
	}

	prodID := c.ProdID
	if prodID == "" {
		prodID = defaultProdID
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	members := live.Members()
	cal.Children = append(cal.Children, vtimezones(members)...)
	for _, ev := range members {
		comp, err := c.encodeEvent(ev, live.Master)
		if err != nil {
			return nil, err
		}
		cal.Children = append(cal.Children, comp)
	}

	var buf bytes.Buffer
	if err := writeCalendar(&buf, cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) encodeEvent(ev *event.Event, master *event.Event) (*ical.Component, error) {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, ev.SeriesID)

	if !ev.LastModified.IsZero() {
		for _, name := range []string{ical.PropDateTimeStamp, ical.PropLastModified} {
			p := ical.NewProp(name)
			formatTime(p, ev.LastModified, nil, false)
			comp.Props.Set(p)
		}
	}

	seq := ical.NewProp(propSequence)
	seq.Value = strconv.Itoa(ev.Sequence)
	comp.Props.Set(seq)

	comp.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		desc, err := c.encodeDescription(ev.Description)
		if err != nil {
			return nil, err
		}
		comp.Props.SetText(ical.PropDescription, desc)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Conference != "" {
		p := ical.NewProp(propConference)
		p.Params.Set(paramValue, "URI")
		p.Value = ev.Conference
		comp.Props.Set(p)
	}

	loc := zoneFor(ev)
	start := ical.NewProp(ical.PropDateTimeStart)
	formatTime(start, ev.Start, loc, ev.AllDay)
	comp.Props.Set(start)
	end := ical.NewProp(ical.PropDateTimeEnd)
	formatTime(end, ev.End, loc, ev.AllDay)
	comp.Props.Set(end)

	if rid, ok := ev.RecurrenceID.Get(); ok {
		// The occurrence key is written in the master's form so that it
		// matches the master's expansion.
		zone, allDay := loc, ev.AllDay
		if master != nil {
			zone, allDay = zoneFor(master), master.AllDay
		}
		p := ical.NewProp(propRecurrenceID)
		formatTime(p, rid, zone, allDay)
		comp.Props.Set(p)
		return comp, nil
	}

	if ev.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = ev.RRule
		comp.Props.Set(p)
	}
	if len(ev.ExDates) > 0 {
		p := ical.NewProp(ical.PropExceptionDates)
		formatTimes(p, ev.ExDates, loc, ev.AllDay)
		comp.Props.Set(p)
	}
	return comp, nil
}

// Fingerprint hashes the encoded content of s, ignoring modification
// timestamps, so that rewriting an unchanged series is not seen as a change.
func (c *Codec) Fingerprint(s *event.Series) (string, error) {
	if s.Deleted() {
		return "deleted", nil
	}
	clone := s.Clone()
	for _, ev := range clone.Members() {
		ev.LastModified = time.Time{}
	}
	data, err := c.Encode(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
