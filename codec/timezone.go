package codec

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora-sync/event"
	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	compStandard     = "STANDARD"
	compDaylight     = "DAYLIGHT"
	propTZOffsetFrom = "TZOFFSETFROM"
	propTZName       = "TZNAME"
)

var abbrPattern = regexp.MustCompile(`^[A-Za-z0-9+-]+$`)

// observance is one STANDARD or DAYLIGHT block of a VTIMEZONE.
type observance struct {
	daylight bool
	start    time.Time // wall clock, in the offset it ends
	offset   int       // TZOFFSETTO, seconds east of UTC
	abbr     string
	rule     *rrule.ROption
}

func parseObservance(comp *ical.Component) (observance, error) {
	o := observance{daylight: comp.Name == compDaylight}
	p := comp.Props.Get(propTZOffsetTo)
	if p == nil {
		return o, fmt.Errorf("%s without %s", comp.Name, propTZOffsetTo)
	}
	off, err := parseUTCOffset(p.Value)
	if err != nil {
		return o, err
	}
	o.offset = off
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		if o.start, err = time.ParseInLocation(localFormat, p.Value, time.UTC); err != nil {
			return o, fmt.Errorf("%s: invalid DTSTART %q", comp.Name, p.Value)
		}
	}
	if p := comp.Props.Get(propTZName); p != nil && abbrPattern.MatchString(p.Value) {
		o.abbr = p.Value
	} else {
		o.abbr = formatUTCOffset(off)
	}
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		if o.rule, err = rrule.StrToROption(p.Value); err != nil {
			return o, err
		}
	}
	return o, nil
}

// posixDate renders a yearly nth-weekday rule as Mm.w.d/hh:mm:ss.
func (o observance) posixDate() (string, bool) {
	r := o.rule
	if r == nil || r.Freq != rrule.YEARLY || len(r.Bymonth) != 1 || len(r.Byweekday) != 1 ||
		len(r.Bymonthday) > 0 || len(r.Bysetpos) > 0 {
		return "", false
	}
	wd := r.Byweekday[0]
	week := wd.N()
	switch {
	case week == -1 || week == 5:
		week = 5
	case week >= 1 && week <= 4:
	default:
		return "", false
	}
	// rrule counts from Monday, POSIX from Sunday.
	day := (wd.Day() + 1) % 7
	return fmt.Sprintf("M%d.%d.%d/%s", r.Bymonth[0], week, day, o.start.Format("15:04:05")), true
}

// zoneRule converts a VTIMEZONE to a POSIX TZ rule. Observances that recur
// other than on an nth weekday of a month cannot be expressed, in which case
// the standard offset is used for the whole year.
func zoneRule(comp *ical.Component) (string, error) {
	var std, dst *observance
	for _, child := range comp.Children {
		if child.Name != compStandard && child.Name != compDaylight {
			continue
		}
		o, err := parseObservance(child)
		if err != nil {
			return "", err
		}
		slot := &std
		if o.daylight {
			slot = &dst
		}
		// Older observances are history; the latest one is in force.
		if *slot == nil || !o.start.Before((*slot).start) {
			*slot = &o
		}
	}
	if std == nil {
		std, dst = dst, nil
	}
	if std == nil {
		return "", fmt.Errorf("VTIMEZONE without observances")
	}

	rule := posixName(std.abbr) + formatPOSIXOffset(-std.offset)
	if dst == nil {
		return rule, nil
	}
	on, ok1 := dst.posixDate()
	off, ok2 := std.posixDate()
	if !ok1 || !ok2 {
		return rule, nil
	}
	return rule + posixName(dst.abbr) + formatPOSIXOffset(-dst.offset) + "," + on + "," + off, nil
}

func posixName(abbr string) string {
	return "<" + abbr + ">"
}

func formatPOSIXOffset(secs int) string {
	sign := "+"
	if secs < 0 {
		sign, secs = "-", -secs
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, secs/3600, secs/60%60, secs%60)
}

func formatUTCOffset(secs int) string {
	sign := "+"
	if secs < 0 {
		sign, secs = "-", -secs
	}
	s := fmt.Sprintf("%s%02d%02d", sign, secs/3600, secs/60%60)
	if secs%60 != 0 {
		s += fmt.Sprintf("%02d", secs%60)
	}
	return s
}

// zoneFor returns the location the times of ev are written in, or nil for
// UTC and all-day events.
func zoneFor(ev *event.Event) *time.Location {
	if ev.AllDay || ev.TimeZone == "" {
		return nil
	}
	loc, err := event.LoadZone(ev.TimeZone, ev.ZoneRule)
	if err != nil || loc == time.UTC {
		return nil
	}
	return loc
}

// vtimezones describes every zone referenced by members, ordered by TZID.
// Each is built from the transitions in the year of the earliest start that
// uses it.
func vtimezones(members []*event.Event) []*ical.Component {
	type use struct {
		loc   *time.Location
		first time.Time
	}
	zones := make(map[string]*use)
	for _, ev := range members {
		loc := zoneFor(ev)
		if loc == nil {
			continue
		}
		u, ok := zones[loc.String()]
		if !ok {
			zones[loc.String()] = &use{loc: loc, first: ev.Start}
			continue
		}
		if ev.Start.Before(u.first) {
			u.first = ev.Start
		}
	}

	names := make([]string, 0, len(zones))
	for name := range zones {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]*ical.Component, 0, len(names))
	for _, name := range names {
		out = append(out, vtimezone(zones[name].loc, zones[name].first.In(zones[name].loc).Year()))
	}
	return out
}

func vtimezone(loc *time.Location, year int) *ical.Component {
	comp := ical.NewComponent(ical.CompTimezone)
	comp.Props.SetText(ical.PropTimezoneID, loc.String())

	begin := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	stop := time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
	seen := make(map[bool]bool)
	for t := begin; len(seen) < 2; {
		_, end := t.ZoneBounds()
		if end.IsZero() || !end.Before(stop) {
			break
		}
		if !seen[end.IsDST()] {
			seen[end.IsDST()] = true
			comp.Children = append(comp.Children, transition(end))
		}
		t = end
	}
	if len(comp.Children) == 0 {
		abbr, off := begin.Zone()
		o := ical.NewComponent(compStandard)
		setObservance(o, time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC), off, off, abbr)
		comp.Children = append(comp.Children, o)
	}
	return comp
}

// transition describes the offset change at t as a yearly observance.
func transition(t time.Time) *ical.Component {
	_, from := t.Add(-time.Second).Zone()
	abbr, to := t.Zone()
	wall := t.UTC().Add(time.Duration(from) * time.Second)

	name := compStandard
	if t.IsDST() {
		name = compDaylight
	}
	o := ical.NewComponent(name)
	setObservance(o, wall, from, to, abbr)

	week := (wall.Day()-1)/7 + 1
	if wall.AddDate(0, 0, 7).Month() != wall.Month() {
		week = -1
	}
	day := strings.ToUpper(wall.Weekday().String()[:2])
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = fmt.Sprintf("FREQ=YEARLY;BYMONTH=%d;BYDAY=%d%s", int(wall.Month()), week, day)
	o.Props.Set(rule)
	return o
}

func setObservance(o *ical.Component, wall time.Time, from, to int, abbr string) {
	start := ical.NewProp(ical.PropDateTimeStart)
	start.Value = wall.Format(localFormat)
	o.Props.Set(start)
	for name, off := range map[string]int{propTZOffsetFrom: from, propTZOffsetTo: to} {
		p := ical.NewProp(name)
		p.Value = formatUTCOffset(off)
		o.Props.Set(p)
	}
	if abbrPattern.MatchString(abbr) {
		p := ical.NewProp(propTZName)
		p.Value = abbr
		o.Props.Set(p)
	}
}
