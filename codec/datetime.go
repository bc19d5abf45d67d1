package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/caldora-sync/event"
	"github.com/emersion/go-ical"
)

const (
	paramValue     = "VALUE"
	paramTZID      = "TZID"
	valueDate      = "DATE"
	dateFormat     = "20060102"
	localFormat    = "20060102T150405"
	utcFormat      = "20060102T150405Z"
	propTZOffsetTo = "TZOFFSETTO"
)

// stamp is a decoded DATE or DATE-TIME value.
type stamp struct {
	t      time.Time // UTC
	zone   string    // declared TZID, "" for UTC or floating
	rule   string    // POSIX rule when zone is not an IANA name
	allDay bool
}

// zoneResolver maps TZID parameters to locations. Names missing from the
// IANA database are built from the VTIMEZONE declaring them.
type zoneResolver struct {
	rules map[string]string
	bad   map[string]error
}

func newZoneResolver(cal *ical.Calendar) *zoneResolver {
	r := &zoneResolver{rules: make(map[string]string), bad: make(map[string]error)}
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		tzid, err := child.Props.Text(ical.PropTimezoneID)
		if err != nil || tzid == "" {
			continue
		}
		rule, err := zoneRule(child)
		if err != nil {
			r.bad[tzid] = fmt.Errorf("VTIMEZONE %q: %w", tzid, err)
			continue
		}
		r.rules[tzid] = rule
	}
	return r
}

// resolve returns the location for tzid and, for a zone unknown to the IANA
// database, the rule it was built from.
func (r *zoneResolver) resolve(tzid string) (*time.Location, string, error) {
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc, "", nil
	}
	rule, ok := r.rules[tzid]
	if !ok {
		if err := r.bad[tzid]; err != nil {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("unknown time zone %q", tzid)
	}
	loc, err := event.LoadZone(tzid, rule)
	if err != nil {
		return nil, "", err
	}
	return loc, rule, nil
}

func (r *zoneResolver) parse(prop *ical.Prop) (stamp, error) {
	values, err := r.parseList(prop)
	if err != nil {
		return stamp{}, err
	}
	if len(values) != 1 {
		return stamp{}, fmt.Errorf("%s: expected one value, got %d", prop.Name, len(values))
	}
	return values[0], nil
}

// parseList parses a possibly comma-separated list of DATE or DATE-TIME values.
func (r *zoneResolver) parseList(prop *ical.Prop) ([]stamp, error) {
	isDate := strings.EqualFold(prop.Params.Get(paramValue), valueDate)
	tzid := prop.Params.Get(paramTZID)

	var out []stamp
	for _, raw := range strings.Split(prop.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if isDate || len(raw) == len(dateFormat) {
			t, err := time.ParseInLocation(dateFormat, raw, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid date %q: %w", prop.Name, raw, err)
			}
			out = append(out, stamp{t: t, allDay: true})
			continue
		}
		if strings.HasSuffix(raw, "Z") {
			t, err := time.Parse(utcFormat, raw)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid date-time %q: %w", prop.Name, raw, err)
			}
			out = append(out, stamp{t: t.UTC()})
			continue
		}
		loc, zone, rule := time.UTC, tzid, ""
		if tzid != "" {
			l, declared, err := r.resolve(tzid)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", prop.Name, err)
			}
			loc, rule = l, declared
		}
		t, err := time.ParseInLocation(localFormat, raw, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid date-time %q: %w", prop.Name, raw, err)
		}
		if zone == "UTC" || zone == "Etc/UTC" {
			zone = ""
		}
		out = append(out, stamp{t: t.UTC(), zone: zone, rule: rule})
	}
	return out, nil
}

// formatTime renders t the way the owning event declares its times and sets
// the matching parameters on prop. A nil loc writes UTC.
func formatTime(prop *ical.Prop, t time.Time, loc *time.Location, allDay bool) {
	switch {
	case allDay:
		prop.Params.Set(paramValue, valueDate)
		prop.Value = t.UTC().Format(dateFormat)
	case loc == nil:
		prop.Value = t.UTC().Format(utcFormat)
	default:
		prop.Params.Set(paramTZID, loc.String())
		prop.Value = t.In(loc).Format(localFormat)
	}
}

func formatTimes(prop *ical.Prop, ts []time.Time, loc *time.Location, allDay bool) {
	values := make([]string, len(ts))
	for i, t := range ts {
		formatTime(prop, t, loc, allDay)
		values[i] = prop.Value
	}
	prop.Value = strings.Join(values, ",")
}

// parseUTCOffset parses "+0100" / "-053000" into seconds east of UTC.
func parseUTCOffset(s string) (int, error) {
	if len(s) != 5 && len(s) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", s)
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", s)
	}
	h, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, err
	}
	sec := 0
	if len(s) == 7 {
		if sec, err = strconv.Atoi(s[5:7]); err != nil {
			return 0, err
		}
	}
	return sign * (h*3600 + m*60 + sec), nil
}
