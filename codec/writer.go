package codec

import (
	"bytes"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-ical"
)

const maxLineOctets = 75

// Property order per component. Properties not listed follow in name order.
var propOrder = map[string][]string{
	ical.CompCalendar: {ical.PropProductID, ical.PropVersion},
	ical.CompTimezone: {ical.PropTimezoneID},
	compStandard:      observanceOrder,
	compDaylight:      observanceOrder,
	ical.CompEvent: {
		ical.PropUID,
		ical.PropDateTimeStamp,
		propSequence,
		ical.PropSummary,
		ical.PropDescription,
		ical.PropLocation,
		propConference,
		ical.PropDateTimeStart,
		ical.PropDateTimeEnd,
		ical.PropRecurrenceRule,
		ical.PropExceptionDates,
		propRecurrenceID,
		ical.PropLastModified,
	},
}

var observanceOrder = []string{
	ical.PropDateTimeStart,
	ical.PropRecurrenceRule,
	propTZOffsetFrom,
	propTZOffsetTo,
	propTZName,
}

func writeCalendar(buf *bytes.Buffer, cal *ical.Calendar) error {
	return writeComponent(buf, cal.Component)
}

func writeComponent(buf *bytes.Buffer, comp *ical.Component) error {
	writeLine(buf, "BEGIN:"+comp.Name)
	for _, name := range orderedNames(comp) {
		for _, prop := range comp.Props[name] {
			writeLine(buf, contentLine(&prop))
		}
	}
	for _, child := range comp.Children {
		if err := writeComponent(buf, child); err != nil {
			return err
		}
	}
	writeLine(buf, "END:"+comp.Name)
	return nil
}

func orderedNames(comp *ical.Component) []string {
	order := propOrder[comp.Name]
	names := make([]string, 0, len(comp.Props))
	for _, name := range order {
		if len(comp.Props[name]) > 0 {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range comp.Props {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

func contentLine(prop *ical.Prop) string {
	var sb strings.Builder
	sb.WriteString(prop.Name)

	keys := make([]string, 0, len(prop.Params))
	for k := range prop.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteByte(';')
		sb.WriteString(k)
		sb.WriteByte('=')
		for i, v := range prop.Params[k] {
			if i > 0 {
				sb.WriteByte(',')
			}
			if strings.ContainsAny(v, ":;,") {
				sb.WriteString(`"` + v + `"`)
			} else {
				sb.WriteString(v)
			}
		}
	}
	sb.WriteByte(':')
	sb.WriteString(prop.Value)
	return sb.String()
}

// writeLine folds line at 75 octets without splitting a UTF-8 sequence and
// terminates it with CRLF.
func writeLine(buf *bytes.Buffer, line string) {
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		buf.WriteString(line[:cut])
		buf.WriteString("\r\n ")
		line = line[cut:]
		limit = maxLineOctets - 1
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}
