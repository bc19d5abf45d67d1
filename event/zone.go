package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrInvalidZoneRule = errors.New("invalid time zone rule")

var ruleZones sync.Map // name + "\x00" + rule -> *time.Location

// LoadZone returns the IANA zone called name. A name the database does not
// know is built from rule, a POSIX TZ string such as
// "<+0100>-01:00<+0200>-02:00,M3.5.0/02:00:00,M10.5.0/03:00:00".
func LoadZone(name, rule string) (*time.Location, error) {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc, nil
	} else if rule == "" {
		return nil, err
	}

	key := name + "\x00" + rule
	if loc, ok := ruleZones.Load(key); ok {
		return loc.(*time.Location), nil
	}
	abbr, offset, err := ruleStandard(rule)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocationFromTZData(name, tzif(abbr, offset, rule))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidZoneRule, rule, err)
	}
	ruleZones.Store(key, loc)
	return loc, nil
}

// ruleStandard reads the standard time abbreviation and its offset east of
// UTC from the head of a POSIX TZ rule.
func ruleStandard(rule string) (string, int, error) {
	bad := fmt.Errorf("%w %q", ErrInvalidZoneRule, rule)
	var abbr, rest string
	if strings.HasPrefix(rule, "<") {
		end := strings.IndexByte(rule, '>')
		if end < 0 {
			return "", 0, bad
		}
		abbr, rest = rule[1:end], rule[end+1:]
	} else {
		end := strings.IndexAny(rule, "+-0123456789")
		if end < 3 {
			return "", 0, bad
		}
		abbr, rest = rule[:end], rule[end:]
	}
	if abbr == "" {
		return "", 0, bad
	}

	end := len(rest)
	for i, r := range rest {
		if !strings.ContainsRune("+-0123456789:", r) {
			end = i
			break
		}
	}
	west, err := parsePOSIXOffset(rest[:end])
	if err != nil {
		return "", 0, bad
	}
	return abbr, -west, nil
}

// parsePOSIXOffset parses [+-]hh[:mm[:ss]] into seconds.
func parsePOSIXOffset(s string) (int, error) {
	sign := 1
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if s == "" || len(parts) > 3 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	secs := 0
	for i, unit := range []int{3600, 60, 1}[:len(parts)] {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
		secs += n * unit
	}
	return sign * secs, nil
}

// tzif encodes a version 2 zoneinfo file with no transitions, so rule alone
// decides every offset. The single zone type is only a fallback.
func tzif(abbr string, offset int, rule string) []byte {
	var b bytes.Buffer
	header := func(typecnt, charcnt int) {
		b.WriteString("TZif2")
		b.Write(make([]byte, 15))
		// isutcnt, isstdcnt, leapcnt, timecnt, typecnt, charcnt
		for _, n := range []int{0, 0, 0, 0, typecnt, charcnt} {
			b.Write(binary.BigEndian.AppendUint32(nil, uint32(n)))
		}
	}
	header(0, 0)
	header(1, len(abbr)+1)
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(int32(offset))))
	b.WriteByte(0) // isdst
	b.WriteByte(0) // abbreviation index
	b.WriteString(abbr)
	b.WriteByte(0)
	b.WriteString("\n" + rule + "\n")
	return b.Bytes()
}
