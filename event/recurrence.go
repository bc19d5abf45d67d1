package event

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var ErrNotAnOccurrence = errors.New("time is not an occurrence of the series")

// ParseRule validates an RRULE value against the given first occurrence and
// returns the expanded rule. start is interpreted in loc so that wall-clock
// recurrences survive DST transitions.
func ParseRule(rule string, start time.Time, loc *time.Location) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE '%s': %w", rule, err)
	}
	opt.Dtstart = start.In(loc)
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build RRULE '%s': %w", rule, err)
	}
	return r, nil
}

func (s *Series) rule() (*rrule.RRule, error) {
	if s.Master == nil || s.Master.RRule == "" {
		return nil, nil
	}
	return ParseRule(s.Master.RRule, s.Master.Start, s.Master.Zone())
}

// Occurrences returns the master's occurrence starts within [from, to),
// excluding ExDates. A standalone master yields its own start if in range.
func (s *Series) Occurrences(from, to time.Time) ([]time.Time, error) {
	if s.Master == nil {
		return nil, nil
	}
	r, err := s.rule()
	if err != nil {
		return nil, err
	}
	var starts []time.Time
	if r == nil {
		starts = []time.Time{s.Master.Start}
	} else {
		starts = r.Between(from, to, true)
	}
	out := make([]time.Time, 0, len(starts))
	for _, t := range starts {
		t = t.UTC()
		if t.Before(from) || !t.Before(to) || isExcluded(t, s.Master.ExDates) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// IsOccurrence reports whether t is a (non-excluded) occurrence start.
func (s *Series) IsOccurrence(t time.Time) (bool, error) {
	ok, err := s.isRuleOccurrence(t)
	if err != nil || !ok {
		return false, err
	}
	return !isExcluded(t, s.Master.ExDates), nil
}

// isRuleOccurrence ignores ExDates.
func (s *Series) isRuleOccurrence(t time.Time) (bool, error) {
	if s.Master == nil {
		return false, nil
	}
	r, err := s.rule()
	if err != nil {
		return false, err
	}
	if r == nil {
		return s.Master.Start.Equal(t), nil
	}
	for _, occ := range r.Between(t.Add(-time.Second), t.Add(time.Second), true) {
		if occ.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// countBefore returns how many rule occurrences start strictly before t.
func (s *Series) countBefore(t time.Time) (int, error) {
	r, err := s.rule()
	if err != nil || r == nil {
		return 0, err
	}
	return len(r.Between(s.Master.Start.Add(-time.Second), t, false)), nil
}

// isExcluded checks if a given time is in the EXDATE list
func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}
	}
	return false
}

// ruleParts splits an RRULE value into ordered KEY=VALUE pairs so a single
// part can be replaced without disturbing the rest.
type ruleParts [][2]string

func parseRuleParts(rule string) ruleParts {
	var parts ruleParts
	for _, p := range strings.Split(rule, ";") {
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		parts = append(parts, [2]string{strings.ToUpper(k), v})
	}
	return parts
}

func (p ruleParts) get(key string) (string, bool) {
	for _, kv := range p {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

func (p ruleParts) set(key, value string) ruleParts {
	for i, kv := range p {
		if kv[0] == key {
			p[i][1] = value
			return p
		}
	}
	return append(p, [2]string{key, value})
}

func (p ruleParts) del(key string) ruleParts {
	return slices.DeleteFunc(p, func(kv [2]string) bool { return kv[0] == key })
}

func (p ruleParts) String() string {
	out := make([]string, len(p))
	for i, kv := range p {
		out[i] = kv[0] + "=" + kv[1]
	}
	return strings.Join(out, ";")
}
