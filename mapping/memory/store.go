// memory based implementation for testing purposes
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/samber/mo"
)

// Store implements mapping.Store using in-memory maps
type Store struct {
	mu      sync.RWMutex
	rows    map[rowKey]mapping.Mapping // id: seriesID
	hrefs   map[rowKey]string          // id: href, value: seriesID
	cursors map[string]mapping.Cursor
}

type rowKey struct {
	calendarID string
	id         string
}

// New creates a new in-memory mapping store
func New() *Store {
	return &Store{
		rows:    make(map[rowKey]mapping.Mapping),
		hrefs:   make(map[rowKey]string),
		cursors: make(map[string]mapping.Cursor),
	}
}

func key(calendarID, id string) rowKey {
	return rowKey{calendarID: calendarID, id: id}
}

func (s *Store) Get(_ context.Context, calendarID, seriesID string) (mo.Option[mapping.Mapping], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.rows[key(calendarID, seriesID)]
	if !ok {
		return mo.None[mapping.Mapping](), nil
	}
	return mo.Some(m), nil
}

func (s *Store) LookupByHref(_ context.Context, calendarID, href string) (mo.Option[mapping.Mapping], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seriesID, ok := s.hrefs[key(calendarID, href)]
	if !ok {
		return mo.None[mapping.Mapping](), nil
	}
	return mo.Some(s.rows[key(calendarID, seriesID)]), nil
}

func (s *Store) List(_ context.Context, calendarID string) ([]mapping.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mapping.Mapping
	for _, m := range s.rows {
		if m.CalendarID == calendarID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b mapping.Mapping) int { return strings.Compare(a.SeriesID, b.SeriesID) })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, m mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hk := key(m.CalendarID, m.Href)
	if owner, ok := s.hrefs[hk]; ok && owner != m.SeriesID {
		return fmt.Errorf("%w: %s is held by %s", mapping.ErrHrefConflict, m.Href, owner)
	}
	rk := key(m.CalendarID, m.SeriesID)
	if old, ok := s.rows[rk]; ok && old.Href != m.Href {
		delete(s.hrefs, key(m.CalendarID, old.Href))
	}
	s.rows[rk] = m
	s.hrefs[hk] = m.SeriesID
	return nil
}

func (s *Store) Delete(_ context.Context, calendarID, seriesID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := key(calendarID, seriesID)
	if old, ok := s.rows[rk]; ok {
		delete(s.hrefs, key(calendarID, old.Href))
		delete(s.rows, rk)
	}
	return nil
}

func (s *Store) Cursor(_ context.Context, calendarID string) (mapping.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[calendarID]
	if !ok {
		return mapping.Cursor{CalendarID: calendarID}, nil
	}
	return c, nil
}

func (s *Store) SaveCursor(_ context.Context, c mapping.Cursor) error {
	if c.CalendarID == "" {
		return fmt.Errorf("%w: cursor without calendar id", mapping.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.CalendarID] = c
	return nil
}
