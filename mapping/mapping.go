// Package mapping persists the link between local recurrence series and
// remote calendar objects, and the per-calendar sync cursor.
package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/samber/mo"
)

var (
	// ErrHrefConflict is returned when an upsert would give a remote
	// address to a second series.
	ErrHrefConflict = errors.New("remote address already mapped to another series")
	ErrInvalid      = errors.New("invalid mapping")
)

// Mapping links one series to one remote object.
type Mapping struct {
	CalendarID string
	SeriesID   string
	Href       string
	// ETag is the last version tag applied on either side.
	ETag     string
	LastSync time.Time
	// Fingerprint is the content hash of the local series as of LastSync.
	Fingerprint string
}

// Validate checks that the mapping has every key field set.
func (m Mapping) Validate() error {
	switch {
	case m.CalendarID == "":
		return errors.Join(ErrInvalid, errors.New("calendar id is empty"))
	case m.SeriesID == "":
		return errors.Join(ErrInvalid, errors.New("series id is empty"))
	case m.Href == "":
		return errors.Join(ErrInvalid, errors.New("href is empty"))
	}
	return nil
}

// Cursor marks the last completed sync of one calendar.
type Cursor struct {
	CalendarID string
	// LocalSince bounds the local delta.
	LocalSince time.Time
	// SyncToken is the server's sync-collection token, if supported.
	SyncToken string
	// CTag is the collection tag seen at the end of the last pass.
	CTag      string
	UpdatedAt time.Time
}

// Store is implemented by mapping backends. Implementations must enforce
// that no two mappings of a calendar share an Href.
type Store interface {
	Get(ctx context.Context, calendarID, seriesID string) (mo.Option[Mapping], error)
	LookupByHref(ctx context.Context, calendarID, href string) (mo.Option[Mapping], error)
	List(ctx context.Context, calendarID string) ([]Mapping, error)
	// Upsert inserts or replaces the mapping for m.SeriesID atomically.
	Upsert(ctx context.Context, m Mapping) error
	// Delete removes the mapping. Deleting a missing mapping is not an error.
	Delete(ctx context.Context, calendarID, seriesID string) error

	// Cursor returns the stored cursor, or a zero cursor for a new calendar.
	Cursor(ctx context.Context, calendarID string) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
}
