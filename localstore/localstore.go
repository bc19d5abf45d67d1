// Package localstore defines what the sync engine needs from the host's
// event store. Any store that satisfies Store can be synchronized.
package localstore

import (
	"context"
	"errors"
	"time"

	"github.com/cyp0633/caldora-sync/event"
	"github.com/samber/mo"
)

var ErrNotFound = errors.New("series not found")

// Store is the host event store capability set.
//
// Writes issued by the sync engine carry a context for which
// notify.FromContext reports true; hosts must not send user notifications
// for them.
type Store interface {
	// ChangedSince returns events of the calendar modified after since,
	// including soft-deleted ones.
	ChangedSince(ctx context.Context, calendarID string, since time.Time) ([]event.Event, error)
	// LoadSeries returns every member of the series, including soft-deleted
	// ones, or ErrNotFound.
	LoadSeries(ctx context.Context, calendarID, seriesID string) (*event.Series, error)
	// UpsertSeries creates or replaces the given members of a series.
	// Members of the stored series that are absent from s are left alone.
	UpsertSeries(ctx context.Context, calendarID string, s *event.Series) error
	// MarkDeleted soft-deletes the whole series, or only the exception for
	// the given occurrence.
	MarkDeleted(ctx context.Context, calendarID, seriesID string, recurrenceID mo.Option[time.Time]) error
	// PurgeDeleted physically removes soft-deleted members once the deletion
	// has reached the server.
	PurgeDeleted(ctx context.Context, calendarID, seriesID string) error
}
