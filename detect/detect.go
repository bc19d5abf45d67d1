// Package detect computes what changed on each side of a calendar pair since
// the last completed sync.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/cyp0633/caldora-sync/codec"
	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/event"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/localstore"
	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/samber/mo"
)

// Kind classifies a change.
type Kind int

const (
	Created Kind = iota + 1
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// LocalChange is a series changed in the local store.
type LocalChange struct {
	SeriesID string
	Kind     Kind
	// Series is the full stored series, tombstones included.
	Series  *event.Series
	Mapping mo.Option[mapping.Mapping]
}

// LocalDelta is the set of local changes of one calendar.
type LocalDelta struct {
	Changes map[string]LocalChange
	// Purge lists deleted series that never reached the server.
	Purge []string
}

// RemoteChange is a remote object that changed since the cursor.
type RemoteChange struct {
	SeriesID string
	Kind     Kind
	Href     string
	ETag     string
	// Series is the decoded object; nil for deletions.
	Series  *event.Series
	Mapping mo.Option[mapping.Mapping]
}

// Malformed is a remote object that could not be decoded.
type Malformed struct {
	Href string
	ETag string
	Err  error
}

// RemoteDelta is the set of remote changes of one calendar.
type RemoteDelta struct {
	Changes   map[string]RemoteChange
	Malformed []Malformed
	// SyncToken and CTag are the values to store in the cursor once the
	// pass completes.
	SyncToken string
	CTag      string
	// Unchanged is true when the collection tag short-circuited the listing.
	Unchanged bool
}

// Detector computes deltas for a calendar.
type Detector struct {
	local    localstore.Store
	mappings mapping.Store
	codec    *codec.Codec
	logger   *slog.Logger
}

// New returns a Detector. A nil logger discards output.
func New(local localstore.Store, mappings mapping.Store, c *codec.Codec, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c == nil {
		c = codec.New(codec.DescriptionText)
	}
	return &Detector{local: local, mappings: mappings, codec: c, logger: logger}
}

// LocalDelta groups the events changed after since by series and
// classifies each series. Series whose content matches what was last synced
// are left out, which hides the writes sync itself made.
func (d *Detector) LocalDelta(ctx context.Context, calendarID string, since time.Time) (*LocalDelta, error) {
	events, err := d.local.ChangedSince(ctx, calendarID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list local changes: %w", err)
	}

	var ids []string
	for _, e := range events {
		if !slices.Contains(ids, e.SeriesID) {
			ids = append(ids, e.SeriesID)
		}
	}
	slices.Sort(ids)

	delta := &LocalDelta{Changes: make(map[string]LocalChange)}
	for _, id := range ids {
		series, err := d.local.LoadSeries(ctx, calendarID, id)
		if errors.Is(err, localstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load series %s: %w", id, err)
		}
		m, err := d.mappings.Get(ctx, calendarID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up mapping of %s: %w", id, err)
		}

		change := LocalChange{SeriesID: id, Series: series, Mapping: m}
		mapped, ok := m.Get()
		switch {
		case series.Deleted() && !ok:
			d.logger.Debug("deleted series was never pushed", "series", id)
			delta.Purge = append(delta.Purge, id)
			continue
		case series.Deleted():
			change.Kind = Deleted
		case !ok:
			change.Kind = Created
		default:
			fp, err := d.codec.Fingerprint(series)
			if err != nil {
				return nil, fmt.Errorf("failed to fingerprint series %s: %w", id, err)
			}
			if fp == mapped.Fingerprint {
				continue
			}
			change.Kind = Updated
		}
		delta.Changes[id] = change
	}

	d.logger.Debug("computed local delta",
		"calendar", calendarID,
		"since", since,
		"changes", len(delta.Changes),
		"purge", len(delta.Purge))
	return delta, nil
}

// RemoteDelta lists what changed on the server since cursor. The collection
// tag short-circuits an unchanged calendar; otherwise sync-collection is
// used, falling back to a full listing when the token is rejected or the
// server cannot do it.
func (d *Detector) RemoteDelta(ctx context.Context, client davclient.DAVClient, calendarID string, cursor mapping.Cursor) (*RemoteDelta, error) {
	ctag, err := client.GetCalendarCTag(ctx)
	if err != nil {
		return nil, err
	}
	delta := &RemoteDelta{Changes: make(map[string]RemoteChange), CTag: ctag, SyncToken: cursor.SyncToken}
	if ctag != "" && ctag == cursor.CTag {
		d.logger.Debug("collection unchanged", "calendar", calendarID, "ctag", ctag)
		delta.Unchanged = true
		return delta, nil
	}

	mappings, err := d.mappings.List(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	var (
		changed []davclient.ObjectInfo
		removed []string
	)
	cs, err := client.ListChanges(ctx, cursor.SyncToken)
	switch {
	case err == nil:
		delta.SyncToken = cs.SyncToken
		// An initial sync lists every member, so every mapped href it leaves
		// out is suspect. An incremental one must at least mention what the
		// last pass wrote after its token was issued.
		suspects := mappings
		if cursor.SyncToken != "" {
			suspects = writtenSince(mappings, cursor.LocalSince)
		}
		changed, removed, err = d.orphans(ctx, client, cs.Changed, cs.Removed, suspects)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, davclient.ErrSyncTokenInvalid), errors.Is(err, davclient.ErrSyncUnsupported):
		d.logger.Debug("falling back to full listing", "calendar", calendarID, "reason", err)
		delta.SyncToken = ""
		var objects []davclient.ObjectInfo
		if errors.Is(err, davclient.ErrSyncTokenInvalid) {
			// An initial sync lists every member and hands out a fresh token.
			if fresh, ferr := client.ListChanges(ctx, ""); ferr == nil {
				objects, delta.SyncToken = fresh.Changed, fresh.SyncToken
			}
		}
		if delta.SyncToken == "" {
			if objects, err = client.ListObjects(ctx); err != nil {
				return nil, err
			}
		}
		changed, removed, err = d.orphans(ctx, client, objects, nil, mappings)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	for _, info := range changed {
		m, err := d.mappings.LookupByHref(ctx, calendarID, info.Href)
		if err != nil {
			return nil, fmt.Errorf("failed to look up mapping of %s: %w", info.Href, err)
		}
		if known, ok := m.Get(); ok && info.ETag != "" && info.ETag == known.ETag {
			continue
		}
		if err := d.fetchChange(ctx, client, calendarID, delta, info, m); err != nil {
			return nil, err
		}
	}
	for _, href := range removed {
		found, err := d.mappings.LookupByHref(ctx, calendarID, href)
		if err != nil {
			return nil, fmt.Errorf("failed to look up mapping of %s: %w", href, err)
		}
		m, ok := found.Get()
		if !ok {
			continue
		}
		if _, seen := delta.Changes[m.SeriesID]; seen {
			continue
		}
		delta.Changes[m.SeriesID] = RemoteChange{
			SeriesID: m.SeriesID,
			Kind:     Deleted,
			Href:     href,
			Mapping:  found,
		}
	}

	d.logger.Debug("computed remote delta",
		"calendar", calendarID,
		"changes", len(delta.Changes),
		"malformed", len(delta.Malformed),
		"sync_token", delta.SyncToken)
	return delta, nil
}

// writtenSince returns the mappings recorded at or after since.
func writtenSince(mappings []mapping.Mapping, since time.Time) []mapping.Mapping {
	var out []mapping.Mapping
	for _, m := range mappings {
		if !m.LastSync.Before(since) {
			out = append(out, m)
		}
	}
	return out
}

// orphans checks the suspect mappings whose hrefs the listing does not
// mention. Each one is confirmed with a GET: a 404 adds it to removed, an
// object found anyway is added to objects.
func (d *Detector) orphans(ctx context.Context, client davclient.DAVClient, objects []davclient.ObjectInfo, removed []string, suspects []mapping.Mapping) ([]davclient.ObjectInfo, []string, error) {
	listed := make(map[string]bool, len(objects)+len(removed))
	for _, o := range objects {
		listed[o.Href] = true
	}
	for _, href := range removed {
		listed[href] = true
	}

	hrefs := make([]string, 0, len(suspects))
	for _, m := range suspects {
		if !listed[m.Href] {
			hrefs = append(hrefs, m.Href)
		}
	}
	slices.Sort(hrefs)
	for _, href := range hrefs {
		obj, err := client.FetchObject(ctx, href)
		switch {
		case errors.Is(err, httpclient.ErrNotFound):
			d.logger.Debug("mapped object is gone", "href", href)
			removed = append(removed, href)
		case err != nil:
			return nil, nil, err
		default:
			d.logger.Debug("orphan check found object missing from listing", "href", href)
			objects = append(objects, davclient.ObjectInfo{Href: obj.Href, ETag: obj.ETag})
		}
	}
	return objects, removed, nil
}

// fetchChange downloads and decodes one changed object into delta.
// mapped is the mapping stored at info.Href, if any.
func (d *Detector) fetchChange(ctx context.Context, client davclient.DAVClient, calendarID string, delta *RemoteDelta, info davclient.ObjectInfo, mapped mo.Option[mapping.Mapping]) error {
	obj, err := client.FetchObject(ctx, info.Href)
	if errors.Is(err, httpclient.ErrNotFound) {
		// Gone between listing and fetch.
		if m, ok := mapped.Get(); ok {
			delta.Changes[m.SeriesID] = RemoteChange{SeriesID: m.SeriesID, Kind: Deleted, Href: info.Href, Mapping: mapped}
		}
		return nil
	}
	if err != nil {
		return err
	}

	series, err := d.codec.Decode(obj.Data)
	if err != nil {
		d.logger.Warn("skipping malformed object", "href", obj.Href, "error", err)
		delta.Malformed = append(delta.Malformed, Malformed{Href: obj.Href, ETag: obj.ETag, Err: err})
		return nil
	}
	if prev, dup := delta.Changes[series.ID]; dup && prev.Href != obj.Href {
		err := fmt.Errorf("%w: series %s is also stored at %s", codec.ErrMalformed, series.ID, prev.Href)
		d.logger.Warn("skipping duplicate series", "href", obj.Href, "error", err)
		delta.Malformed = append(delta.Malformed, Malformed{Href: obj.Href, ETag: obj.ETag, Err: err})
		return nil
	}

	change := RemoteChange{SeriesID: series.ID, Kind: Created, Href: obj.Href, ETag: obj.ETag, Series: series}
	if m, ok := mapped.Get(); ok && m.SeriesID == series.ID {
		change.Kind = Updated
		change.Mapping = mapped
	} else {
		// The series may have been moved to a new href by another client.
		m, err := d.mappings.Get(ctx, calendarID, series.ID)
		if err != nil {
			return fmt.Errorf("failed to look up mapping of %s: %w", series.ID, err)
		}
		if m.IsPresent() {
			change.Kind = Updated
			change.Mapping = m
		}
	}
	delta.Changes[series.ID] = change
	return nil
}
