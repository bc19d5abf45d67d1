package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/detect"
	"github.com/cyp0633/caldora-sync/event"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/localstore"
	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/samber/mo"
)

// pass holds the state of one running pass.
type pass struct {
	*Reconciler
	calendarID string
	client     davclient.DAVClient
	res        *PassResult
	logger     *slog.Logger
}

// mergeSeries applies the merge policy to one series. When a remote write
// loses an ETag race the object is fetched again and the policy re-entered
// with the fresh remote state.
func (p *pass) mergeSeries(ctx context.Context, id string, l *detect.LocalChange, rc *detect.RemoteChange) error {
	conflicts := len(p.res.Conflicts)
	for attempt := 0; ; attempt++ {
		err := p.merge(ctx, id, l, rc)
		if !errors.Is(err, httpclient.ErrPreconditionFailed) || attempt >= maxReentries {
			return err
		}
		p.logger.Info("remote object changed during write, merging again",
			"series", id,
			"attempt", attempt+1)
		// Only the conflict of the final attempt is reported.
		p.res.Conflicts = p.res.Conflicts[:conflicts]
		if rc, err = p.refetch(ctx, id, l, rc); err != nil {
			return err
		}
	}
}

// refetch reads the current remote state of a series. A missing object is
// reported as a remote deletion.
func (p *pass) refetch(ctx context.Context, id string, l *detect.LocalChange, rc *detect.RemoteChange) (*detect.RemoteChange, error) {
	m, err := p.mappings.Get(ctx, p.calendarID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mapping: %w", err)
	}
	var href string
	switch {
	case rc != nil:
		href = rc.Href
	case m.IsPresent():
		href = m.MustGet().Href
	case l != nil && l.Mapping.IsPresent():
		href = l.Mapping.MustGet().Href
	default:
		return nil, fmt.Errorf("no remote address known for series %s", id)
	}

	fresh := &detect.RemoteChange{SeriesID: id, Href: href, Mapping: m}
	obj, err := p.client.FetchObject(ctx, href)
	if errors.Is(err, httpclient.ErrNotFound) {
		fresh.Kind = detect.Deleted
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	series, err := p.codec.Decode(obj.Data)
	if err != nil {
		return nil, err
	}
	if series.ID != id {
		return nil, fmt.Errorf("object %s now holds series %s", href, series.ID)
	}
	fresh.Kind = detect.Updated
	fresh.ETag = obj.ETag
	fresh.Series = series
	return fresh, nil
}

func (p *pass) merge(ctx context.Context, id string, l *detect.LocalChange, rc *detect.RemoteChange) error {
	switch {
	case rc == nil:
		return p.push(ctx, l)
	case l == nil:
		return p.pull(ctx, rc)
	}

	// Changed on both sides. A deletion on either side wins over an edit.
	switch {
	case l.Kind == detect.Deleted && rc.Kind == detect.Deleted:
		if err := p.mappings.Delete(ctx, p.calendarID, id); err != nil {
			return fmt.Errorf("failed to delete mapping: %w", err)
		}
		if err := p.purge(ctx, id); err != nil {
			return err
		}
		p.res.Deleted++
		p.logger.Info("series deleted on both sides", "series", id)
		return nil
	case rc.Kind == detect.Deleted:
		return p.pullDelete(ctx, rc)
	case l.Kind == detect.Deleted:
		return p.pushDelete(ctx, id, rc.Href, "")
	}

	c := Conflict{
		SeriesID:       id,
		LocalModified:  l.Series.LastModified(),
		RemoteModified: rc.Series.LastModified(),
	}
	c.Winner = resolveConflict(c.LocalModified, c.RemoteModified)
	p.res.Conflicts = append(p.res.Conflicts, c)
	p.logger.Warn("series changed on both sides",
		"series", id,
		"winner", c.Winner,
		"local_modified", c.LocalModified,
		"remote_modified", c.RemoteModified)

	if c.Winner == SideLocal {
		return p.write(ctx, l.Series, rc.Href, rc.ETag)
	}
	return p.pull(ctx, rc)
}

// push sends a local-only change to the server.
func (p *pass) push(ctx context.Context, l *detect.LocalChange) error {
	m, mapped := l.Mapping.Get()
	if l.Kind == detect.Deleted {
		return p.pushDelete(ctx, l.SeriesID, m.Href, m.ETag)
	}
	if !mapped {
		return p.write(ctx, l.Series, "", "")
	}
	return p.write(ctx, l.Series, m.Href, m.ETag)
}

// write creates the object when href is empty and updates it otherwise,
// then purges the tombstones that reached the server and records the new
// mapping.
func (p *pass) write(ctx context.Context, series *event.Series, href, etag string) error {
	data, err := p.codec.Encode(series)
	if err != nil {
		return err
	}

	var newETag string
	if href == "" {
		href, newETag, err = p.client.CreateObject(ctx, data)
	} else {
		newETag, err = p.client.UpdateObject(ctx, href, etag, data)
	}
	if err != nil {
		return err
	}
	p.res.Writes++

	if series.HasTombstones() {
		if err := p.purge(ctx, series.ID); err != nil {
			return err
		}
	}
	if err := p.link(ctx, series, href, newETag); err != nil {
		return err
	}
	p.res.Pushed++
	p.logger.Info("pushed series", "series", series.ID, "href", href, "etag", newETag)
	return nil
}

// pushDelete removes the remote object, the mapping and the local tombstones,
// in that order. An empty etag deletes unconditionally.
func (p *pass) pushDelete(ctx context.Context, id, href, etag string) error {
	if href != "" {
		if err := p.client.DeleteObject(ctx, href, etag); err != nil {
			return err
		}
		p.res.Writes++
	}
	if err := p.mappings.Delete(ctx, p.calendarID, id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if err := p.purge(ctx, id); err != nil {
		return err
	}
	p.res.Deleted++
	p.logger.Info("deleted remote series", "series", id, "href", href)
	return nil
}

// pull applies a remote change to the local store.
func (p *pass) pull(ctx context.Context, rc *detect.RemoteChange) error {
	if rc.Kind == detect.Deleted {
		return p.pullDelete(ctx, rc)
	}
	id := rc.SeriesID
	existing, err := p.local.LoadSeries(ctx, p.calendarID, id)
	if errors.Is(err, localstore.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("failed to load local series: %w", err)
	}
	if p.opts.IgnorePastRemote && existing == nil && rc.Mapping.IsAbsent() && rc.Series.Ended(p.now()) {
		p.logger.Debug("ignoring remote event in the past", "series", id, "href", rc.Href)
		return nil
	}

	err = p.suppressor.Do(ctx, p.calendarID, id, func(ctx context.Context) error {
		if err := p.local.UpsertSeries(ctx, p.calendarID, rc.Series); err != nil {
			return err
		}
		p.res.Writes++
		if existing == nil {
			return nil
		}
		for _, e := range existing.Exceptions {
			rid := e.RecurrenceID.OrEmpty()
			if e.Deleted || rc.Series.Exception(rid) != nil {
				continue
			}
			if err := p.local.MarkDeleted(ctx, p.calendarID, id, mo.Some(rid)); err != nil {
				return err
			}
			p.res.Writes++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store remote series: %w", err)
	}

	stored, err := p.local.LoadSeries(ctx, p.calendarID, id)
	if err != nil {
		return fmt.Errorf("failed to reload series: %w", err)
	}
	if err := p.link(ctx, stored, rc.Href, rc.ETag); err != nil {
		return err
	}
	p.res.Pulled++
	p.logger.Info("pulled series", "series", id, "href", rc.Href, "etag", rc.ETag)
	return nil
}

// pullDelete applies a remote deletion. The local series is only marked
// deleted so its history is kept.
func (p *pass) pullDelete(ctx context.Context, rc *detect.RemoteChange) error {
	id := rc.SeriesID
	err := p.suppressor.Do(ctx, p.calendarID, id, func(ctx context.Context) error {
		err := p.local.MarkDeleted(ctx, p.calendarID, id, mo.None[time.Time]())
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		if err == nil {
			p.res.Writes++
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark series deleted: %w", err)
	}
	if err := p.mappings.Delete(ctx, p.calendarID, id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	p.res.Deleted++
	p.logger.Info("series deleted remotely", "series", id, "href", rc.Href)
	return nil
}

// purge physically removes local tombstones of a series.
func (p *pass) purge(ctx context.Context, id string) error {
	err := p.suppressor.Do(ctx, p.calendarID, id, func(ctx context.Context) error {
		return p.local.PurgeDeleted(ctx, p.calendarID, id)
	})
	if err != nil {
		return fmt.Errorf("failed to purge deleted events: %w", err)
	}
	p.res.Writes++
	return nil
}

// link records that series is stored at href with etag.
func (p *pass) link(ctx context.Context, series *event.Series, href, etag string) error {
	fp, err := p.codec.Fingerprint(series)
	if err != nil {
		return err
	}
	err = p.mappings.Upsert(ctx, mapping.Mapping{
		CalendarID:  p.calendarID,
		SeriesID:    series.ID,
		Href:        href,
		ETag:        etag,
		LastSync:    p.now(),
		Fingerprint: fp,
	})
	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}
