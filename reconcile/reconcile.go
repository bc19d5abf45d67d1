// Package reconcile runs sync passes between a local event store and a
// CalDAV calendar.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cyp0633/caldora-sync/codec"
	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/detect"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/localstore"
	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/cyp0633/caldora-sync/notify"
	"golang.org/x/sync/semaphore"
)

// ErrPassInProgress is returned when a pass for the same pair is running.
var ErrPassInProgress = errors.New("sync pass already running for this calendar")

// maxReentries bounds how often a series is merged again after a write
// lost an ETag race.
const maxReentries = 3

// Pair is a local calendar and the remote calendar it syncs with.
type Pair struct {
	CalendarID  string
	CalendarURL string
	Username    string
	Password    string
}

// Key identifies the remote side of the pair.
func (p Pair) Key() string {
	return p.CalendarURL + "\x00" + p.Username
}

// ClientFactory builds the remote client for a pair.
type ClientFactory func(p Pair) (davclient.DAVClient, error)

// Options configures a Reconciler.
type Options struct {
	// PassTimeout bounds a whole pass; zero means no limit.
	PassTimeout time.Duration
	// IgnorePastRemote skips pulling new remote events that have already
	// ended.
	IgnorePastRemote bool
	Clock            func() time.Time
	Logger           *slog.Logger
	Codec            *codec.Codec
	// Client is the template for remote clients; the pair fills in the
	// URL and credentials.
	Client davclient.Options
	// NewClient overrides how remote clients are built.
	NewClient ClientFactory
}

// Reconciler runs passes. It is safe for concurrent use; passes of the same
// pair never overlap.
type Reconciler struct {
	local      localstore.Store
	mappings   mapping.Store
	suppressor *notify.Suppressor
	detector   *detect.Detector
	codec      *codec.Codec
	opts       Options
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// New returns a Reconciler. A nil suppressor gets a private one.
func New(local localstore.Store, mappings mapping.Store, suppressor *notify.Suppressor, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(codec.DescriptionText)
	}
	if suppressor == nil {
		suppressor = notify.NewSuppressor()
	}
	r := &Reconciler{
		local:      local,
		mappings:   mappings,
		suppressor: suppressor,
		detector:   detect.New(local, mappings, opts.Codec, opts.Logger),
		codec:      opts.Codec,
		opts:       opts,
		logger:     opts.Logger,
		locks:      make(map[string]*semaphore.Weighted),
	}
	if r.opts.NewClient == nil {
		r.opts.NewClient = r.defaultClient
	}
	return r
}

// Suppressor returns the registry hosts query to mute notifications.
func (r *Reconciler) Suppressor() *notify.Suppressor {
	return r.suppressor
}

func (r *Reconciler) defaultClient(p Pair) (davclient.DAVClient, error) {
	o := r.opts.Client
	o.CalendarURL = p.CalendarURL
	o.Username = p.Username
	o.Password = p.Password
	if o.Logger == nil {
		o.Logger = r.logger
	}
	return davclient.NewDAVClient(o)
}

func (r *Reconciler) lock(key string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.locks[key] = sem
	}
	return sem
}

func (r *Reconciler) now() time.Time {
	return r.opts.Clock().UTC()
}

// fatal reports whether err must abort the whole pass.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, httpclient.ErrUnauthorized) ||
		errors.Is(err, httpclient.ErrTransient) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RunPass synchronizes one pair. A trigger arriving while a pass of the same
// pair runs is dropped with StatusSkipped and ErrPassInProgress. Per-series
// failures are reported in the result; a pass-level failure is returned as
// the error with StatusFatal.
func (r *Reconciler) RunPass(ctx context.Context, pair Pair) (*PassResult, error) {
	res := &PassResult{CalendarID: pair.CalendarID, Started: r.now()}
	sem := r.lock(pair.Key())
	if !sem.TryAcquire(1) {
		r.logger.Debug("pass already running", "calendar", pair.CalendarID)
		res.Status = StatusSkipped
		res.Finished = res.Started
		return res, ErrPassInProgress
	}
	defer sem.Release(1)

	if r.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.PassTimeout)
		defer cancel()
	}

	err := r.run(ctx, pair, res)
	res.Finished = r.now()
	switch {
	case err != nil:
		res.Status = StatusFatal
		r.logger.Error("sync pass failed",
			"calendar", pair.CalendarID,
			"error", err,
			"writes", res.Writes)
		return res, err
	case len(res.Failed) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusSuccess
	}
	r.logger.Info("sync pass complete",
		"calendar", pair.CalendarID,
		"status", res.Status,
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"deleted", res.Deleted,
		"conflicts", len(res.Conflicts),
		"failed", len(res.Failed),
		"writes", res.Writes)
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, pair Pair, res *PassResult) error {
	client, err := r.opts.NewClient(pair)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}
	passStart := res.Started

	cursor, err := r.mappings.Cursor(ctx, pair.CalendarID)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	localDelta, err := r.detector.LocalDelta(ctx, pair.CalendarID, cursor.LocalSince)
	if err != nil {
		return err
	}
	remoteDelta, err := r.detector.RemoteDelta(ctx, client, pair.CalendarID, cursor)
	if err != nil {
		return fmt.Errorf("failed to list remote changes: %w", err)
	}

	p := &pass{
		Reconciler: r,
		calendarID: pair.CalendarID,
		client:     client,
		res:        res,
		logger:     r.logger.With("calendar", pair.CalendarID),
	}

	for _, id := range localDelta.Purge {
		if err := p.purge(ctx, id); err != nil {
			if fatal(ctx, err) {
				return err
			}
			res.fail(id, "", err)
		}
	}
	for _, m := range remoteDelta.Malformed {
		res.fail("", m.Href, m.Err)
	}

	ids := make([]string, 0, len(localDelta.Changes)+len(remoteDelta.Changes))
	for id := range localDelta.Changes {
		ids = append(ids, id)
	}
	for id := range remoteDelta.Changes {
		if _, ok := localDelta.Changes[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		var (
			l  *detect.LocalChange
			rc *detect.RemoteChange
		)
		if c, ok := localDelta.Changes[id]; ok {
			l = &c
		}
		if c, ok := remoteDelta.Changes[id]; ok {
			rc = &c
		}
		if err := p.mergeSeries(ctx, id, l, rc); err != nil {
			if fatal(ctx, err) {
				return err
			}
			href := ""
			if rc != nil {
				href = rc.Href
			}
			p.logger.Warn("series failed", "series", id, "error", err)
			res.fail(id, href, err)
		}
	}

	if !res.onlyMalformed() {
		r.logger.Debug("keeping cursor after failures", "calendar", pair.CalendarID, "failed", len(res.Failed))
		return nil
	}
	err = r.mappings.SaveCursor(ctx, mapping.Cursor{
		CalendarID: pair.CalendarID,
		LocalSince: passStart,
		SyncToken:  remoteDelta.SyncToken,
		CTag:       remoteDelta.CTag,
		UpdatedAt:  r.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
