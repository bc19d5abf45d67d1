package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyp0633/caldora-sync/codec"
)

// Status summarizes how a pass ended.
type Status int

const (
	StatusSuccess Status = iota
	// StatusPartial means some series failed and were skipped.
	StatusPartial
	// StatusFatal means the pass was aborted.
	StatusFatal
	// StatusSkipped means another pass of the same pair was running.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusFatal:
		return "fatal"
	case StatusSkipped:
		return "skipped"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Side names one end of the pair.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}
	return "local"
}

// Conflict records a series changed on both sides.
type Conflict struct {
	SeriesID       string
	Winner         Side
	LocalModified  time.Time
	RemoteModified time.Time
}

// resolveConflict picks the side modified last. A tie goes to the local side.
func resolveConflict(local, remote time.Time) Side {
	if remote.After(local) {
		return SideRemote
	}
	return SideLocal
}

// SeriesError is a failure confined to one series. SeriesID is empty for
// remote objects that could not be decoded.
type SeriesError struct {
	SeriesID string
	Href     string
	Err      error
}

func (e *SeriesError) Error() string {
	switch {
	case e.SeriesID == "":
		return fmt.Sprintf("object %s: %v", e.Href, e.Err)
	case e.Href == "":
		return fmt.Sprintf("series %s: %v", e.SeriesID, e.Err)
	}
	return fmt.Sprintf("series %s (%s): %v", e.SeriesID, e.Href, e.Err)
}

func (e *SeriesError) Unwrap() error {
	return e.Err
}

// PassResult is the summary of one pass.
type PassResult struct {
	CalendarID string
	Status     Status
	Started    time.Time
	Finished   time.Time

	Pushed  int
	Pulled  int
	Deleted int

	Conflicts []Conflict
	Failed    []SeriesError
	// Writes counts remote and local writes. A pass with nothing to do
	// makes none.
	Writes int
}

// onlyMalformed reports whether every failure is an undecodable payload,
// in which case the cursor may still advance.
func (r *PassResult) onlyMalformed() bool {
	for _, f := range r.Failed {
		if !errors.Is(f.Err, codec.ErrMalformed) {
			return false
		}
	}
	return true
}

func (r *PassResult) fail(seriesID, href string, err error) {
	r.Failed = append(r.Failed, SeriesError{SeriesID: seriesID, Href: href, Err: err})
}
