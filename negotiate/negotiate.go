// Package negotiate decides when a source has declared enough tracks to
// start accepting frames.
//
// A producer may declare one video and one audio track. With both declared,
// or after an explicit MarkComplete, the source is ready at once. A source
// with a single track cannot tell "audio-only stream" from "second track still
// on its way", so it waits out a grace window measured from creation. The
// window is a deadline compared against the caller's clock on every check;
// there is no timer goroutine.
package negotiate

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/rawingest/media"
)

// DefaultGraceWindow is how long a single-track source waits for a
// complementary track before becoming ready on its own.
const DefaultGraceWindow = 3 * time.Second

// Sentinel errors returned by Declare.
var (
	ErrDuplicateKind = errors.New("negotiate: track of this class already declared")
	ErrFinalized     = errors.New("negotiate: tracks are finalized")
)

// Negotiator tracks declared tracks and the readiness gate for one source.
// It is not safe for concurrent use; the owning source serializes access.
type Negotiator struct {
	createdAt time.Time
	grace     time.Duration

	video    *media.Track
	audio    *media.Track
	complete bool
	ready    bool
	readyAt  time.Time
}

// New returns a Negotiator for a source created at createdAt. A non-positive
// grace uses DefaultGraceWindow.
func New(createdAt time.Time, grace time.Duration) *Negotiator {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Negotiator{createdAt: createdAt, grace: grace}
}

// Declare validates t and records it. A second track of the same class is
// rejected, as is any declaration once readiness has been granted.
func (n *Negotiator) Declare(t media.Track, now time.Time) error {
	if n.Ready(now) {
		return ErrFinalized
	}
	if err := t.Validate(); err != nil {
		return err
	}

	slot := &n.video
	if t.Kind.Class() == media.ClassAudio {
		slot = &n.audio
	}
	if *slot != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, t.Kind.Class())
	}

	t.AcceptedAt = now
	*slot = &t
	return nil
}

// MarkComplete records that no further tracks are coming. With at least one
// track declared the source becomes ready immediately; with none, the first
// later declaration makes it ready.
func (n *Negotiator) MarkComplete(now time.Time) {
	n.complete = true
	n.Ready(now)
}

// Complete reports whether MarkComplete has been called.
func (n *Negotiator) Complete() bool { return n.complete }

// Ready reports whether the readiness gate is satisfied at now. Once granted,
// readiness is latched.
func (n *Negotiator) Ready(now time.Time) bool {
	if n.ready {
		return true
	}

	count := n.Count()
	switch {
	case count == 0:
		return false
	case n.complete, count == 2:
	case !now.Before(n.Deadline()):
	default:
		return false
	}

	n.ready = true
	n.readyAt = now
	return true
}

// Finalized reports whether readiness has already been granted, without
// re-evaluating the gate.
func (n *Negotiator) Finalized() bool { return n.ready }

// ReadyAt returns when readiness was granted, or the zero time.
func (n *Negotiator) ReadyAt() time.Time { return n.readyAt }

// Deadline is the instant a single-track source becomes ready without help.
func (n *Negotiator) Deadline() time.Time {
	return n.createdAt.Add(n.grace)
}

// Count returns the number of declared tracks.
func (n *Negotiator) Count() int {
	count := 0
	if n.video != nil {
		count++
	}
	if n.audio != nil {
		count++
	}
	return count
}

// Video returns the declared video track, if any.
func (n *Negotiator) Video() (media.Track, bool) {
	if n.video == nil {
		return media.Track{}, false
	}
	return *n.video, true
}

// Audio returns the declared audio track, if any.
func (n *Negotiator) Audio() (media.Track, bool) {
	if n.audio == nil {
		return media.Track{}, false
	}
	return *n.audio, true
}

// Tracks returns the declared tracks, video first.
func (n *Negotiator) Tracks() []media.Track {
	var out []media.Track
	if n.video != nil {
		out = append(out, *n.video)
	}
	if n.audio != nil {
		out = append(out, *n.audio)
	}
	return out
}
