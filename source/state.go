package source

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by Source methods. Every rejection is local and
// synchronous; none of them changes the source's state.
var (
	ErrReleased            = errors.New("source: released")
	ErrNotReady            = errors.New("source: not ready")
	ErrClosing             = errors.New("source: closing")
	ErrUnknownTrack        = errors.New("source: track not declared")
	ErrEmptyPayload        = errors.New("source: empty payload")
	ErrTimestampRegression = errors.New("source: decode timestamp regressed")
	ErrHeaderMode          = errors.New("source: header does not match header mode")
	ErrAlreadyAttached     = errors.New("source: consumer already attached")
	ErrNoCloseHandler      = errors.New("source: no close handler registered")
)

// State is a position in the source lifecycle. States only move forward.
type State int32

// Lifecycle states.
const (
	StateCreated State = iota
	StateNegotiating
	StateReady
	StateClosing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason says why a source entered Closing.
type CloseReason int

// Close reasons. Admin and NoReaders come from the directory; Producer and
// Conflict originate with the source's owner.
const (
	ReasonNone CloseReason = iota
	ReasonProducer
	ReasonAdmin
	ReasonNoReaders
	ReasonConflict
)

func (r CloseReason) String() string {
	switch r {
	case ReasonProducer:
		return "producer"
	case ReasonAdmin:
		return "admin"
	case ReasonNoReaders:
		return "no-readers"
	case ReasonConflict:
		return "conflict"
	default:
		return "none"
	}
}

// external reports whether the close request comes from the directory side.
// Those are refused while nobody is registered to release the source.
func (r CloseReason) external() bool {
	return r == ReasonAdmin || r == ReasonNoReaders
}

// DefaultVhost is the virtual host used when a producer leaves it empty.
const DefaultVhost = "__defaultVhost__"

// Key is the identity of a source within a directory.
type Key struct {
	Vhost  string `json:"vhost"`
	App    string `json:"app"`
	Stream string `json:"stream"`
}

// NewKey builds a key, substituting DefaultVhost for an empty vhost.
func NewKey(vhost, app, stream string) Key {
	if vhost == "" {
		vhost = DefaultVhost
	}
	return Key{Vhost: vhost, App: app, Stream: stream}
}

// Validate rejects keys with empty or slash-bearing components.
func (k Key) Validate() error {
	for _, part := range []struct{ name, value string }{
		{"vhost", k.Vhost}, {"app", k.App}, {"stream", k.Stream},
	} {
		if part.value == "" {
			return fmt.Errorf("source: %s is required", part.name)
		}
		if strings.Contains(part.value, "/") {
			return fmt.Errorf("source: %s %q must not contain '/'", part.name, part.value)
		}
	}
	return nil
}

func (k Key) String() string {
	return k.Vhost + "/" + k.App + "/" + k.Stream
}
