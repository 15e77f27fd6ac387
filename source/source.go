// Package source implements the ingestion source: the stateful object a
// producer creates, declares tracks on, and pushes frames into, and that
// consumers attach to once it is ready.
//
// A source moves Created → Negotiating → Ready → Closing → Released. The
// producer owns destruction: a source never releases itself, not even when
// the directory asks it to close. Instead it delivers exactly one close
// notification, and the producer answers with Release once it has flushed
// whatever it needs to.
package source

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/rawingest/internal/metrics"
	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/negotiate"
)

// Directory is the discoverability collaborator. A source registers itself
// when it becomes ready and unregisters when it starts closing or is released.
type Directory interface {
	Register(s *Source) error
	Unregister(s *Source)
}

// CloseFunc is invoked once, synchronously, on the goroutine that moves the
// source into Closing. Calling Release from inside it is expected.
type CloseFunc func(reason CloseReason)

// Config is the producer-supplied identity and pass-through hints.
type Config struct {
	Vhost  string
	App    string
	Stream string

	// Duration is zero for live sources and the fixed length otherwise.
	Duration time.Duration

	// HLS and MP4 are hints for recording collaborators; the source only
	// carries them.
	HLS bool
	MP4 bool
}

// Option customizes a Source.
type Option func(*Source)

// WithDirectory registers the source with dir on readiness.
func WithDirectory(dir Directory) Option {
	return func(s *Source) { s.dir = dir }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithGraceWindow sets how long a single-track source waits for a second
// track. Non-positive values use negotiate.DefaultGraceWindow.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Source) { s.grace = d }
}

// WithLogger sets the base logger. If nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records lifecycle and intake metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// trackState is the per-class intake bookkeeping guarded by Source.mu.
type trackState struct {
	seen    bool
	lastDTS int64
}

// Source is one ingestion source. All methods are safe for concurrent use.
// State transitions, the consumer list, and the close handler are serialized
// by a single mutex; the state itself is mirrored in an atomic so State and
// ReaderCount never block.
type Source struct {
	key       Key
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	grace     time.Duration
	dir       Directory
	metrics   *metrics.Metrics
	createdAt time.Time

	state atomic.Int32

	// pushMu serializes intake so frames reach consumers in push order. It
	// is always taken before mu and never held while a close handler runs.
	pushMu sync.Mutex

	mu          sync.Mutex
	neg         *negotiate.Negotiator
	video       trackState
	audio       trackState
	sps         []byte
	pps         []byte
	vps         []byte
	onClose     CloseFunc
	closeReason CloseReason
	registered  bool
	closed      chan struct{}

	// consumers is replaced wholesale on attach and detach so dispatch can
	// iterate a stable snapshot without holding mu.
	consumers atomic.Pointer[[]*attachment]

	stats counters
}

// New creates a source in the Created state.
func New(cfg Config, opts ...Option) (*Source, error) {
	key := NewKey(cfg.Vhost, cfg.App, cfg.Stream)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("source: negative duration %v", cfg.Duration)
	}
	cfg.Vhost = key.Vhost

	s := &Source{
		key:    key,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "source", "key", key.String())
	s.createdAt = s.now()
	s.neg = negotiate.New(s.createdAt, s.grace)
	s.consumers.Store(&[]*attachment{})

	s.metrics.SourceCreated()
	s.log.Debug("source created", "duration", cfg.Duration, "hls", cfg.HLS, "mp4", cfg.MP4)
	return s, nil
}

// Key returns the source identity.
func (s *Source) Key() Key { return s.key }

// Config returns the configuration the source was created with.
func (s *Source) Config() Config { return s.cfg }

// Live reports whether the source has no fixed duration.
func (s *Source) Live() bool { return s.cfg.Duration == 0 }

// CreatedAt returns when the source was created.
func (s *Source) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state without evaluating readiness.
func (s *Source) State() State { return State(s.state.Load()) }

// Closed returns a channel that is closed once the source enters Closing or
// is released.
func (s *Source) Closed() <-chan struct{} { return s.closed }

// CloseReason returns why the source closed, or ReasonNone.
func (s *Source) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Tracks returns the declared tracks, video first.
func (s *Source) Tracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg.Tracks()
}

// setState moves the state token forward. Callers hold mu.
func (s *Source) setState(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// DeclareVideo adds an H.264 or H.265 track.
func (s *Source) DeclareVideo(codec media.Kind, width, height int, fps float64) error {
	if !codec.IsVideo() {
		return &media.TrackError{Field: "kind", Value: codec}
	}
	return s.declare(media.NewVideoTrack(codec, width, height, fps))
}

// DeclareAudio adds an AAC track. sampleBits must be 16; profile is the ADTS
// profile used when headers have to be synthesized.
func (s *Source) DeclareAudio(channels, sampleBits, sampleRate, profile int) error {
	return s.declare(media.NewAudioTrack(channels, sampleBits, sampleRate, profile))
}

func (s *Source) declare(t media.Track) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	now := s.now()
	if err := s.neg.Declare(t, now); err != nil {
		// ErrFinalized after the grace window means the gate is open.
		conflict := s.evaluateLocked(now)
		s.mu.Unlock()
		s.log.Warn("track rejected", "kind", t.Kind, "error", err)
		if conflict != nil {
			s.finishClose(conflict)
		}
		return err
	}
	s.setState(StateCreated, StateNegotiating)
	s.log.Info("track declared", "kind", t.Kind, "tracks", s.neg.Count())

	conflict := s.evaluateLocked(now)
	s.mu.Unlock()

	if conflict != nil {
		s.finishClose(conflict)
	}
	return nil
}

// MarkInitComplete tells the negotiator no further tracks are coming, so a
// single-track source does not wait out the grace window.
func (s *Source) MarkInitComplete() error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.now()
	s.neg.MarkComplete(now)
	conflict := s.evaluateLocked(now)
	s.mu.Unlock()

	if conflict != nil {
		s.finishClose(conflict)
	}
	return nil
}

// Poll re-evaluates the readiness gate against the clock and returns the
// resulting state. Pushes do this implicitly.
func (s *Source) Poll() State {
	s.mu.Lock()
	conflict := s.evaluateLocked(s.now())
	s.mu.Unlock()

	if conflict != nil {
		s.finishClose(conflict)
	}
	return s.State()
}

// usableLocked rejects track declarations once the source is closing.
func (s *Source) usableLocked() error {
	switch s.State() {
	case StateReleased:
		return ErrReleased
	case StateClosing:
		return ErrClosing
	}
	return nil
}

// evaluateLocked promotes a negotiating source to Ready when the gate opens
// and registers it with the directory. If the directory refuses, the source
// starts closing with ReasonConflict and the returned pending close must be
// finished after mu is released.
func (s *Source) evaluateLocked(now time.Time) *pendingClose {
	if s.State() != StateNegotiating || !s.neg.Ready(now) {
		return nil
	}
	s.setState(StateNegotiating, StateReady)

	waited := now.Sub(s.createdAt)
	s.metrics.SourceReady(waited.Seconds())
	s.log.Info("source ready", "tracks", s.neg.Count(), "complete", s.neg.Complete(), "waited", waited)

	if s.dir == nil {
		return nil
	}
	if err := s.dir.Register(s); err != nil {
		s.log.Error("directory registration failed", "error", err)
		return s.beginCloseLocked(ReasonConflict)
	}
	s.registered = true
	return nil
}

// SetOnClose registers the close handler, replacing any previous one. It
// must be called before teardown begins.
func (s *Source) SetOnClose(fn CloseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	s.onClose = fn
	return nil
}

// pendingClose carries the work of a close transition that has to run
// outside mu: directory removal and the handler call.
type pendingClose struct {
	reason     CloseReason
	handler    CloseFunc
	unregister bool
	wasReady   bool
}

// beginCloseLocked performs the single transition into Closing. It returns
// nil if the source was already closing or released.
func (s *Source) beginCloseLocked(reason CloseReason) *pendingClose {
	prev := s.State()
	if prev >= StateClosing || !s.setState(prev, StateClosing) {
		return nil
	}
	s.closeReason = reason
	close(s.closed)

	pc := &pendingClose{
		reason:     reason,
		handler:    s.onClose,
		unregister: s.registered,
		wasReady:   prev == StateReady,
	}
	s.registered = false
	return pc
}

func (s *Source) finishClose(pc *pendingClose) {
	if pc.unregister {
		s.dir.Unregister(s)
	}
	if pc.wasReady {
		s.metrics.SourceLeftReady()
	}
	s.metrics.Closed(pc.reason.String())
	s.log.Info("source closing", "reason", pc.reason, "handler", pc.handler != nil)

	if pc.handler != nil {
		pc.handler(pc.reason)
	}
}

// Close moves the source into Closing and delivers the close notification.
// It returns nil only for the call that performed the transition; later
// calls return ErrClosing (or ErrReleased) and never re-run the handler.
//
// Requests from the directory side (ReasonAdmin, ReasonNoReaders) are refused
// with ErrNoCloseHandler while no handler is registered, because nobody would
// ever release the source. Close never releases the source itself.
func (s *Source) Close(reason CloseReason) error {
	if reason == ReasonNone {
		reason = ReasonProducer
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if reason.external() && s.onClose == nil {
		s.mu.Unlock()
		s.log.Warn("close refused, no handler registered", "reason", reason)
		return ErrNoCloseHandler
	}
	pc := s.beginCloseLocked(reason)
	s.mu.Unlock()

	if pc == nil {
		return ErrClosing
	}
	s.finishClose(pc)
	return nil
}

// Release relinquishes the source from any state. Consumers are dropped and
// the source leaves the directory; no close notification is delivered. A
// second Release is a caller error and returns ErrReleased.
func (s *Source) Release() error {
	s.mu.Lock()
	prev := s.State()
	if prev == StateReleased {
		s.mu.Unlock()
		return ErrReleased
	}
	s.state.Store(int32(StateReleased))
	if prev < StateClosing {
		close(s.closed)
	}
	unregister := s.registered
	s.registered = false
	s.onClose = nil
	dropped := len(*s.consumers.Swap(&[]*attachment{}))
	s.mu.Unlock()

	if unregister {
		s.dir.Unregister(s)
	}
	if prev == StateReady {
		s.metrics.SourceLeftReady()
	}
	s.metrics.ReadersDetached(dropped)
	s.metrics.SourceReleased()
	s.log.Info("source released", "from", prev, "dropped_readers", dropped)
	return nil
}
