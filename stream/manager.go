// Package stream is the producer-facing surface of the ingest core. A
// producer creates a source, gets back an opaque handle, and drives the
// source through that handle. A handle that was never issued or has been
// released is rejected with ErrUnknownHandle instead of touching freed state.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/source"
)

// ErrUnknownHandle is returned for handles that were never issued or have
// already been released. Releasing a handle twice is a caller error and
// reports it too.
var ErrUnknownHandle = errors.New("stream: unknown handle")

// Handle identifies a source created through a Manager. The zero Handle is
// never issued.
type Handle uint64

// CreateRequest carries the producer-supplied identity of a new source.
type CreateRequest struct {
	Vhost    string
	App      string
	Stream   string
	Duration time.Duration // zero for live
	HLS      bool
	MP4      bool
}

// CloseFunc is called once when the source behind h starts closing. The
// producer is expected to call Release(h) from it, after flushing.
type CloseFunc func(h Handle, reason source.CloseReason)

// Manager maps handles to live sources.
type Manager struct {
	log        *slog.Logger
	sourceOpts []source.Option
	next       atomic.Uint64

	mu      sync.RWMutex
	sources map[Handle]*source.Source
}

// NewManager creates a new handle manager. If log is nil, slog.Default() is
// used. sourceOpts are applied to every source it creates, typically
// source.WithDirectory and source.WithMetrics.
func NewManager(log *slog.Logger, sourceOpts ...source.Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:        log.With("component", "stream-manager"),
		sourceOpts: append([]source.Option{source.WithLogger(log)}, sourceOpts...),
		sources:    make(map[Handle]*source.Source),
	}
}

// Create builds a new source and returns its handle.
func (m *Manager) Create(req CreateRequest) (Handle, error) {
	src, err := source.New(source.Config{
		Vhost:    req.Vhost,
		App:      req.App,
		Stream:   req.Stream,
		Duration: req.Duration,
		HLS:      req.HLS,
		MP4:      req.MP4,
	}, m.sourceOpts...)
	if err != nil {
		return 0, err
	}

	h := Handle(m.next.Add(1))
	m.mu.Lock()
	m.sources[h] = src
	m.mu.Unlock()

	m.log.Info("source created", "handle", uint64(h), "key", src.Key().String())
	return h, nil
}

// Source returns the source behind h.
func (m *Manager) Source(h Handle) (*source.Source, error) {
	m.mu.RLock()
	src, ok := m.sources[h]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, uint64(h))
	}
	return src, nil
}

// DeclareH264 adds an H.264 video track.
func (m *Manager) DeclareH264(h Handle, width, height int, fps float64) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.DeclareVideo(media.KindH264, width, height, fps)
}

// DeclareH265 adds an H.265 video track.
func (m *Manager) DeclareH265(h Handle, width, height int, fps float64) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.DeclareVideo(media.KindH265, width, height, fps)
}

// DeclareAAC adds an AAC audio track.
func (m *Manager) DeclareAAC(h Handle, channels, sampleBits, sampleRate, profile int) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.DeclareAudio(channels, sampleBits, sampleRate, profile)
}

// InitComplete signals that no more tracks will be declared.
func (m *Manager) InitComplete(h Handle) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.MarkInitComplete()
}

// InputH264 pushes one H.264 access unit. Timestamps are milliseconds.
func (m *Manager) InputH264(h Handle, data []byte, dts, pts int64) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.PushVideo(media.KindH264, data, dts, pts)
}

// InputH265 pushes one H.265 access unit.
func (m *Manager) InputH265(h Handle, data []byte, dts, pts int64) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.PushVideo(media.KindH265, data, dts, pts)
}

// InputAAC pushes one AAC frame. withADTS says whether data starts with an
// ADTS header; without one, a header is built from the declared track.
func (m *Manager) InputAAC(h Handle, data []byte, dts int64, withADTS bool) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	mode := source.HeaderNone
	if withADTS {
		mode = source.HeaderEmbedded
	}
	return src.PushAudio(data, dts, mode, nil)
}

// InputAACWithHeader pushes one raw AAC frame together with its ADTS header.
func (m *Manager) InputAACWithHeader(h Handle, data []byte, dts int64, adts []byte) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.PushAudio(data, dts, source.HeaderExplicit, adts)
}

// SetOnClose registers fn as the close handler for h, replacing any
// previous one.
func (m *Manager) SetOnClose(h Handle, fn CloseFunc) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	if fn == nil {
		return src.SetOnClose(nil)
	}
	return src.SetOnClose(func(reason source.CloseReason) { fn(h, reason) })
}

// Close asks the source behind h to close as if the producer requested it.
func (m *Manager) Close(h Handle) error {
	src, err := m.Source(h)
	if err != nil {
		return err
	}
	return src.Close(source.ReasonProducer)
}

// TotalReaderCount returns the number of consumers attached to h.
func (m *Manager) TotalReaderCount(h Handle) (int, error) {
	src, err := m.Source(h)
	if err != nil {
		return 0, err
	}
	return src.ReaderCount()
}

// Release destroys the source behind h and invalidates the handle. It is
// safe to call from the close handler.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	src, ok := m.sources[h]
	delete(m.sources, h)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, uint64(h))
	}
	if err := src.Release(); err != nil {
		return err
	}
	m.log.Info("source released", "handle", uint64(h), "key", src.Key().String())
	return nil
}

// HandleSink is the source behind a handle with Release routed through the
// Manager, so whoever drives the source also retires the handle.
type HandleSink struct {
	*source.Source
	m *Manager
	h Handle
}

// Release releases the handle. A handle that is already gone reports
// source.ErrReleased.
func (s *HandleSink) Release() error {
	err := s.m.Release(s.h)
	if errors.Is(err, ErrUnknownHandle) {
		return fmt.Errorf("%w: handle %d", source.ErrReleased, uint64(s.h))
	}
	return err
}

// Sink returns a HandleSink for h, suitable for pipeline.New.
func (m *Manager) Sink(h Handle) (*HandleSink, error) {
	src, err := m.Source(h)
	if err != nil {
		return nil, err
	}
	return &HandleSink{Source: src, m: m, h: h}, nil
}

// Handles returns every live handle in issue order.
func (m *Manager) Handles() []Handle {
	m.mu.RLock()
	out := make([]Handle, 0, len(m.sources))
	for h := range m.sources {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live handles.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// ReleaseAll releases every live source, for process shutdown.
func (m *Manager) ReleaseAll() {
	for _, h := range m.Handles() {
		if err := m.Release(h); err != nil && !errors.Is(err, ErrUnknownHandle) {
			m.log.Warn("release failed", "handle", uint64(h), "error", err)
		}
	}
}
