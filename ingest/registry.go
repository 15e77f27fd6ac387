// Package ingest is the directory of ready sources. Sources register
// themselves when they become ready; consumers and operators find them here
// by (vhost, app, stream). The registry also owns the no-reader policy: a
// source nobody has watched for NoReaderTimeout is asked to close.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/source"
)

// Sentinel errors returned by Registry methods.
var (
	ErrNotFound     = errors.New("ingest: source not found")
	ErrDuplicate    = errors.New("ingest: source already registered")
	ErrCloseRefused = errors.New("ingest: close refused")
)

// Default no-reader policy.
const (
	DefaultReapInterval = 5 * time.Second
)

type entry struct {
	src          *source.Source
	registeredAt time.Time
	// idleSince is when the reader count was last seen at zero, or the zero
	// time while consumers are attached.
	idleSince time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithNoReaderTimeout closes sources that have had no readers for d. Zero
// disables the policy.
func WithNoReaderTimeout(d time.Duration) Option {
	return func(r *Registry) { r.noReaderTimeout = d }
}

// WithReapInterval sets how often Run checks the no-reader policy.
func WithReapInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.reapInterval = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOnRegister sets a callback invoked asynchronously for every source
// that registers.
func WithOnRegister(fn func(*source.Source)) Option {
	return func(r *Registry) { r.onRegister = fn }
}

// Registry tracks ready sources by key. It implements source.Directory.
//
// Sources call Register and Unregister while holding their own lock, so the
// registry never calls back into a source while holding r.mu.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	noReaderTimeout time.Duration
	reapInterval    time.Duration
	onRegister      func(*source.Source)

	mu      sync.RWMutex
	sources map[source.Key]*entry
}

var _ source.Directory = (*Registry)(nil)

// NewRegistry creates an empty registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:          log.With("component", "ingest"),
		now:          time.Now,
		reapInterval: DefaultReapInterval,
		sources:      make(map[source.Key]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds src under its key. A different source already holding the
// key makes registration fail with ErrDuplicate; registering the same
// source twice is a no-op.
func (r *Registry) Register(src *source.Source) error {
	key := src.Key()
	now := r.now()

	r.mu.Lock()
	if cur, ok := r.sources[key]; ok {
		r.mu.Unlock()
		if cur.src == src {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	r.sources[key] = &entry{src: src, registeredAt: now, idleSince: now}
	total := len(r.sources)
	r.mu.Unlock()

	r.log.Info("source registered", "key", key.String(), "sources", total)
	if r.onRegister != nil {
		go r.onRegister(src)
	}
	return nil
}

// Unregister removes src. A different source registered under the same key
// is left alone.
func (r *Registry) Unregister(src *source.Source) {
	key := src.Key()

	r.mu.Lock()
	cur, ok := r.sources[key]
	if ok && cur.src == src {
		delete(r.sources, key)
	} else {
		ok = false
	}
	total := len(r.sources)
	r.mu.Unlock()

	if ok {
		r.log.Info("source unregistered", "key", key.String(), "sources", total)
	}
}

// Get returns the source registered under key.
func (r *Registry) Get(key source.Key) (*source.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sources[key]
	if !ok {
		return nil, false
	}
	return e.src, true
}

// Lookup is Get with an empty vhost mapped to source.DefaultVhost.
func (r *Registry) Lookup(vhost, app, stream string) (*source.Source, bool) {
	return r.Get(source.NewKey(vhost, app, stream))
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// List returns the registered sources ordered by key.
func (r *Registry) List() []*source.Source {
	r.mu.RLock()
	out := make([]*source.Source, 0, len(r.sources))
	for _, e := range r.sources {
		out = append(out, e.src)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Snapshot returns Info for every registered source, ordered by key.
func (r *Registry) Snapshot() []source.Info {
	list := r.List()
	out := make([]source.Info, 0, len(list))
	for _, src := range list {
		out = append(out, src.Info())
	}
	return out
}

// Attach routes a consumer to the source registered under key.
func (r *Registry) Attach(key source.Key, c media.Consumer) error {
	src, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return src.Attach(c)
}

// Detach removes a consumer from the source registered under key.
func (r *Registry) Detach(key source.Key, id string) error {
	src, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	_, err := src.Detach(id)
	return err
}

// Close asks the source under key to close. The source's producer decides
// when to release it; the source stays listed until it starts closing.
func (r *Registry) Close(key source.Key, reason source.CloseReason) error {
	src, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := src.Close(reason); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCloseRefused, key, err)
	}
	r.log.Info("source close requested", "key", key.String(), "reason", reason)
	return nil
}

// Run enforces the no-reader policy until ctx is cancelled. It returns
// immediately when the policy is disabled.
func (r *Registry) Run(ctx context.Context) error {
	if r.noReaderTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap runs one pass of the no-reader policy and returns the keys of the
// sources it closed.
func (r *Registry) Reap() []source.Key {
	if r.noReaderTimeout <= 0 {
		return nil
	}
	now := r.now()

	var idle []*source.Source
	r.mu.Lock()
	for _, e := range r.sources {
		n, err := e.src.ReaderCount()
		if err != nil {
			continue
		}
		if n > 0 {
			e.idleSince = time.Time{}
			continue
		}
		if e.idleSince.IsZero() {
			e.idleSince = now
			continue
		}
		if now.Sub(e.idleSince) >= r.noReaderTimeout {
			idle = append(idle, e.src)
		}
	}
	r.mu.Unlock()

	var closed []source.Key
	for _, src := range idle {
		err := src.Close(source.ReasonNoReaders)
		switch {
		case err == nil:
			closed = append(closed, src.Key())
			r.log.Info("closed source with no readers", "key", src.Key().String(), "timeout", r.noReaderTimeout)
		case errors.Is(err, source.ErrNoCloseHandler):
			r.log.Debug("idle source has no close handler", "key", src.Key().String())
		default:
			r.log.Debug("idle source not closed", "key", src.Key().String(), "error", err)
		}
	}
	return closed
}
