// Package resolver decides which backend address API calls use right now:
// a persisted address or the configured origin at first, then whatever a
// single startup refresh learns from the relay.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/endpoint"
)

const defaultRefreshTimeout = 10 * time.Second

// Fetcher is the read side of the relay API.
type Fetcher interface {
	Fetch(ctx context.Context) (domain.EndpointRecord, bool, error)
}

type Options struct {
	// Relay is queried once by Start. Nil disables the refresh.
	Relay Fetcher
	// Origin is the default address used when nothing is persisted.
	Origin string
	// State persists the address across sessions. Nil keeps it in memory.
	State State
	// Timeout bounds the refresh. Zero means 10s.
	Timeout time.Duration
	Logger  *slog.Logger
	// Client sends API calls. Nil builds a client with a cookie jar.
	Client Doer
}

// Resolver holds the active backend address. Its mutex guards only the
// address and source and is never held across network calls.
type Resolver struct {
	relay   Fetcher
	state   State
	origin  string
	timeout time.Duration
	log     *slog.Logger
	client  Doer
	now     func() time.Time

	// stateMu serializes persisted-state writes with the override check.
	stateMu sync.Mutex

	mu      sync.RWMutex
	current string
	source  domain.Source

	startOnce  sync.Once
	done       chan struct{}
	refreshErr error
}

func New(opts Options) (*Resolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	state := opts.State
	if state == nil {
		state = NewMemoryState()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	origin := endpoint.Normalize(opts.Origin)
	if origin != "" {
		if _, err := endpoint.Parse(origin); err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
	}
	client := opts.Client
	if client == nil {
		c, err := newHTTPClient()
		if err != nil {
			return nil, err
		}
		client = c
	}

	r := &Resolver{
		relay:   opts.Relay,
		state:   state,
		origin:  origin,
		timeout: timeout,
		log:     logger,
		client:  client,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	r.current, r.source = r.initial()
	return r, nil
}

// initial picks the persisted address, else the origin.
func (r *Resolver) initial() (string, domain.Source) {
	rec, ok, err := r.state.Load()
	if err != nil {
		r.log.Warn("persisted endpoint unreadable; ignoring", "err", err)
	}
	if ok {
		u := endpoint.Normalize(rec.URL)
		if _, perr := endpoint.Parse(u); perr == nil {
			if rec.Source == domain.SourceOverride {
				return u, domain.SourceOverride
			}
			return u, domain.SourcePersisted
		}
		r.log.Warn("persisted endpoint invalid; ignoring", "url", rec.URL)
	}
	return r.origin, domain.SourceDefault
}

// Start launches the one refresh from the relay and returns immediately.
// Later calls return the same channel, closed when the refresh completes.
func (r *Resolver) Start(ctx context.Context) <-chan struct{} {
	r.startOnce.Do(func() {
		if r.relay == nil {
			close(r.done)
			return
		}
		go r.refresh(ctx)
	})
	return r.done
}

// Done is closed once the refresh started by Start has completed.
func (r *Resolver) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the refresh completes or ctx ends, and returns the
// refresh failure, if any. A relay with no endpoint is not a failure.
func (r *Resolver) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.refreshErr
	}
}

func (r *Resolver) refresh(ctx context.Context) {
	defer close(r.done)

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, ok, err := r.relay.Fetch(fetchCtx)
	if err != nil {
		r.refreshErr = err
		r.log.Warn("endpoint refresh failed; keeping current address", "url", r.peek(), "err", err)
		return
	}
	if !ok {
		r.log.Info("relay knows no endpoint; keeping current address", "url", r.peek())
		return
	}

	u := endpoint.Normalize(rec.URL)
	if _, err := endpoint.Parse(u); err != nil {
		r.refreshErr = &domain.OpError{Op: "refresh", URL: rec.URL, Err: err}
		r.log.Warn("relay returned an invalid endpoint; keeping current address", "url", rec.URL, "err", err)
		return
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.Source() == domain.SourceOverride {
		r.log.Info("manual override active; relay endpoint not applied", "relay_url", u)
		return
	}
	if cur, ok, err := r.state.Load(); err == nil && ok && cur.Source == domain.SourceOverride {
		o := endpoint.Normalize(cur.URL)
		if _, perr := endpoint.Parse(o); perr == nil {
			r.mu.Lock()
			r.current = o
			r.source = domain.SourceOverride
			r.mu.Unlock()
			r.log.Info("override persisted elsewhere; relay endpoint not applied", "url", o, "relay_url", u)
			return
		}
	}
	if err := r.state.Save(PersistedEndpoint{URL: u, Source: domain.SourceRelay, SavedAt: r.now().UTC()}); err != nil {
		r.log.Warn("persist endpoint failed", "url", u, "err", err)
	}
	r.mu.Lock()
	r.current = u
	r.source = domain.SourceRelay
	r.mu.Unlock()
	r.log.Info("endpoint refreshed from relay", "url", u)
}

func (r *Resolver) peek() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// CurrentURL returns the active address, or [domain.ErrNoEndpointKnown]
// when there is none.
func (r *Resolver) CurrentURL() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return "", domain.ErrNoEndpointKnown
	}
	return r.current, nil
}

// Source reports where the active address came from.
func (r *Resolver) Source() domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// SetURL persists raw as a manual override and makes it active. It takes
// priority over the origin and any relay-learned address until ClearURL.
func (r *Resolver) SetURL(raw string) error {
	u := endpoint.Normalize(raw)
	if _, err := endpoint.Parse(u); err != nil {
		return err
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if err := r.state.Save(PersistedEndpoint{URL: u, Source: domain.SourceOverride, SavedAt: r.now().UTC()}); err != nil {
		return fmt.Errorf("persist override: %w", err)
	}
	r.mu.Lock()
	r.current = u
	r.source = domain.SourceOverride
	r.mu.Unlock()
	r.log.Info("endpoint override set", "url", u)
	return nil
}

// ClearURL removes the persisted address and reverts to the origin.
func (r *Resolver) ClearURL() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if err := r.state.Clear(); err != nil {
		return fmt.Errorf("clear persisted endpoint: %w", err)
	}
	r.mu.Lock()
	r.current = r.origin
	r.source = domain.SourceDefault
	r.mu.Unlock()
	r.log.Info("persisted endpoint cleared", "url", r.origin)
	return nil
}

// HasCustomURL reports whether a persisted address exists.
func (r *Resolver) HasCustomURL() bool {
	_, ok, err := r.state.Load()
	return err == nil && ok
}

// Reload re-reads persisted state, picking up an override written or
// removed by another process.
func (r *Resolver) Reload() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	rec, ok, err := r.state.Load()
	if err != nil {
		r.log.Warn("reload persisted endpoint failed", "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ok && rec.Source == domain.SourceOverride:
		u := endpoint.Normalize(rec.URL)
		if _, err := endpoint.Parse(u); err != nil {
			r.log.Warn("persisted override invalid; ignoring", "url", rec.URL)
			return
		}
		if u != r.current || r.source != domain.SourceOverride {
			r.log.Info("endpoint override reloaded", "url", u)
		}
		r.current = u
		r.source = domain.SourceOverride
	case !ok && r.source != domain.SourceDefault:
		r.current = r.origin
		r.source = domain.SourceDefault
		r.log.Info("persisted endpoint removed", "url", r.origin)
	case ok && r.source == domain.SourceOverride:
		// Override replaced by a relay-sourced record from another process.
		u := endpoint.Normalize(rec.URL)
		if _, err := endpoint.Parse(u); err == nil {
			r.current = u
			r.source = domain.SourcePersisted
		}
	}
}

type stateWatcher interface {
	Watch(ctx context.Context, fn func()) error
}

// WatchState reloads whenever the persisted state changes, when the state
// backend supports change notification. It blocks until ctx ends.
func (r *Resolver) WatchState(ctx context.Context) error {
	w, ok := r.state.(stateWatcher)
	if !ok {
		return errors.New("state does not support watching")
	}
	return w.Watch(ctx, r.Reload)
}
