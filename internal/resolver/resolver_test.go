package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/tunnelrelay/internal/config"
	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/log"
	"github.com/koltyakov/tunnelrelay/internal/publisher"
	"github.com/koltyakov/tunnelrelay/internal/relay"
	"github.com/koltyakov/tunnelrelay/internal/relayclient"
	"github.com/koltyakov/tunnelrelay/internal/store/memory"
)

type fetchFunc func(ctx context.Context) (domain.EndpointRecord, bool, error)

func (f fetchFunc) Fetch(ctx context.Context) (domain.EndpointRecord, bool, error) {
	return f(ctx)
}

func relayReturns(u string) Fetcher {
	return fetchFunc(func(context.Context) (domain.EndpointRecord, bool, error) {
		if u == "" {
			return domain.EndpointRecord{}, false, nil
		}
		return domain.EndpointRecord{URL: u, UpdatedAt: time.Now().UTC()}, true, nil
	})
}

// countingDoer records requests and fails them all.
type countingDoer struct {
	calls atomic.Int32
}

func (d *countingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, errors.New("unexpected request")
}

func newResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	r, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func mustCurrent(t *testing.T, r *Resolver) string {
	t.Helper()
	u, err := r.CurrentURL()
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// hitServer counts requests and records the last path.
type hitServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newHitServer(t *testing.T) *hitServer {
	t.Helper()
	hs := &hitServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func callAPI(t *testing.T, r *Resolver) {
	t.Helper()
	resp, err := r.Fetch(context.Background(), http.MethodGet, "/api/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestFallsBackToOrigin(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Relay: relayReturns(""), Origin: "https://app.example.com/"})
	if got := mustCurrent(t, r); got != "https://app.example.com" {
		t.Fatalf("expected origin, got %q", got)
	}
	if r.Source() != domain.SourceDefault {
		t.Fatalf("expected default source, got %q", r.Source())
	}

	if err := r.Wait(contextWithTimeout(t)); err == nil {
		t.Fatal("expected Wait before Start to time out")
	}
	<-r.Start(context.Background())
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("no endpoint known is not a failure: %v", err)
	}
	if got := mustCurrent(t, r); got != "https://app.example.com" {
		t.Fatalf("expected origin after empty refresh, got %q", got)
	}
	if r.HasCustomURL() {
		t.Fatal("expected nothing persisted")
	}
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestNoAddressSendsNothing(t *testing.T) {
	t.Parallel()

	doer := &countingDoer{}
	unreachable := fetchFunc(func(context.Context) (domain.EndpointRecord, bool, error) {
		return domain.EndpointRecord{}, false, fmt.Errorf("%w: connection refused", domain.ErrNetwork)
	})
	r := newResolver(t, Options{Relay: unreachable, Client: doer})
	<-r.Start(context.Background())

	if _, err := r.CurrentURL(); !errors.Is(err, domain.ErrNoEndpointKnown) {
		t.Fatalf("expected ErrNoEndpointKnown, got %v", err)
	}
	if _, err := r.BuildURL("/api"); !errors.Is(err, domain.ErrNoEndpointKnown) {
		t.Fatalf("expected ErrNoEndpointKnown from BuildURL, got %v", err)
	}
	if _, err := r.Fetch(context.Background(), http.MethodGet, "/api/users", nil); !errors.Is(err, domain.ErrNoEndpointKnown) {
		t.Fatalf("expected ErrNoEndpointKnown from Fetch, got %v", err)
	}
	if n := doer.calls.Load(); n != 0 {
		t.Fatalf("expected no requests to an empty base, got %d", n)
	}
}

func TestPersistedThenRelayOrdering(t *testing.T) {
	t.Parallel()

	a := newHitServer(t)
	b := newHitServer(t)

	state := NewMemoryState()
	_ = state.Save(PersistedEndpoint{URL: a.URL, Source: domain.SourceRelay})

	release := make(chan struct{})
	slowRelay := fetchFunc(func(ctx context.Context) (domain.EndpointRecord, bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.EndpointRecord{}, false, ctx.Err()
		}
		return domain.EndpointRecord{URL: b.URL}, true, nil
	})
	r := newResolver(t, Options{Relay: slowRelay, State: state, Origin: "https://app.example.com"})

	done := r.Start(context.Background())
	if r.Source() != domain.SourcePersisted {
		t.Fatalf("expected persisted source, got %q", r.Source())
	}
	callAPI(t, r)
	callAPI(t, r)

	close(release)
	<-done
	callAPI(t, r)

	if got := a.hits.Load(); got != 2 {
		t.Fatalf("expected 2 calls to A before refresh completed, got %d", got)
	}
	if got := b.hits.Load(); got != 1 {
		t.Fatalf("expected 1 call to B after refresh, got %d", got)
	}
	if r.Source() != domain.SourceRelay {
		t.Fatalf("expected relay source, got %q", r.Source())
	}
	rec, ok, _ := state.Load()
	if !ok || rec.URL != b.URL || rec.Source != domain.SourceRelay {
		t.Fatalf("expected B persisted, got %+v", rec)
	}
}

func TestPublishThenResolveScenario(t *testing.T) {
	t.Parallel()

	srv := relay.New(config.RelayConfig{AllowHosts: []string{"*.trycloudflare.com"}}, memory.New(), log.Discard(), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rc, err := relayclient.New(ts.URL, relayclient.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	pub := publisher.New(rc, log.Discard(), publisher.Options{MaxAttempts: 1})
	if _, err := pub.Publish(context.Background(), "https://abc-123.trycloudflare.com"); err != nil {
		t.Fatal(err)
	}

	r := newResolver(t, Options{Relay: rc, Origin: "https://app.example.com"})
	<-r.Start(context.Background())
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := r.BuildURL("/api/users")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://abc-123.trycloudflare.com/api/users" {
		t.Fatalf("unexpected api url %q", got)
	}
}

func TestUnreachableRelayKeepsPersisted(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()
	rc, err := relayclient.New(base, relayclient.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	state := NewMemoryState()
	_ = state.Save(PersistedEndpoint{URL: "https://old.example.com", Source: domain.SourceRelay})
	r := newResolver(t, Options{Relay: rc, State: state, Origin: "https://app.example.com"})

	<-r.Start(context.Background())
	if err := r.Wait(context.Background()); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected ErrNetwork from refresh, got %v", err)
	}
	if got := mustCurrent(t, r); got != "https://old.example.com" {
		t.Fatalf("expected old address kept, got %q", got)
	}
	rec, ok, _ := state.Load()
	if !ok || rec.URL != "https://old.example.com" {
		t.Fatalf("persisted state changed: %+v", rec)
	}
}

func TestRefreshTimeoutKeepsAddress(t *testing.T) {
	t.Parallel()

	hang := fetchFunc(func(ctx context.Context) (domain.EndpointRecord, bool, error) {
		<-ctx.Done()
		return domain.EndpointRecord{}, false, ctx.Err()
	})
	r := newResolver(t, Options{Relay: hang, Origin: "https://app.example.com", Timeout: 50 * time.Millisecond})

	<-r.Start(context.Background())
	if err := r.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := mustCurrent(t, r); got != "https://app.example.com" {
		t.Fatalf("expected origin kept, got %q", got)
	}
}

func TestInvalidRelayEndpointIgnored(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Relay: relayReturns("not a url"), Origin: "https://app.example.com"})
	<-r.Start(context.Background())
	if err := r.Wait(context.Background()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := mustCurrent(t, r); got != "https://app.example.com" {
		t.Fatalf("expected origin kept, got %q", got)
	}
}

func TestRelayEndpointNormalized(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Relay: relayReturns("https://abc.trycloudflare.com/")})
	<-r.Start(context.Background())
	if got := mustCurrent(t, r); got != "https://abc.trycloudflare.com" {
		t.Fatalf("expected trailing slash stripped, got %q", got)
	}
}

func TestStartRunsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := fetchFunc(func(context.Context) (domain.EndpointRecord, bool, error) {
		calls.Add(1)
		return domain.EndpointRecord{}, false, nil
	})
	r := newResolver(t, Options{Relay: f, Origin: "https://app.example.com"})

	first := r.Start(context.Background())
	second := r.Start(context.Background())
	<-first
	<-second
	if first != second || r.Done() != first {
		t.Fatal("expected Start and Done to share one channel")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
}

func TestStartWithoutRelay(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Origin: "https://app.example.com"})
	select {
	case <-r.Start(context.Background()):
	case <-time.After(time.Second):
		t.Fatal("expected immediate completion without a relay")
	}
}

func TestOverrideTakesPriority(t *testing.T) {
	t.Parallel()

	state := NewMemoryState()
	r := newResolver(t, Options{Relay: relayReturns("https://relay-learned.trycloudflare.com"), State: state, Origin: "https://app.example.com"})

	if err := r.SetURL("https://manual.example.com/"); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, r); got != "https://manual.example.com" {
		t.Fatalf("expected normalized override, got %q", got)
	}
	if !r.HasCustomURL() {
		t.Fatal("expected HasCustomURL after SetURL")
	}

	<-r.Start(context.Background())
	if got := mustCurrent(t, r); got != "https://manual.example.com" {
		t.Fatalf("expected override to win over relay, got %q", got)
	}
	if r.Source() != domain.SourceOverride {
		t.Fatalf("expected override source, got %q", r.Source())
	}
	rec, _, _ := state.Load()
	if rec.URL != "https://manual.example.com" || rec.Source != domain.SourceOverride {
		t.Fatalf("override not persisted: %+v", rec)
	}

	// A new session keeps the override too.
	next := newResolver(t, Options{Relay: relayReturns("https://other.trycloudflare.com"), State: state, Origin: "https://app.example.com"})
	<-next.Start(context.Background())
	if got := mustCurrent(t, next); got != "https://manual.example.com" {
		t.Fatalf("expected override to survive restart, got %q", got)
	}

	if err := r.ClearURL(); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, r); got != "https://app.example.com" {
		t.Fatalf("expected origin after clear, got %q", got)
	}
	if r.HasCustomURL() {
		t.Fatal("expected no persisted value after ClearURL")
	}
}

func TestSetURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Origin: "https://app.example.com"})
	for _, raw := range []string{"", "   ", "/relative", "mailto:me@example.com"} {
		if err := r.SetURL(raw); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("SetURL(%q): expected ErrInvalidInput, got %v", raw, err)
		}
	}
	if r.Source() != domain.SourceDefault {
		t.Fatalf("expected default source, got %q", r.Source())
	}
}

func TestNewRejectsInvalidOrigin(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Origin: "app.example.com"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Origin: "https://app.example.com"})
	tests := map[string]string{
		"/api/users": "https://app.example.com/api/users",
		"api/users":  "https://app.example.com/api/users",
		"":           "https://app.example.com/",
	}
	for in, want := range tests {
		got, err := r.BuildURL(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("BuildURL(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestFetchSendsJSONAndCookies(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var contentTypes, cookies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		contentTypes = append(contentTypes, r.Header.Get("Content-Type"))
		if c, err := r.Cookie("session"); err == nil {
			cookies = append(cookies, c.Value)
		}
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	r := newResolver(t, Options{Origin: ts.URL})
	for range 2 {
		callAPI(t, r)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(contentTypes) != 2 || contentTypes[0] != "application/json" {
		t.Fatalf("unexpected content types %q", contentTypes)
	}
	if len(cookies) != 1 || cookies[0] != "s1" {
		t.Fatalf("expected cookie sent on second call, got %q", cookies)
	}
}

func TestReloadPicksUpExternalOverride(t *testing.T) {
	t.Parallel()

	state := NewMemoryState()
	r := newResolver(t, Options{State: state, Origin: "https://app.example.com"})

	_ = state.Save(PersistedEndpoint{URL: "https://ops.example.com", Source: domain.SourceOverride})
	r.Reload()
	if got := mustCurrent(t, r); got != "https://ops.example.com" || r.Source() != domain.SourceOverride {
		t.Fatalf("expected external override applied, got %q (%s)", got, r.Source())
	}

	_ = state.Clear()
	r.Reload()
	if got := mustCurrent(t, r); got != "https://app.example.com" || r.Source() != domain.SourceDefault {
		t.Fatalf("expected origin after external clear, got %q (%s)", got, r.Source())
	}
}

func TestWatchStateAppliesFileOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "endpoint.json")
	state, err := NewFileState(path)
	if err != nil {
		t.Fatal(err)
	}
	r := newResolver(t, Options{State: state, Origin: "https://app.example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.WatchState(ctx) }()

	other, _ := NewFileState(path)
	deadline := time.Now().Add(10 * time.Second)
	for r.Source() != domain.SourceOverride {
		if time.Now().After(deadline) {
			t.Fatal("override written by another process was not applied")
		}
		_ = other.Save(PersistedEndpoint{URL: "https://ops.example.com", Source: domain.SourceOverride})
		time.Sleep(50 * time.Millisecond)
	}
	if got := mustCurrent(t, r); got != "https://ops.example.com" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestWatchStateUnsupported(t *testing.T) {
	t.Parallel()

	r := newResolver(t, Options{Origin: "https://app.example.com"})
	if err := r.WatchState(context.Background()); err == nil {
		t.Fatal("expected error for memory state")
	}
}

func TestRefreshKeepsOverrideSavedDuringFetch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "endpoint.json")
	state, err := NewFileState(path)
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	slowRelay := fetchFunc(func(ctx context.Context) (domain.EndpointRecord, bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.EndpointRecord{}, false, ctx.Err()
		}
		return domain.EndpointRecord{URL: "https://relay-b.trycloudflare.com"}, true, nil
	})
	r := newResolver(t, Options{Relay: slowRelay, State: state, Origin: "https://app.example.com"})
	done := r.Start(context.Background())

	other, err := NewFileState(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Save(PersistedEndpoint{URL: "https://manual.example.com", Source: domain.SourceOverride}); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	rec, ok, err := state.Load()
	if err != nil || !ok {
		t.Fatalf("expected persisted record, got ok=%v err=%v", ok, err)
	}
	if rec.URL != "https://manual.example.com" || rec.Source != domain.SourceOverride {
		t.Fatalf("override overwritten by refresh: %+v", rec)
	}
	if got := mustCurrent(t, r); got != "https://manual.example.com" || r.Source() != domain.SourceOverride {
		t.Fatalf("expected override active, got %q (%s)", got, r.Source())
	}
}

func TestReloadRevertsWhenPersistedRemoved(t *testing.T) {
	t.Parallel()

	state := NewMemoryState()
	_ = state.Save(PersistedEndpoint{URL: "https://old.example.com", Source: domain.SourceRelay})
	r := newResolver(t, Options{Relay: relayReturns("https://relay.example.com"), State: state, Origin: "https://app.example.com"})
	<-r.Start(context.Background())
	if r.Source() != domain.SourceRelay {
		t.Fatalf("expected relay source, got %q", r.Source())
	}

	_ = state.Clear()
	r.Reload()
	if got := mustCurrent(t, r); got != "https://app.example.com" || r.Source() != domain.SourceDefault {
		t.Fatalf("expected origin after external clear, got %q (%s)", got, r.Source())
	}
}
