package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/koltyakov/tunnelrelay/internal/config"
	"github.com/koltyakov/tunnelrelay/internal/domain"
	ilog "github.com/koltyakov/tunnelrelay/internal/log"
	"github.com/koltyakov/tunnelrelay/internal/relayclient"
	"github.com/koltyakov/tunnelrelay/internal/resolver"
)

// maxFetchOutput caps how much of a response body fetch prints.
const maxFetchOutput = 1 << 20

func runResolve(ctx context.Context, args []string) int {
	cfg, rest, err := config.ParseResolverFlags("resolve", args)
	if err != nil {
		fmt.Fprintln(stderr, "resolve config error:", err)
		return 2
	}
	if len(rest) > 1 {
		fmt.Fprintln(stderr, "resolve config error: expected at most one path, e.g. `tunnelrelay resolve /api/users`")
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	r, err := newResolver(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "resolve config error:", err)
		return 2
	}
	if !cfg.NoRefresh {
		<-r.Start(ctx)
		if err := r.Wait(ctx); err != nil {
			logger.Warn("relay refresh failed", "err", err)
		}
	}

	base, err := r.CurrentURL()
	if err != nil {
		fmt.Fprintln(stderr, "resolve error:", err)
		return 1
	}
	fmt.Fprintf(stdout, "url: %s\nsource: %s\n", base, r.Source())
	if len(rest) == 1 {
		api, err := r.BuildURL(rest[0])
		if err != nil {
			fmt.Fprintln(stderr, "resolve error:", err)
			return 1
		}
		fmt.Fprintln(stdout, "api:", api)
	}
	return 0
}

func runEndpoint(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: tunnelrelay endpoint <show|set|clear> [flags]")
		return 2
	}
	switch args[0] {
	case "show":
		return runEndpointShow(args[1:])
	case "set":
		return runEndpointSet(args[1:])
	case "clear":
		return runEndpointClear(args[1:])
	default:
		fmt.Fprintln(stderr, "unknown endpoint command:", args[0])
		return 2
	}
}

func runEndpointShow(args []string) int {
	cfg, _, err := config.ParseResolverFlags("endpoint-show", args)
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	state, err := resolver.NewFileState(cfg.StatePath)
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	rec, ok, err := state.Load()
	if err != nil {
		fmt.Fprintln(stderr, "endpoint error:", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stdout, "no persisted endpoint:", state.Path())
		return 0
	}
	fmt.Fprintf(stdout, "url: %s\nsource: %s\nsaved: %s\nfile: %s\n", rec.URL, rec.Source, humanizeTime(rec.SavedAt), state.Path())
	return 0
}

func runEndpointSet(args []string) int {
	cfg, rest, err := config.ParseResolverFlags("endpoint-set", args)
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "endpoint config error: expected a single url, e.g. `tunnelrelay endpoint set https://api.example.com`")
		return 2
	}
	r, err := newResolver(cfg, ilog.New(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	if err := r.SetURL(rest[0]); err != nil {
		fmt.Fprintln(stderr, "endpoint error:", err)
		if errors.Is(err, domain.ErrInvalidInput) {
			return 2
		}
		return 1
	}
	u, _ := r.CurrentURL()
	fmt.Fprintln(stdout, "saved:", u)
	return 0
}

func runEndpointClear(args []string) int {
	cfg, _, err := config.ParseResolverFlags("endpoint-clear", args)
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	r, err := newResolver(cfg, ilog.New(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		fmt.Fprintln(stderr, "endpoint config error:", err)
		return 2
	}
	if err := r.ClearURL(); err != nil {
		fmt.Fprintln(stderr, "endpoint error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "cleared")
	return 0
}

// runFetch calls the resolved backend: fetch [flags] [METHOD] <path> [body].
func runFetch(ctx context.Context, args []string) int {
	cfg, rest, err := config.ParseResolverFlags("fetch", args)
	if err != nil {
		fmt.Fprintln(stderr, "fetch config error:", err)
		return 2
	}
	method, path, body, err := parseFetchArgs(rest)
	if err != nil {
		fmt.Fprintln(stderr, "fetch config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	r, err := newResolver(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "fetch config error:", err)
		return 2
	}
	if !cfg.NoRefresh {
		<-r.Start(ctx)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	resp, err := r.Fetch(ctx, method, path, reader)
	if err != nil {
		fmt.Fprintln(stderr, "fetch error:", err)
		return 1
	}
	defer resp.Body.Close()

	fmt.Fprintln(stderr, resp.Proto, resp.Status)
	if _, err := io.Copy(stdout, io.LimitReader(resp.Body, maxFetchOutput)); err != nil {
		fmt.Fprintln(stderr, "fetch error:", err)
		return 1
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return 1
	}
	return 0
}

func parseFetchArgs(rest []string) (method, path, body string, err error) {
	method = http.MethodGet
	if len(rest) > 0 && isHTTPMethod(rest[0]) {
		method = strings.ToUpper(rest[0])
		rest = rest[1:]
	}
	switch len(rest) {
	case 1:
		return method, rest[0], "", nil
	case 2:
		return method, rest[0], rest[1], nil
	default:
		return "", "", "", errors.New("expected [METHOD] <path> [body], e.g. `tunnelrelay fetch POST /api/users '{\"name\":\"a\"}'`")
	}
}

func isHTTPMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func runWatch(ctx context.Context, args []string) int {
	cfg, _, err := config.ParseResolverFlags("watch", args)
	if err != nil {
		fmt.Fprintln(stderr, "watch config error:", err)
		return 2
	}
	if cfg.RelayURL == "" {
		fmt.Fprintln(stderr, "watch config error: missing --relay or TUNNELRELAY_RELAY_URL")
		return 2
	}
	rc, err := relayclient.New(cfg.RelayURL, relayclient.Options{Timeout: cfg.Timeout, UserAgent: "tunnelrelay/" + Version})
	if err != nil {
		fmt.Fprintln(stderr, "watch config error:", err)
		return 2
	}

	fmt.Fprintln(stderr, "watching", rc.WatchURL())
	err = rc.Watch(ctx, func(rec domain.EndpointRecord, ok bool) {
		if !ok {
			fmt.Fprintln(stdout, "no endpoint published")
			return
		}
		fmt.Fprintln(stdout, formatRecord(rec))
	})
	if err != nil {
		fmt.Fprintln(stderr, "watch error:", err)
		return 1
	}
	return 0
}

// newResolver wires a resolver to the file state at cfg.StatePath and, when
// configured, the relay at cfg.RelayURL.
func newResolver(cfg config.ResolverConfig, logger *slog.Logger) (*resolver.Resolver, error) {
	state, err := resolver.NewFileState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	opts := resolver.Options{
		Origin:  cfg.Origin,
		State:   state,
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
	if cfg.RelayURL != "" {
		rc, err := relayclient.New(cfg.RelayURL, relayclient.Options{Timeout: cfg.Timeout, UserAgent: "tunnelrelay/" + Version})
		if err != nil {
			return nil, err
		}
		opts.Relay = rc
	}
	return resolver.New(opts)
}

func humanizeTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.Time(t)
}
