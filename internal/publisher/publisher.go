// Package publisher reports tunnel addresses to the relay, retrying
// transient failures, and supervises a quick-tunnel process.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/endpoint"
	"github.com/koltyakov/tunnelrelay/internal/relayclient"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = time.Minute
)

// Relay is the write side of the relay API.
type Relay interface {
	Publish(ctx context.Context, url string) (domain.EndpointRecord, error)
}

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Publisher struct {
	relay Relay
	log   *slog.Logger
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

func New(relay Relay, logger *slog.Logger, opts Options) *Publisher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.InitialBackoff)
	}
	return &Publisher{relay: relay, log: logger, opts: opts, sleep: sleepContext}
}

// Publish normalizes raw, validates it locally and writes it to the relay.
// Network errors, 429 and 5xx responses are retried with exponential
// backoff up to MaxAttempts; other failures return immediately.
func (p *Publisher) Publish(ctx context.Context, raw string) (domain.EndpointRecord, error) {
	u := endpoint.Normalize(raw)
	if _, err := endpoint.Parse(u); err != nil {
		return domain.EndpointRecord{}, &domain.OpError{Op: "publish", URL: u, Err: err}
	}

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		rec, err := p.relay.Publish(ctx, u)
		if err == nil {
			p.log.Info("tunnel url published", "url", rec.URL, "attempt", attempt)
			return rec, nil
		}
		if ctx.Err() != nil {
			return domain.EndpointRecord{}, ctx.Err()
		}
		if !relayclient.IsRetriable(err) {
			p.log.Error("publish rejected", "url", u, "err", err)
			return domain.EndpointRecord{}, err
		}
		if attempt >= p.opts.MaxAttempts {
			p.log.Error("publish failed", "url", u, "attempts", attempt, "err", err)
			return domain.EndpointRecord{}, fmt.Errorf("publish %s after %d attempts: %w", u, attempt, err)
		}

		delay = nextBackoff(delay, p.opts.InitialBackoff, p.opts.MaxBackoff)
		p.log.Warn("publish failed; retrying", "url", u, "attempt", attempt, "retry_in", delay.Round(time.Millisecond), "err", err)
		if err := p.sleep(ctx, delay); err != nil {
			return domain.EndpointRecord{}, err
		}
	}
}

// nextBackoff doubles current up to maxDelay, starting at initial, with
// ±25% jitter.
func nextBackoff(current, initial, maxDelay time.Duration) time.Duration {
	next := initial
	if current > 0 {
		next = min(current*2, maxDelay)
	}
	jitter := 1.0 + (rand.Float64()-0.5)*0.5 // range [0.75, 1.25]
	return time.Duration(float64(next) * jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
