package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/koltyakov/tunnelrelay/internal/config"
	"github.com/koltyakov/tunnelrelay/internal/domain"
	ilog "github.com/koltyakov/tunnelrelay/internal/log"
	"github.com/koltyakov/tunnelrelay/internal/publisher"
	"github.com/koltyakov/tunnelrelay/internal/relayclient"
)

func runPublish(ctx context.Context, args []string) int {
	cfg, err := config.ParsePublisherFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "publish config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "publish config error:", err)
		return 2
	}
	rec, err := pub.Publish(ctx, cfg.URL)
	if err != nil {
		fmt.Fprintln(stderr, "publish error:", err)
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrUntrustedEndpoint) {
			return 2
		}
		return 1
	}
	fmt.Fprintln(stdout, "published:", formatRecord(rec))
	return 0
}

func runAuto(ctx context.Context, args []string) int {
	cfg, err := config.ParseAutoFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "auto config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	pub, err := newPublisher(cfg.PublisherConfig, logger)
	if err != nil {
		fmt.Fprintln(stderr, "auto config error:", err)
		return 2
	}
	sup, err := publisher.NewSupervisor(publisher.SupervisorConfig{
		Command:    cfg.Cloudflared,
		LocalURL:   cfg.LocalURL,
		URLPattern: cfg.URLPattern,
	}, pub, logger)
	if err != nil {
		fmt.Fprintln(stderr, "auto config error:", err)
		return 2
	}

	logger.Info("starting tunnel", "command", cfg.Cloudflared, "local_url", cfg.LocalURL, "relay", cfg.RelayURL)
	if err := sup.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "auto error:", err)
		return 1
	}
	return 0
}

func newPublisher(cfg config.PublisherConfig, logger *slog.Logger) (*publisher.Publisher, error) {
	rc, err := relayclient.New(cfg.RelayURL, relayclient.Options{Timeout: cfg.Timeout, UserAgent: "tunnelrelay/" + Version})
	if err != nil {
		return nil, err
	}
	return publisher.New(rc, logger, publisher.Options{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}), nil
}

// formatRecord renders rec as "<url> (updated <relative time>)".
func formatRecord(rec domain.EndpointRecord) string {
	if rec.UpdatedAt.IsZero() {
		return rec.URL
	}
	return fmt.Sprintf("%s (updated %s)", rec.URL, humanize.Time(rec.UpdatedAt))
}
