package publisher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultURLPattern matches quick-tunnel addresses printed by cloudflared.
const DefaultURLPattern = `https://[a-z0-9-]+\.trycloudflare\.com`

// waitDelay bounds how long Wait lingers on pipe I/O after the process
// is killed or exits.
const waitDelay = 5 * time.Second

// ErrTunnelExited is returned when the tunnel process ends on its own.
var ErrTunnelExited = errors.New("tunnel process exited")

type SupervisorConfig struct {
	// Command is the tunnel binary, cloudflared by default.
	Command string
	// Args overrides the default "tunnel --url <LocalURL>" arguments.
	Args       []string
	LocalURL   string
	URLPattern string
}

// Supervisor runs a tunnel process, scrapes its output for the assigned
// public URL and publishes every newly assigned URL.
type Supervisor struct {
	command   string
	args      []string
	pattern   *regexp.Regexp
	publisher *Publisher
	log       *slog.Logger

	// onPublish is notified after each successful publish; used by tests.
	onPublish func(url string)
}

func NewSupervisor(cfg SupervisorConfig, pub *Publisher, logger *slog.Logger) (*Supervisor, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = "cloudflared"
	}
	args := cfg.Args
	if len(args) == 0 {
		if strings.TrimSpace(cfg.LocalURL) == "" {
			return nil, errors.New("local url is required")
		}
		args = []string{"tunnel", "--url", strings.TrimSpace(cfg.LocalURL)}
	}
	raw := strings.TrimSpace(cfg.URLPattern)
	if raw == "" {
		raw = DefaultURLPattern
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern: %w", err)
	}
	return &Supervisor{
		command:   command,
		args:      args,
		pattern:   pattern,
		publisher: pub,
		log:       logger,
	}, nil
}

// Run starts the tunnel process and blocks until it exits or ctx ends. A
// canceled ctx kills the process and returns nil; a process exiting on its
// own returns an error wrapping [ErrTunnelExited].
func (s *Supervisor) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.command, err)
	}
	s.log.Info("tunnel process started", "command", s.command, "args", strings.Join(s.args, " "), "pid", cmd.Process.Pid)

	// Scanners block on the pipes, so close them once ctx ends; a
	// grandchild holding the write side must not keep Run alive.
	stopClosing := context.AfterFunc(ctx, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	})
	defer stopClosing()

	pubCtx, stopPublishing := context.WithCancel(ctx)
	defer stopPublishing()
	latest := newLatestURL()

	var publishWG sync.WaitGroup
	publishWG.Go(func() {
		s.publishLoop(pubCtx, latest)
	})

	var scanWG sync.WaitGroup
	for name, r := range map[string]io.Reader{"stdout": stdout, "stderr": stderr} {
		scanWG.Go(func() {
			err := WatchOutput(ctx, r, s.pattern, func(line string) {
				s.log.Debug("tunnel output", "stream", name, "line", line)
			}, latest.set)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("tunnel output unreadable; discarding rest of stream", "stream", name, "err", err)
			}
			// Keep the pipe drained so the process never blocks on write.
			_, _ = io.Copy(io.Discard, r)
		})
	}
	scanWG.Wait()
	waitErr := cmd.Wait()

	stopPublishing()
	publishWG.Wait()

	if ctx.Err() != nil {
		s.log.Info("tunnel process stopped")
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %w", ErrTunnelExited, waitErr)
	}
	return ErrTunnelExited
}

func (s *Supervisor) publishLoop(ctx context.Context, latest *latestURL) {
	var published string
	for {
		select {
		case <-ctx.Done():
			return
		case <-latest.changed:
		}
		u := latest.get()
		if u == "" || u == published {
			continue
		}
		s.log.Info("tunnel url detected", "url", u)
		rec, err := s.publisher.Publish(ctx, u)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("tunnel url not published", "url", u, "err", err)
			}
			continue
		}
		published = rec.URL
		if s.onPublish != nil {
			s.onPublish(rec.URL)
		}
	}
}

// WatchOutput scans r line by line, passing every line to onLine (when
// non-nil) and the first pattern match of each matching line to onURL. It
// returns when r is exhausted or ctx ends.
func WatchOutput(ctx context.Context, r io.Reader, pattern *regexp.Regexp, onLine, onURL func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		if m := pattern.FindString(line); m != "" {
			onURL(m)
		}
	}
	return scanner.Err()
}

// latestURL holds the most recent detected URL; changed is signaled on
// every update without blocking the scanners.
type latestURL struct {
	mu      sync.Mutex
	url     string
	changed chan struct{}
}

func newLatestURL() *latestURL {
	return &latestURL{changed: make(chan struct{}, 1)}
}

func (l *latestURL) set(u string) {
	l.mu.Lock()
	l.url = u
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *latestURL) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}
