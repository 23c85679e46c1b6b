package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/quic-go/quic-go/http3"

	"github.com/koltyakov/tunnelrelay/internal/netutil"
)

const (
	serverReadTimeout     = 30 * time.Second
	serverWriteTimeout    = 30 * time.Second
	serverIdleTimeout     = 120 * time.Second
	serverMaxHeaderBytes  = 16 * 1024
	proxyHeaderTimeout    = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	watcherDrainTimeout   = 5 * time.Second
	defaultJanitorPeriod  = 5 * time.Minute
	defaultRequestTimeout = 10 * time.Second
)

func normalizeHost(host string) string {
	return netutil.NormalizeHost(host)
}

// Run listens on the configured address and serves until ctx is cancelled
// or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the relay on ln, adding PROXY protocol parsing, TLS, the ACME
// challenge listener and HTTP/3 as configured. It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
		s.log.Info("PROXY protocol enabled on relay listener")
	}

	tlsConfig, manager, err := s.tlsSetup()
	if err != nil {
		_ = ln.Close()
		return err
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.runJanitor(janitorCtx)

	handler := s.withTimeout(s.handler)
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
		MaxHeaderBytes:    serverMaxHeaderBytes,
		TLSConfig:         tlsConfig,
		ErrorLog:          log.New(&serverErrorLogWriter{log: s.log}, "", 0),
	}

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	var challengeServer *http.Server
	if manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ChallengeListen,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       serverIdleTimeout,
			MaxHeaderBytes:    serverMaxHeaderBytes,
		}
		wg.Go(func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ChallengeListen)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		})
	}

	var h3Server *http3.Server
	if s.cfg.HTTP3 && tlsConfig != nil {
		h3Server = &http3.Server{
			Addr:      ln.Addr().String(),
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
		}
		httpServer.Handler = withAltSvc(h3Server, handler)
		wg.Go(func() {
			s.log.Info("starting HTTP/3 server", "addr", h3Server.Addr)
			if err := h3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		})
	}

	wg.Go(func() {
		s.log.Info("starting relay", "addr", ln.Addr().String(), "tls", s.cfg.TLSMode, "http3", h3Server != nil)
		var err error
		if tlsConfig != nil {
			err = httpServer.Serve(tls.NewListener(ln, tlsConfig))
		} else {
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.hub.closeAll()
	if err := shutdownServer(httpServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if h3Server != nil {
		_ = h3Server.Close()
	}
	waitGroupWait(&s.hub.wg, watcherDrainTimeout)
	wg.Wait()
	return runErr
}

// withTimeout bounds store access per request. Watch streams are exempt.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == routeWatch {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withAltSvc(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) runJanitor(ctx context.Context) {
	period := s.cfg.JanitorInterval
	if period <= 0 {
		period = defaultJanitorPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.limiter == nil {
				continue
			}
			if removed := s.limiter.evictIdle(limiterIdleAge); removed > 0 {
				s.log.Debug("evicted idle rate limit buckets", "count", removed)
			}
		}
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
