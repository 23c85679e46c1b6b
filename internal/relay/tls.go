package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/tunnelrelay/internal/config"
)

// tlsSetup returns the listener TLS config for the configured mode, plus the
// ACME manager when certificates are obtained automatically. Both are nil
// when TLS is off.
func (s *Server) tlsSetup() (*tls.Config, *autocert.Manager, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		subject := ""
		if len(cert.Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
				subject = leaf.Subject.String()
			}
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", subject)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil, nil
	case config.TLSModeAuto:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: s.hostPolicy,
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return tlsConfig, manager, nil
	default:
		return nil, nil, nil
	}
}

func (s *Server) hostPolicy(_ context.Context, host string) error {
	if normalizeHost(host) == normalizeHost(s.cfg.Domain) {
		return nil
	}
	return fmt.Errorf("host %q not allowed", host)
}

type serverErrorLogWriter struct {
	log *slog.Logger
}

func (w *serverErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	if idx := strings.Index(line, marker); idx >= 0 {
		addr, reason, _ := strings.Cut(line[idx+len(marker):], ": ")
		w.log.Debug("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", strings.TrimSpace(reason))
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}
