// Package relay implements the HTTP service that stores and serves the
// current tunnel endpoint.
package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/koltyakov/tunnelrelay/internal/config"
	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/endpoint"
)

// Store is the endpoint storage the relay reads and writes.
type Store interface {
	Get(ctx context.Context) (domain.EndpointRecord, bool, error)
	Put(ctx context.Context, url string) (domain.EndpointRecord, error)
}

type Server struct {
	cfg     config.RelayConfig
	store   Store
	log     *slog.Logger
	policy  endpoint.Policy
	limiter *writeLimiter
	hub     *hub
	metrics *Metrics
	handler http.Handler
}

const (
	routeTunnel  = "/tunnel"
	routeWatch   = "/tunnel/watch"
	routeHealthz = "/healthz"
)

// availableEndpoints is listed in 404 responses.
var availableEndpoints = []string{
	"GET " + routeTunnel,
	"POST " + routeTunnel,
	"GET " + routeWatch,
	"GET " + routeHealthz,
}

const defaultMaxBodyBytes = 16 * 1024

// New builds a relay server. A nil metrics value gets a fresh registry.
func New(cfg config.RelayConfig, store Store, logger *slog.Logger, metrics *Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		log:     logger,
		policy:  endpoint.NewPolicy(cfg.AllowHosts),
		hub:     newHub(),
		metrics: metrics,
	}
	if cfg.WriteRate > 0 {
		s.limiter = newWriteLimiter(cfg.WriteRate, float64(cfg.WriteBurst))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(routeTunnel, s.handleTunnel)
	mux.HandleFunc(routeWatch, s.handleWatch)
	mux.HandleFunc(routeHealthz, s.handleHealthz)
	mux.HandleFunc("/", s.handleNotFound)
	s.handler = s.withRequestContext(withCORS(mux))
	return s
}

// Handler returns the relay's HTTP handler with CORS, request ids, metrics
// and access logging applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}
