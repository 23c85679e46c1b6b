package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/netutil"
)

type updateRequest struct {
	URL json.RawMessage `json:"url"`
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleRead(w, r)
	case http.MethodPost:
		s.handleUpdate(w, r)
	default:
		s.handleNotFound(w, r)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.store.Get(r.Context())
	if err != nil {
		s.log.Error("endpoint read failed", "err", err)
		writeError(w, err, "endpoint storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, domain.NewTunnelResponse(rec, ok))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		if ok, wait := s.limiter.take(netutil.ClientIP(r.RemoteAddr)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, domain.ErrRateLimited, "too many endpoint updates, slow down")
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
				Error:   domain.CodeInvalidInput,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			})
			return
		}
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err), "could not read request body")
		return
	}

	u, err := decodeUpdateURL(raw)
	if err != nil {
		writeError(w, err, "a non-empty string url is required")
		return
	}
	if err := s.policy.Check(u); err != nil {
		s.log.Info("endpoint update rejected", "url", u, "err", err)
		writeError(w, err, publicMessage(err))
		return
	}

	rec, err := s.store.Put(r.Context(), u)
	if err != nil {
		s.log.Error("endpoint write failed", "url", u, "err", err)
		writeError(w, err, "endpoint storage unavailable")
		return
	}

	s.metrics.recordUpdate(rec)
	s.hub.broadcast(domain.NewTunnelResponse(rec, true))
	s.log.Info("endpoint updated", "url", rec.URL, "remote_addr", netutil.ClientIP(r.RemoteAddr))

	writeJSON(w, http.StatusOK, domain.UpdateResponse{
		Success:   true,
		URL:       rec.URL,
		UpdatedAt: rec.UpdatedAt.UTC(),
	})
}

// decodeUpdateURL extracts the url field from an update body. Unknown
// fields are ignored.
func decodeUpdateURL(raw []byte) (string, error) {
	var req updateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)
	}
	if len(req.URL) == 0 || string(req.URL) == "null" {
		return "", fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}
	var u string
	if err := json.Unmarshal(req.URL, &u); err != nil {
		return "", fmt.Errorf("%w: url must be a string", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(u) == "" {
		return "", fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}
	return u, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, domain.ErrorResponse{
		Error:              domain.CodeNotFound,
		Message:            fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		AvailableEndpoints: availableEndpoints,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUntrustedEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoEndpointKnown):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the client-facing message for validation errors.
func publicMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{domain.ErrInvalidInput, domain.ErrUntrustedEndpoint} {
		if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
			return rest
		}
	}
	return msg
}

func writeError(w http.ResponseWriter, err error, message string) {
	writeJSON(w, statusForError(err), domain.ErrorResponse{
		Error:   domain.ErrorCode(err),
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
