package domain

import "time"

// TunnelResponse is the JSON body of GET /tunnel and of watch messages.
// Both fields are null when no endpoint is known.
type TunnelResponse struct {
	URL       *string    `json:"url"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// UpdateResponse is the JSON body returned on a successful POST /tunnel.
type UpdateResponse struct {
	Success   bool      `json:"success"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrorResponse is the JSON body returned by the relay for structured errors.
type ErrorResponse struct {
	Error              string   `json:"error"`
	Message            string   `json:"message"`
	AvailableEndpoints []string `json:"availableEndpoints,omitempty"`
}

// NewTunnelResponse builds the read response for rec; ok=false yields the
// explicit "no endpoint known" form.
func NewTunnelResponse(rec EndpointRecord, ok bool) TunnelResponse {
	if !ok || rec.URL == "" {
		return TunnelResponse{}
	}
	u := rec.URL
	ts := rec.UpdatedAt.UTC()
	return TunnelResponse{URL: &u, UpdatedAt: &ts}
}

// Record converts a read response back into a record; ok is false when the
// response carries no URL.
func (r TunnelResponse) Record() (EndpointRecord, bool) {
	if r.URL == nil || *r.URL == "" {
		return EndpointRecord{}, false
	}
	rec := EndpointRecord{URL: *r.URL}
	if r.UpdatedAt != nil {
		rec.UpdatedAt = r.UpdatedAt.UTC()
	}
	return rec, true
}
