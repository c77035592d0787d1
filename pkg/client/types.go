package client

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SeedResponse is the answer of the seed endpoint. Seeded is echoed to the
// operator verbatim, so its shape is up to the service.
type SeedResponse struct {
	Seeded json.RawMessage `json:"seeded,omitempty"`
}

// BootstrapResponse is the answer of the bootstrap endpoint.
type BootstrapResponse struct {
	Loaded map[string]int `json:"loaded"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx answer from a service.
type StatusError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	case e.Body != "":
		return fmt.Sprintf("status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	default:
		return fmt.Sprintf("status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
}
