// Package problem — RFC 7807 Problem Detail error responses for the Caseline API.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Detail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type Detail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Extra carries machine-readable conflict context (current holder,
	// current state) so retrying clients can decide without guessing.
	Extra map[string]any `json:"extra,omitempty"`
}

// Error implements the error interface.
func (p *Detail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, &Detail{
		Type:   fmt.Sprintf("https://caseline.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, &Detail{
		Type:     fmt.Sprintf("https://caseline.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteProblem writes a fully-populated problem detail.
func WriteProblem(w http.ResponseWriter, problem *Detail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response with optional machine-readable
// context (used for idempotency fingerprint mismatches, lock conflicts and
// illegal lifecycle transitions).
func WriteConflict(w http.ResponseWriter, detail string, extra map[string]any) {
	WriteProblem(w, &Detail{
		Type:   "https://caseline.dev/errors/409",
		Title:  "Conflict",
		Status: http.StatusConflict,
		Detail: detail,
		Extra:  extra,
	})
}

// WriteRetryableConflict writes a 409 with a Retry-After hint, used when a
// concurrent duplicate submission is still in flight.
func WriteRetryableConflict(w http.ResponseWriter, detail string, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	WriteConflict(w, detail, nil)
}

// WriteUnprocessable writes a 422 error response (validation failures such
// as a missing mandatory annotation).
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WriteDependencyUnavailable writes a 503 response for circuit-breaker
// short-circuits; distinct from validation errors so clients can back off.
func WriteDependencyUnavailable(w http.ResponseWriter, dependency string) {
	WriteError(w, http.StatusServiceUnavailable, "Dependency Unavailable",
		fmt.Sprintf("dependency %q is currently unavailable", dependency))
}

// WriteInternal writes a 500 error response without leaking internals.
func WriteInternal(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
}
