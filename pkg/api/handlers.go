// Package api exposes the write-safety core over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Caseline-Labs/caseline/core/pkg/docstore"
	"github.com/Caseline-Labs/caseline/core/pkg/entitylock"
	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/lifecycle"
	"github.com/Caseline-Labs/caseline/core/pkg/problem"
	"github.com/Caseline-Labs/caseline/core/pkg/sequence"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
	"github.com/google/uuid"
)

// Server exposes the write-safety core over HTTP. Routing stays thin: the
// invariants live in the component packages, the handlers translate their
// errors into problem details.
type Server struct {
	machine *lifecycle.Machine
	locks   *entitylock.Manager
	counter sequence.Counter
	docs    *docstore.S3Store
}

// NewServer wires the handler set.
func NewServer(machine *lifecycle.Machine, locks *entitylock.Manager, counter sequence.Counter) *Server {
	return &Server{
		machine: machine,
		locks:   locks,
		counter: counter,
	}
}

// WithDocstore enables the attachment endpoints. Without it they return 503.
func (s *Server) WithDocstore(docs *docstore.S3Store) *Server {
	s.docs = docs
	return s
}

// Routes registers the case endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /api/cases", s.createCase)
	mux.HandleFunc("GET /api/cases/{id}", s.getCase)
	mux.HandleFunc("POST /api/cases/{id}/transition", s.transitionCase)
	mux.HandleFunc("POST /api/cases/{id}/lock", s.acquireLock)
	mux.HandleFunc("DELETE /api/cases/{id}/lock", s.releaseLock)
	mux.HandleFunc("POST /api/cases/{id}/lock/heartbeat", s.heartbeatLock)
	mux.HandleFunc("POST /api/cases/{id}/attachments", s.putAttachment)
	mux.HandleFunc("GET /api/cases/{id}/attachments/{digest}", s.getAttachment)
}

type caseResponse struct {
	EntityID    string     `json:"entity_id"`
	Number      string     `json:"number,omitempty"`
	State       string     `json:"state"`
	Version     int64      `json:"version"`
	ParkedUntil *time.Time `json:"parked_until,omitempty"`
}

func toCaseResponse(inst *lifecycle.Instance, number string) caseResponse {
	return caseResponse{
		EntityID:    inst.EntityID,
		Number:      number,
		State:       string(inst.State),
		Version:     inst.Version,
		ParkedUntil: inst.ParkedUntil,
	}
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	// The counter is the single atomic source of case numbers; a failure
	// here aborts the unit of work rather than inventing an identifier.
	now := time.Now().UTC()
	seq, err := s.counter.Next(r.Context(), sequence.ScopeFor(actor.TenantID, "case", now))
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}
	number := fmt.Sprintf("CASE-%s-%05d", now.Format("20060102"), seq)

	entityID := uuid.New().String()
	inst, err := s.machine.Start(r.Context(), actor.TenantID, entityID, actor)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toCaseResponse(inst, number))
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	inst, err := s.machine.Store().Get(r.Context(), actor.TenantID, r.PathValue("id"))
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toCaseResponse(inst, ""))
}

type transitionRequest struct {
	To         string     `json:"to"`
	Annotation string     `json:"annotation,omitempty"`
	ResumeAt   *time.Time `json:"resume_at,omitempty"`
}

func (s *Server) transitionCase(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.To == "" {
		problem.WriteBadRequest(w, "missing target state")
		return
	}

	entityID := r.PathValue("id")
	inst, err := s.machine.Store().Get(r.Context(), actor.TenantID, entityID)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	// Advisory lock check: a transition on an entity someone else is
	// editing is rejected rather than silently applied.
	if lock, err := s.locks.Holder(r.Context(), actor.TenantID, entityID); err != nil {
		s.writeComponentError(w, r, err)
		return
	} else if lock != nil && lock.Holder != actor.ID {
		problem.WriteConflict(w, "case is locked by another actor", map[string]any{
			"holder":      lock.Holder,
			"acquired_at": lock.AcquiredAt,
		})
		return
	}

	updated, err := s.machine.Apply(r.Context(), inst, lifecycle.TransitionInput{
		To:         lifecycle.State(req.To),
		Annotation: req.Annotation,
		ResumeAt:   req.ResumeAt,
	}, actor)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toCaseResponse(updated, ""))
}

type lockResponse struct {
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	lock, err := s.locks.Acquire(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lockResponse{
		Holder:         lock.Holder,
		AcquiredAt:     lock.AcquiredAt,
		LastActivityAt: lock.LastActivityAt,
	})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	if err := s.locks.Release(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeComponentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeatLock(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	lock, err := s.locks.Heartbeat(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lockResponse{
		Holder:         lock.Holder,
		AcquiredAt:     lock.AcquiredAt,
		LastActivityAt: lock.LastActivityAt,
	})
}

const maxAttachmentBytes = 32 << 20 // 32 MiB

func (s *Server) putAttachment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}
	if s.docs == nil {
		problem.WriteDependencyUnavailable(w, "attachment store not configured")
		return
	}

	// The case must exist; attachments on unknown entities would orphan.
	if _, err := s.machine.Store().Get(r.Context(), actor.TenantID, r.PathValue("id")); err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAttachmentBytes+1))
	if err != nil {
		problem.WriteBadRequest(w, "failed to read request body")
		return
	}
	if len(data) > maxAttachmentBytes {
		problem.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "attachment exceeds 32 MiB")
		return
	}

	digest, err := s.docs.Put(r.Context(), actor.TenantID, data)
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"digest": digest})
}

func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.ActorFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}
	if s.docs == nil {
		problem.WriteDependencyUnavailable(w, "attachment store not configured")
		return
	}

	data, err := s.docs.Get(r.Context(), actor.TenantID, r.PathValue("digest"))
	if err != nil {
		s.writeComponentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// writeComponentError maps component errors onto the problem-detail
// taxonomy: client errors, retryable contention, forbidden, and fatal
// programmer errors (which must never be downgraded to client errors).
func (s *Server) writeComponentError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *entitylock.ConflictError
	var invalid *lifecycle.InvalidTransitionError

	switch {
	case errors.As(err, &conflict):
		problem.WriteConflict(w, "case is locked by another actor", map[string]any{
			"holder":           conflict.Holder,
			"acquired_at":      conflict.AcquiredAt,
			"last_activity_at": conflict.LastActivityAt,
		})
	case errors.As(err, &invalid):
		problem.WriteConflict(w, invalid.Error(), map[string]any{
			"from": string(invalid.From),
			"to":   string(invalid.To),
		})
	case errors.Is(err, lifecycle.ErrMissingAnnotation),
		errors.Is(err, lifecycle.ErrMissingResumeAt):
		problem.WriteUnprocessable(w, err.Error())
	case errors.Is(err, lifecycle.ErrStaleEntity):
		problem.WriteRetryableConflict(w, "case was modified concurrently, retry", 1)
	case errors.Is(err, lifecycle.ErrEntityNotFound):
		problem.WriteNotFound(w, "case not found")
	case errors.Is(err, entitylock.ErrNotHolder):
		problem.WriteForbidden(w, "caller does not hold the lock")
	case errors.Is(err, docstore.ErrUnavailable):
		problem.WriteDependencyUnavailable(w, docstore.DependencyName)
	case errors.Is(err, txn.ErrNoActiveTransaction):
		// Defect in the calling code, abort loudly.
		identity.LoggerFrom(r.Context()).Error("mutation outside unit of work", "component", "api", "path", r.URL.Path, "error", err)
		problem.WriteInternal(w)
	default:
		identity.LoggerFrom(r.Context()).Error("request failed", "component", "api", "path", r.URL.Path, "error", err)
		problem.WriteInternal(w)
	}
}
