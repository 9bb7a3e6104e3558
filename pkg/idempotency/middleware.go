package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/problem"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// HeaderKey is the request header carrying the client-supplied key.
const HeaderKey = "Idempotency-Key"

// responseCapture wraps http.ResponseWriter to capture the response for
// the replay cache while streaming it to the client.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware ensures that mutating requests carrying an Idempotency-Key
// are processed exactly once per key. Duplicates of a committed request
// receive the cached response; the cache is populated only when the
// request's unit of work committed, which the inner transaction
// middleware reports through the txn.Outcome carrier installed here.
func Middleware(coord *Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderKey)
			if key == "" {
				// Idempotency is opt-in per call site.
				next.ServeHTTP(w, r)
				return
			}

			actor, err := identity.ActorFrom(r.Context())
			if err != nil {
				problem.WriteUnauthorized(w, "")
				return
			}

			// The body is consumed for fingerprinting and restored for
			// the handler.
			body, err := io.ReadAll(r.Body)
			if err != nil {
				problem.WriteBadRequest(w, "unreadable request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := Fingerprint(r.Method, r.URL.Path, body)

			res, err := coord.Reserve(r.Context(), actor, key, fingerprint)
			switch {
			case errors.Is(err, ErrFingerprintConflict):
				problem.WriteConflict(w, "idempotency key was already used for a different request", nil)
				return
			case errors.Is(err, ErrReservationPending):
				problem.WriteRetryableConflict(w, "an identical request is still being processed", 1)
				return
			case err != nil:
				problem.WriteInternal(w)
				return
			}

			if res.Replay != nil {
				if res.Replay.ContentType != "" {
					w.Header().Set("Content-Type", res.Replay.ContentType)
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(res.Replay.StatusCode)
				_, _ = w.Write(res.Replay.Body)
				return
			}

			ctx, outcome := txn.WithOutcome(r.Context())
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			// Finalization runs in a defer on an uncancelable context:
			// the reservation must resolve even when the client has gone
			// away or the handler panics, or the record stays PENDING
			// and rejects every retry of this key until retention
			// expires. The status predicate matches the transaction
			// guard's commit predicate.
			defer func() {
				committed := outcome.Committed() &&
					capture.statusCode < http.StatusBadRequest
				_ = coord.Finalize(context.WithoutCancel(r.Context()), res,
					committed, capture.statusCode,
					capture.Header().Get("Content-Type"),
					capture.body.Bytes())
			}()

			next.ServeHTTP(capture, r.WithContext(ctx))
		})
	}
}
