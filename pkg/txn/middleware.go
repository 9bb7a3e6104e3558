package txn

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/problem"
)

// errHandlerFailed signals Execute to roll back without replacing the
// handler's own response.
var errHandlerFailed = errors.New("handler reported failure")

// bufferedWriter holds the handler's response until the unit of work has
// resolved, so a response whose writes did not persist never leaves the
// process.
type bufferedWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), code: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) { b.code = code }

func (b *bufferedWriter) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.code)
	_, _ = w.Write(b.body.Bytes())
}

// Middleware wraps mutating requests in a unit of work. The handler's
// response is buffered and released only after commit or rollback; any
// 4xx/5xx status rolls the unit of work back while the response itself is
// still returned to the client.
func Middleware(runner *Runner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				// Reads run outside transactional enforcement, flagged
				// deliberately rather than defaulted.
				next.ServeHTTP(w, r.WithContext(Skip(r.Context(), runner.DB)))
				return
			}

			buf := newBufferedWriter()
			err := runner.Execute(r.Context(), func(ctx context.Context) error {
				next.ServeHTTP(buf, r.WithContext(ctx))
				if buf.code >= http.StatusBadRequest {
					return errHandlerFailed
				}
				return nil
			})

			if err != nil && !errors.Is(err, errHandlerFailed) {
				identity.LoggerFrom(r.Context()).Error("unit of work failed",
					"component", "txn", "path", r.URL.Path, "error", err)
				problem.WriteInternal(w)
				return
			}
			buf.flush(w)
		})
	}
}
