package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"promptcache-gateway/internal/apierr"
	"promptcache-gateway/pkg/logging"
)

// Recoverer turns a panic into a logged 500 with the usual error body.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				apierr.WriteStatus(w, http.StatusInternalServerError, "api_error", "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
