package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// RecoveryMiddleware keeps a panic in one session's handler from taking down
// every other connection in the process.
//
// http.ErrAbortHandler is re-raised: net/http uses it to abort a response on
// purpose and logs it quietly, and suppressing it here would turn deliberate
// aborts into 500s. For everything else the panic is logged with its stack
// and a 500 is attempted; on a websocket session the connection is already
// hijacked by then, so the write quietly goes nowhere and the client simply
// sees the socket drop and reconnects.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
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

				logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"stack", string(debug.Stack()),
				)

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
