package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyServer is the context key under which the prepopulated
	// *db.Server is stored by ServerCtx.
	contextKeyServer contextKey = iota
)

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Metrics counts requests per route pattern and status code.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		})
	}
}

// Connected short-circuits with 503 while the named backend reports
// disconnected. Routes that publish to the bus or create workflow jobs use
// it as a precondition so requests fail fast instead of timing out.
func Connected(backend string, connected func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !connected() {
				ErrServiceUnavailable(w, r, backend)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServerCtx loads the server named by the {uuid} URL parameter into the
// request context, 404ing when it does not exist. Handlers below it read
// the record with serverFromCtx instead of repeating the lookup.
func ServerCtx(servers store.ServerRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "uuid"))
			if err != nil {
				ErrNotFound(w, r, "no such server")
				return
			}
			server, err := servers.Get(r.Context(), id)
			if err != nil {
				if !respondStoreErr(w, r, err) {
					ErrInternal(w, r)
				}
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyServer, server)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// serverFromCtx retrieves the server stored by ServerCtx. Only call it
// below that middleware.
func serverFromCtx(ctx context.Context) *db.Server {
	server, _ := ctx.Value(contextKeyServer).(*db.Server)
	return server
}
