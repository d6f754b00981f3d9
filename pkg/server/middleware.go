package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// ActorHeader carries the authenticated login. Authentication happens in
// front of this service.
const ActorHeader = "X-Triage-User"

type actorKey struct{}

// Logger attaches a request-scoped logger to the request context and logs
// each completed request.
func Logger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reqLogger := logger.With().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", req.RemoteAddr).
				Str("request_id", middleware.GetReqID(req.Context())).
				Logger()

			ctx := reqLogger.WithContext(req.Context())
			req = req.WithContext(ctx)

			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)

			reqLogger.Debug().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// Actor reads the acting login from ActorHeader.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		actor := req.Header.Get(ActorHeader)
		ctx := context.WithValue(req.Context(), actorKey{}, actor)
		if actor != "" {
			l := zerolog.Ctx(ctx).With().Str("actor", actor).Logger()
			ctx = l.WithContext(ctx)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// ActorFrom returns the acting login, or "" for anonymous requests.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
