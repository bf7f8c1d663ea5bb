package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"campusnotify/internal/model"
	logx "campusnotify/pkg/logx"
)

type actorKey struct{}

var (
	adminActor = model.Actor{ID: "admin-token", Role: model.RoleAdmin}
	anonymous  = model.Actor{ID: "anonymous", Role: "user"}
)

func actorFrom(ctx context.Context) model.Actor {
	if a, ok := ctx.Value(actorKey{}).(model.Actor); ok {
		return a
	}
	return anonymous
}

// authenticate resolves the caller. No Authorization header is an anonymous
// user; a bearer token equal to the configured admin token is the admin;
// anything else is rejected with 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := anonymous
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if tok == "" || !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			actor = adminActor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).IsAdmin() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: model.ErrUnauthorized.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe counts requests per route pattern and logs each one.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.deps.Telemetry.HTTPRequest(route, status)

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= 500 {
			s.log.Warn("http request failed", fields...)
		} else {
			s.log.Debug("http request", fields...)
		}
	})
}
