package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/browse"
	"github.com/komacorner/koma-corner/services/bff/internal/redirect"
)

// Library handles GET /v1/library?toggle=. toggle is "all" or a list name.
func Library(src Catalog, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		if !st.Coordinator.State().Authenticated() {
			api.Unauthorized(w, "AUTH_REQUIRED", "Not signed in", rid)
			return
		}
		toggle := strings.TrimSpace(r.URL.Query().Get("toggle"))
		if toggle == "" {
			toggle = browse.ToggleAll
		}
		items := browse.Library(r.Context(), src, toggle, st.Store.Ratings(), st.Store.Lists())
		api.WriteJSON(w, http.StatusOK, map[string]any{"toggle": toggle, "items": nonNil(items)})
	}
}

// Dashboard handles GET /v1/dashboard.
func Dashboard(src Catalog, events *analytics.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		user := st.Coordinator.State().User
		api.WriteJSON(w, http.StatusOK, browse.BuildDashboard(r.Context(), src, user, st.Store.Lists(), events))
	}
}

// ResolveRoute handles GET /v1/routes/resolve?path=.
func ResolveRoute(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			path = "/"
		}
		s := st.Coordinator.State()
		api.WriteJSON(w, http.StatusOK, redirect.ResolveRoute(path, redirect.SessionView{
			Checked:       s.Checked,
			Authenticated: s.Authenticated(),
		}))
	}
}

type redirectResponse struct {
	Safe bool   `json:"safe"`
	Path string `json:"path"`
}

// Redirect handles GET /v1/redirect?target=. Unsafe targets resolve to "/".
func Redirect(v *redirect.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		if v == nil {
			api.ServiceUnavailable(w, "NOT_CONFIGURED", "redirect validation is not configured", rid)
			return
		}
		path := v.SafeRedirectFromQuery(r.URL.RawQuery, "target", "")
		out := redirectResponse{Safe: path != "", Path: path}
		if !out.Safe {
			out.Path = "/"
		}
		api.WriteJSON(w, http.StatusOK, out)
	}
}
