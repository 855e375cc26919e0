package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/browse"
)

// Discover handles GET /v1/discover. It resets the session's pager to the
// given filters and returns the first page.
func Discover(events *analytics.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		f := browse.Filters{
			Kind:   browse.ParseKindFilter(r.URL.Query().Get("kind")),
			Genres: queryList(r, "genres"),
			Query:  strings.TrimSpace(r.URL.Query().Get("q")),
		}
		snap := st.Pager.Reset(r.Context(), f)
		if f.Query != "" {
			events.Track(analytics.EventSearch, userIDFrom(r), map[string]any{
				"kind":    string(f.Kind),
				"results": len(snap.Items),
				"source":  "discover",
			})
		}
		api.WriteJSON(w, http.StatusOK, snap)
	}
}

// DiscoverMore handles POST /v1/discover/more.
func DiscoverMore(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		api.WriteJSON(w, http.StatusOK, st.Pager.LoadMore(r.Context()))
	}
}
