package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/appstate"
	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

const maxBatchIDs = 500

func pageQuery(r *http.Request, defPerPage int) catalog.Query {
	return catalog.Query{
		Search:  strings.TrimSpace(r.URL.Query().Get("q")),
		Kind:    domain.ParseKind(r.URL.Query().Get("kind")),
		Page:    queryInt(r, "page", 1, 1, 10000),
		PerPage: queryInt(r, "per_page", defPerPage, 1, 50),
		Status:  strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
		Genres:  queryList(r, "genres"),
	}
}

// userIDFrom returns the signed-in user's id when a session container is attached.
func userIDFrom(r *http.Request) string {
	st, ok := appstate.FromContext(r.Context())
	if !ok {
		return ""
	}
	if u := st.Coordinator.State().User; u != nil {
		return u.ID
	}
	return ""
}

// Trending handles GET /v1/catalog/trending.
func Trending(src Catalog, perPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := pageQuery(r, perPage)
		q.Search = ""
		items := src.Trending(r.Context(), q)
		api.WriteJSON(w, http.StatusOK, map[string]any{"items": nonNil(items), "page": q.Page})
	}
}

// Search handles GET /v1/catalog/search.
func Search(src Catalog, perPage int, events *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := pageQuery(r, perPage)
		// a blank query is served as trending by the catalog client
		items := src.Search(r.Context(), q)
		if q.Search != "" {
			events.Track(analytics.EventSearch, userIDFrom(r), map[string]any{
				"kind":    string(q.Kind),
				"results": len(items),
				"source":  "http",
			})
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"items": nonNil(items), "page": q.Page})
	}
}

// Title handles GET /v1/titles/{id}.
func Title(src Catalog, events *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if _, ok := domain.ParseID(id); !ok {
			api.BadRequest(w, "INVALID_ID", "id must be a positive integer", rid, nil)
			return
		}
		detail := src.Details(r.Context(), id)
		if detail == nil {
			api.NotFound(w, "NOT_FOUND", "title not found", rid)
			return
		}
		events.Track(analytics.EventTitleViewed, userIDFrom(r), map[string]any{
			"media_id":   id,
			"media_kind": string(detail.MediaKind),
		})
		api.WriteJSON(w, http.StatusOK, detail)
	}
}

// Recommendations handles GET /v1/titles/{id}/recommendations.
func Recommendations(src Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if _, ok := domain.ParseID(id); !ok {
			api.BadRequest(w, "INVALID_ID", "id must be a positive integer", rid, nil)
			return
		}
		items := src.Recommendations(r.Context(), id, queryInt(r, "per_page", 12, 1, 50))
		api.WriteJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
	}
}

// mediaID accepts an id sent either as a JSON number or as a string.
type mediaID string

func (m *mediaID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			*m = mediaID(strconv.FormatInt(int64(f), 10))
			return nil
		}
		*m = mediaID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = mediaID(s)
	return nil
}

type batchReq struct {
	IDs []mediaID `json:"ids"`
}

// Batch handles POST /v1/titles/batch.
func Batch(src Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req batchReq
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if len(req.IDs) > maxBatchIDs {
			api.BadRequest(w, "TOO_MANY_IDS", "too many ids", rid, map[string]any{"max": maxBatchIDs})
			return
		}
		ids := make([]string, len(req.IDs))
		for i, id := range req.IDs {
			ids[i] = string(id)
		}
		items := src.MinimalByIDs(r.Context(), ids)
		api.WriteJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
	}
}

// nonNil keeps empty results encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
