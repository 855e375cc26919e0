package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/userdata"
)

// ListRatings handles GET /v1/me/ratings.
func ListRatings(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"ratings": st.Store.Ratings()})
	}
}

type ratingReq struct {
	Value int    `json:"value"`
	Type  string `json:"type"`
}

// PutRating handles PUT /v1/me/ratings/{id}. The rating is applied locally at
// once; the remote write is best effort.
func PutRating(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		var req ratingReq
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		writeMutation(w, st.Store.SetRating(r.Context(), chi.URLParam(r, "id"), req.Value, domain.ParseKind(req.Type)))
	}
}

// DeleteRating handles DELETE /v1/me/ratings/{id}?type=.
func DeleteRating(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		kind := domain.ParseKind(r.URL.Query().Get("type"))
		writeMutation(w, st.Store.ClearRating(r.Context(), chi.URLParam(r, "id"), kind))
	}
}

// ListLists handles GET /v1/me/lists.
func ListLists(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"lists": st.Store.Lists()})
	}
}

func listParam(w http.ResponseWriter, r *http.Request) (domain.ListName, bool) {
	name, ok := domain.ParseListName(chi.URLParam(r, "list"))
	if !ok {
		api.WriteMutation(w, http.StatusBadRequest, "Unknown list")
		return "", false
	}
	return name, true
}

// AddToList handles POST /v1/me/lists/{list} with body {id, type}.
func AddToList(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		list, ok := listParam(w, r)
		if !ok {
			return
		}
		var media userdata.Media
		if !decodeJSON(w, r, rid, &media) {
			return
		}
		media.ID = strings.TrimSpace(media.ID)
		writeMutation(w, st.Store.AddToList(r.Context(), list, media))
	}
}

// RemoveFromList handles DELETE /v1/me/lists/{list}/{id}?type=.
func RemoveFromList(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		list, ok := listParam(w, r)
		if !ok {
			return
		}
		media := userdata.Media{ID: chi.URLParam(r, "id"), Type: r.URL.Query().Get("type")}
		writeMutation(w, st.Store.RemoveFromList(r.Context(), list, media))
	}
}

type progressResponse struct {
	Enabled  bool `json:"enabled"`
	Found    bool `json:"found"`
	LastUnit int  `json:"lastUnit"`
}

// GetProgress handles GET /v1/me/progress/{id}?type=.
func GetProgress(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		media := userdata.Media{ID: chi.URLParam(r, "id"), Type: r.URL.Query().Get("type")}
		enabled := st.Store.ProgressEnabled(r.Context())
		v, found := st.Store.Progress(r.Context(), media)
		api.WriteJSON(w, http.StatusOK, progressResponse{Enabled: enabled, Found: found, LastUnit: v})
	}
}

type progressReq struct {
	LastUnit int    `json:"last_unit"`
	Type     string `json:"type"`
}

// PutProgress handles PUT /v1/me/progress/{id}.
func PutProgress(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		var req progressReq
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		media := userdata.Media{ID: chi.URLParam(r, "id"), Type: req.Type}
		writeMutation(w, st.Store.SetProgress(r.Context(), media, req.LastUnit))
	}
}
