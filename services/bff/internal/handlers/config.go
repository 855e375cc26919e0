package handlers

import (
	"net/http"

	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/services/bff/internal/config"
)

const envWarning = "SUPABASE_URL and SUPABASE_KEY are not set; sign-in and saved lists are disabled"

type publicConfig struct {
	Features         config.Features `json:"features"`
	PageSize         int             `json:"pageSize"`
	SearchDebounceMS int64           `json:"searchDebounceMs"`
	Configured       bool            `json:"configured"`
	EnvWarning       string          `json:"envWarning,omitempty"`
}

// PublicConfig handles GET /v1/config.
func PublicConfig(d Deps) http.HandlerFunc {
	out := publicConfig{
		Features:         d.Features,
		PageSize:         d.PageSize,
		SearchDebounceMS: d.SearchDebounce.Milliseconds(),
		Configured:       d.Configured,
	}
	if !d.Configured {
		out.EnvWarning = envWarning
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, out)
	}
}
