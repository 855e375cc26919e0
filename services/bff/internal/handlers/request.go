package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/appstate"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// decodeJSON reads up to maxRequestBodyBytes from r.Body and decodes JSON into dst.
// On failure it writes a 400 response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
		return false
	}
	return true
}

// stateFrom returns the browser-session container attached by the registry
// middleware. A missing container is a wiring bug and answers 500.
func stateFrom(w http.ResponseWriter, r *http.Request, rid string, log *zap.Logger) (*appstate.State, bool) {
	st, ok := appstate.FromContext(r.Context())
	if !ok {
		log.Error("no session container on request", zap.String("path", r.URL.Path))
		api.Internal(w, rid)
		return nil, false
	}
	return st, true
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// queryList accepts both ?genres=a,b and repeated ?genres=a&genres=b.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func errorCode(err error) string {
	var (
		ve *apperr.ValidationError
		re *apperr.RemoteError
		ne *apperr.NetworkError
	)
	switch {
	case errors.Is(err, apperr.ErrAuthRequired):
		return "AUTH_REQUIRED"
	case errors.Is(err, apperr.ErrNotConfigured):
		return "NOT_CONFIGURED"
	case errors.Is(err, apperr.ErrUnavailable):
		return "UNAVAILABLE"
	case errors.As(err, &ve):
		return "VALIDATION"
	case errors.As(err, &re):
		return "REMOTE"
	case errors.As(err, &ne):
		return "UPSTREAM"
	default:
		return "INTERNAL"
	}
}

// writeAppError maps a domain error onto the error envelope.
func writeAppError(w http.ResponseWriter, rid string, err error) {
	api.WriteError(w, apperr.HTTPStatus(err), errorCode(err), apperr.Message(err), rid, nil)
}

// writeMutation answers a user-data mutation with the {ok, error} shape.
func writeMutation(w http.ResponseWriter, err error) {
	if err == nil {
		api.WriteMutation(w, http.StatusOK, "")
		return
	}
	api.WriteMutation(w, apperr.HTTPStatus(err), apperr.Message(err))
}
