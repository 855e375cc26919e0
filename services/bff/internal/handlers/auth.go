package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/api"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/services/bff/internal/session"
)

type sessionResponse struct {
	session.State
	Configured bool `json:"configured"`
}

// GetSession handles GET /v1/session.
func GetSession(configured bool, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		api.WriteJSON(w, http.StatusOK, sessionResponse{State: st.Coordinator.State(), Configured: configured})
	}
}

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Next is where the sign-up confirmation link lands.
	Next string `json:"next,omitempty"`
}

// SignIn handles POST /v1/auth/sign-in.
func SignIn(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		var req credentialsReq
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		state, err := st.Coordinator.SignIn(r.Context(), req.Email, req.Password)
		if err != nil {
			log.Debug("sign-in failed", zap.String("request_id", rid), zap.Error(err))
			writeAppError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, state)
	}
}

type signUpResponse struct {
	session.State
	ConfirmationPending bool `json:"confirmationPending"`
}

// SignUp handles POST /v1/auth/sign-up. When the backend requires email
// confirmation the state stays anonymous and confirmationPending is set.
func SignUp(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		var req credentialsReq
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		state, err := st.Coordinator.SignUp(r.Context(), req.Email, req.Password, req.Next)
		if err != nil {
			log.Debug("sign-up failed", zap.String("request_id", rid), zap.Error(err))
			writeAppError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, signUpResponse{State: state, ConfirmationPending: !state.Authenticated()})
	}
}

type navigation struct {
	To      string `json:"to"`
	Replace bool   `json:"replace"`
}

type signOutResponse struct {
	session.Outcome
	// ClearToken tells the frontend to discard the access token it holds.
	ClearToken bool        `json:"clearToken"`
	Navigate   *navigation `json:"navigate,omitempty"`
}

// SignOut handles POST /v1/auth/sign-out. The navigation the coordinator
// performs is returned for the frontend to apply.
func SignOut(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		st, ok := stateFrom(w, r, rid, log)
		if !ok {
			return
		}
		var nav *navigation
		out := st.Coordinator.SignOut(r.Context(), func(path string, replace bool) error {
			nav = &navigation{To: path, Replace: replace}
			return nil
		})
		if out.Err != nil {
			log.Info("sign-out completed locally", zap.String("request_id", rid), zap.Error(out.Err))
		}
		api.WriteJSON(w, http.StatusOK, signOutResponse{Outcome: out, ClearToken: !out.Skipped, Navigate: nav})
	}
}
