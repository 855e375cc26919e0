package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/auth"
	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// AuthClient is a GoTrue client. When a JWT secret is configured, sessions are
// verified locally instead of calling /user.
type AuthClient struct {
	base
	verifier auth.JWTVerifier
	now      func() time.Time
}

func NewAuthClient(rawURL, apiKey string, jwtSecret []byte, opts ...Option) *AuthClient {
	return &AuthClient{
		base:     newBase(rawURL, apiKey, opts),
		verifier: auth.JWTVerifier{Secret: jwtSecret},
		now:      time.Now,
	}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	User         *userResponse `json:"user"`
}

func (c *AuthClient) session(t tokenResponse) *domain.Session {
	if t.AccessToken == "" || t.User == nil {
		return nil
	}
	s := &domain.Session{
		User:         domain.UserIdentity{ID: t.User.ID, Email: t.User.Email},
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInWithPassword exchanges email and password for a session.
func (c *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	var out tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentials{Email: email, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	s := c.session(out)
	if s == nil {
		return nil, &apperr.RemoteError{Message: "sign-in returned no session"}
	}
	return s, nil
}

// SignUp registers a user. With email confirmation enabled the response has no
// tokens and a nil session is returned.
func (c *AuthClient) SignUp(ctx context.Context, email, password, redirectTo string) (*domain.Session, error) {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	var out tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		query:  q,
		body:   credentials{Email: email, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	return c.session(out), nil
}

// SignOut revokes the session behind accessToken.
func (c *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/v1/logout", token: accessToken}, nil)
}

// GetUser returns the user behind accessToken.
func (c *AuthClient) GetUser(ctx context.Context, accessToken string) (domain.UserIdentity, error) {
	var out userResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user", token: accessToken}, &out); err != nil {
		return domain.UserIdentity{}, err
	}
	return domain.UserIdentity{ID: out.ID, Email: out.Email}, nil
}

// GetSession resolves accessToken to a session. Invalid, expired or revoked
// tokens yield a nil session without error.
func (c *AuthClient) GetSession(ctx context.Context, accessToken string) (*domain.Session, error) {
	if accessToken == "" {
		return nil, nil
	}
	if c.verifier.Enabled() {
		claims, err := c.verifier.Parse(accessToken)
		if err != nil {
			c.log.Debug("access token rejected", zap.Error(err))
			return nil, nil
		}
		s := &domain.Session{
			User:        domain.UserIdentity{ID: claims.Subject, Email: claims.Email},
			AccessToken: accessToken,
		}
		if claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time.UTC()
		}
		return s, nil
	}
	u, err := c.GetUser(ctx, accessToken)
	if err != nil {
		var re *apperr.RemoteError
		var ne *apperr.NetworkError
		if (errors.As(err, &re) && (re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden)) ||
			(errors.As(err, &ne) && (ne.Status == http.StatusUnauthorized || ne.Status == http.StatusForbidden)) {
			return nil, nil
		}
		return nil, err
	}
	if u.ID == "" {
		return nil, nil
	}
	return &domain.Session{User: u, AccessToken: accessToken}, nil
}
