// Package appstate owns the per-browser-session containers: one session
// coordinator, user-data store and discover pager per kc_sid cookie.
package appstate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/auth"
	"github.com/komacorner/koma-corner/services/bff/internal/browse"
	"github.com/komacorner/koma-corner/services/bff/internal/config"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/metrics"
	"github.com/komacorner/koma-corner/services/bff/internal/redirect"
	"github.com/komacorner/koma-corner/services/bff/internal/session"
	"github.com/komacorner/koma-corner/services/bff/internal/userdata"
)

// CookieName carries the browser session id.
const CookieName = "kc_sid"

// DefaultIdleTTL is how long an unused container is kept.
const DefaultIdleTTL = 30 * time.Minute

// DefaultMaxSessions bounds the number of live containers.
const DefaultMaxSessions = 10000

type Deps struct {
	Catalog        browse.Source
	Auth           session.Auth
	Bus            session.Bus
	Backend        userdata.Backend
	Redirect       *redirect.Validator
	Analytics      *analytics.Publisher
	Features       config.Features
	PageSize       int
	SignOutTimeout time.Duration
	IdleTTL        time.Duration
	// MaxSessions caps live containers. Creating one past the cap evicts the
	// least recently used.
	MaxSessions int
	// SecureCookie marks the session cookie Secure, e.g. when the frontend is
	// served over https behind a TLS-terminating proxy.
	SecureCookie bool
	Metrics      metrics.Recorder
	Logger       *zap.Logger
}

// State is the application state of one browser session.
type State struct {
	ID          string
	Coordinator *session.Coordinator
	Store       *userdata.Store
	Pager       *browse.Pager

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *State) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *State) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *State) stop() {
	s.Coordinator.Stop()
	s.Store.Wait()
}

// Registry maps session ids to containers.
type Registry struct {
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IdleTTL <= 0 {
		deps.IdleTTL = DefaultIdleTTL
	}
	if deps.MaxSessions <= 0 {
		deps.MaxSessions = DefaultMaxSessions
	}
	if deps.Bus == nil {
		deps.Bus = session.NewLocalBus()
	}
	deps.Metrics = metrics.OrNop(deps.Metrics)
	return &Registry{
		deps:   deps,
		log:    deps.Logger.With(zap.String("module", "appstate")),
		now:    time.Now,
		states: make(map[string]*State),
	}
}

func (r *Registry) newState(id string) *State {
	st := &State{ID: id}
	st.Store = userdata.NewStore(r.deps.Backend, func() (domain.Session, bool) {
		return st.Coordinator.Session()
	}, r.deps.Features, r.deps.Logger.With(zap.String("sid", id)))
	st.Coordinator = session.New(id, session.Options{
		Auth:           r.deps.Auth,
		Bus:            r.deps.Bus,
		UserData:       st.Store,
		Redirect:       r.deps.Redirect,
		Analytics:      r.deps.Analytics,
		SignOutTimeout: r.deps.SignOutTimeout,
		Logger:         r.deps.Logger,
	})
	st.Pager = browse.NewPager(r.deps.Catalog, r.deps.PageSize, r.deps.Logger)
	return st
}

// Get returns the container for id, creating and starting it when missing or
// when id is not a valid session id. created reports a fresh container whose id
// the caller must hand back to the browser.
func (r *Registry) Get(ctx context.Context, id, accessToken string) (st *State, created bool) {
	if _, err := uuid.Parse(id); err != nil {
		id = ""
	}
	now := r.now()
	var evicted *State
	r.mu.Lock()
	if id != "" {
		st = r.states[id]
	}
	if st == nil {
		if id == "" {
			id = uuid.NewString()
		}
		if len(r.states) >= r.deps.MaxSessions {
			evicted = r.evictOldestLocked()
		}
		st = r.newState(id)
		r.states[id] = st
		created = true
	}
	n := len(r.states)
	r.mu.Unlock()
	st.touch(now)
	if evicted != nil {
		r.log.Debug("session cap reached, evicted least recently used", zap.Int("max", r.deps.MaxSessions))
		evicted.stop()
	}

	if created {
		r.deps.Metrics.SetActiveSessions(n)
		st.Coordinator.Start(ctx, accessToken)
		return st, true
	}
	st.Coordinator.Refresh(ctx, accessToken)
	return st, false
}

func (r *Registry) evictOldestLocked() *State {
	var oldest *State
	for _, st := range r.states {
		if oldest == nil || st.idleSince().Before(oldest.idleSince()) {
			oldest = st
		}
	}
	if oldest != nil {
		delete(r.states, oldest.ID)
	}
	return oldest
}

// Lookup returns an existing container without creating one.
func (r *Registry) Lookup(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	return st, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Sweep evicts containers idle for longer than the idle TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.deps.IdleTTL)
	var evicted []*State
	r.mu.Lock()
	for id, st := range r.states {
		if st.idleSince().Before(cutoff) {
			delete(r.states, id)
			evicted = append(evicted, st)
		}
	}
	n := len(r.states)
	r.mu.Unlock()

	for _, st := range evicted {
		st.stop()
	}
	if len(evicted) > 0 {
		r.log.Debug("evicted idle sessions", zap.Int("evicted", len(evicted)), zap.Int("active", n))
	}
	r.deps.Metrics.SetActiveSessions(n)
	return len(evicted)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.deps.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Close stops every container.
func (r *Registry) Close() {
	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*State)
	r.mu.Unlock()
	for _, st := range states {
		st.stop()
	}
	r.deps.Metrics.SetActiveSessions(0)
}

type ctxKeyState struct{}

// FromContext returns the container attached by Middleware.
func FromContext(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKeyState{}).(*State)
	return st, ok && st != nil
}

// WithState attaches st to ctx. Useful for testing.
func WithState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, ctxKeyState{}, st)
}

// Middleware resolves the kc_sid cookie to a container and issues a new cookie
// when one was created. It expects auth.CaptureBearer to run first.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := ""
		if c, err := req.Cookie(CookieName); err == nil {
			id = c.Value
		}
		token, _ := auth.AccessTokenFromContext(req.Context())
		st, created := r.Get(req.Context(), id, token)
		if created {
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    st.ID,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.deps.SecureCookie || req.TLS != nil,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   int(r.deps.IdleTTL.Seconds()),
			})
		}
		next.ServeHTTP(w, req.WithContext(WithState(req.Context(), st)))
	})
}
