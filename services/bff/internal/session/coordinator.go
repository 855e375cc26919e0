// Package session mirrors the BaaS auth state for one browser session and
// coordinates sign-in, sign-out and user-data reloads around it.
package session

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/domain"
	"github.com/komacorner/koma-corner/services/bff/internal/redirect"
)

// DefaultSignOutTimeout bounds the remote sign-out call.
const DefaultSignOutTimeout = 4 * time.Second

// maxDroppedTokens caps how many signed-out access tokens a session remembers.
const maxDroppedTokens = 16

// ErrSignOutTimeout is reported when the remote sign-out does not answer in time.
var ErrSignOutTimeout = errors.New("sign-out timed out")

// Auth is the BaaS auth surface the coordinator drives. A nil session with a
// nil error means anonymous (or, for SignUp, that confirmation is pending).
type Auth interface {
	GetSession(ctx context.Context, accessToken string) (*domain.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error)
	SignUp(ctx context.Context, email, password, redirectTo string) (*domain.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// UserData is the per-user cache reloaded on sign-in and emptied on sign-out.
type UserData interface {
	Load(ctx context.Context) error
	Clear()
}

// State is the observable auth state. Checked turns true once and stays true.
type State struct {
	Checked bool                 `json:"checked"`
	User    *domain.UserIdentity `json:"user"`
	Session *domain.Session      `json:"-"`
}

func (s State) Authenticated() bool {
	return s.User != nil
}

type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a user-facing toast.
type Notice struct {
	Kind    NoticeKind `json:"type"`
	Message string     `json:"message"`
}

// Outcome reports what SignOut did. Skipped is set when another sign-out was
// already running.
type Outcome struct {
	Skipped bool   `json:"skipped"`
	Remote  bool   `json:"remote"`
	Notice  Notice `json:"notice"`
	Err     error  `json:"-"`
}

type Options struct {
	Auth           Auth
	Bus            Bus
	UserData       UserData
	Redirect       *redirect.Validator
	Analytics      *analytics.Publisher
	SignOutTimeout time.Duration
	Logger         *zap.Logger
}

// Coordinator owns the auth state of one browser session.
type Coordinator struct {
	id     string
	origin string
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	watchers map[int]func(State)
	nextW    int
	unsub    func()
	stopped  bool
	// dropped holds access tokens cleared by a sign-out. The browser may keep
	// presenting them, and the BaaS still accepts them until they expire.
	dropped []string

	signingOut atomic.Bool
	loads      sync.WaitGroup
}

// New creates a coordinator for the browser session id. Call Start before use.
func New(id string, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = NewLocalBus()
	}
	if opts.SignOutTimeout <= 0 {
		opts.SignOutTimeout = DefaultSignOutTimeout
	}
	return &Coordinator{
		id:       id,
		origin:   uuid.NewString(),
		opts:     opts,
		log:      opts.Logger.With(zap.String("sid", id)),
		watchers: make(map[int]func(State)),
	}
}

func (c *Coordinator) ID() string { return c.id }

// Configured reports whether a BaaS is wired.
func (c *Coordinator) Configured() bool { return c.opts.Auth != nil }

// Start probes the session for accessToken and subscribes to auth events. Probe
// failures leave the session checked and anonymous.
func (c *Coordinator) Start(ctx context.Context, accessToken string) {
	c.mu.Lock()
	if c.unsub == nil && !c.stopped {
		unsub, err := c.opts.Bus.Subscribe(c.handleEvent)
		if err != nil {
			c.log.Warn("auth event subscription failed", zap.Error(err))
		} else {
			c.unsub = unsub
		}
	}
	c.mu.Unlock()

	if c.opts.Auth == nil || strings.TrimSpace(accessToken) == "" || c.isDropped(accessToken) {
		c.update(func(s *State) {
			if !s.Checked {
				s.User, s.Session = nil, nil
			}
			s.Checked = true
		})
		return
	}
	sess, err := c.opts.Auth.GetSession(ctx, accessToken)
	if err != nil {
		c.log.Debug("session probe failed", zap.Error(err))
		sess = nil
	}
	changed := c.setSession(sess)
	if changed && sess != nil {
		c.load(ctx)
	}
}

// Refresh re-probes when the caller presents a different access token than the
// one held, e.g. after the browser refreshed it.
func (c *Coordinator) Refresh(ctx context.Context, accessToken string) {
	if c.opts.Auth == nil || accessToken == "" {
		return
	}
	cur := c.State()
	if cur.Session != nil && cur.Session.AccessToken == accessToken {
		return
	}
	if c.isDropped(accessToken) {
		return
	}
	sess, err := c.opts.Auth.GetSession(ctx, accessToken)
	if err != nil || sess == nil {
		return
	}
	evType := TokenRefreshed
	if cur.User == nil || cur.User.ID != sess.User.ID {
		evType = SignedIn
	}
	if c.setSession(sess) {
		c.load(ctx)
	}
	c.publish(evType, sess)
}

// Stop unsubscribes from auth events and drops watchers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.stopped = true
	c.watchers = make(map[int]func(State))
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.loads.Wait()
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active session, if any.
func (c *Coordinator) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Session == nil {
		return domain.Session{}, false
	}
	return *c.state.Session, true
}

// Watch registers fn for state changes and returns the unsubscribe func.
func (c *Coordinator) Watch(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// SignIn authenticates with email and password.
func (c *Coordinator) SignIn(ctx context.Context, email, password string) (State, error) {
	if c.opts.Auth == nil {
		return c.State(), apperr.ErrNotConfigured
	}
	email, err := validateCredentials(email, password)
	if err != nil {
		return c.State(), err
	}
	sess, err := c.opts.Auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return c.State(), err
	}
	if sess == nil {
		return c.State(), &apperr.RemoteError{Message: "sign-in returned no session"}
	}
	if c.setSession(sess) {
		c.load(ctx)
	}
	c.publish(SignedIn, sess)
	c.opts.Analytics.Track(analytics.EventSignedIn, sess.User.ID, nil)
	return c.State(), nil
}

// SignUp registers an account. When the BaaS requires email confirmation no
// session is returned and the state stays anonymous.
func (c *Coordinator) SignUp(ctx context.Context, email, password, next string) (State, error) {
	if c.opts.Auth == nil {
		return c.State(), apperr.ErrNotConfigured
	}
	email, err := validateCredentials(email, password)
	if err != nil {
		return c.State(), err
	}
	redirectTo := ""
	if c.opts.Redirect != nil {
		redirectTo = c.opts.Redirect.BuildRedirectTo(next)
	}
	sess, err := c.opts.Auth.SignUp(ctx, email, password, redirectTo)
	if err != nil {
		return c.State(), err
	}
	if sess == nil {
		return c.State(), nil
	}
	if c.setSession(sess) {
		c.load(ctx)
	}
	c.publish(SignedIn, sess)
	return c.State(), nil
}

// SignOut ends the session. The remote call is bounded by the configured
// timeout; local state is cleared whatever it returns.
func (c *Coordinator) SignOut(ctx context.Context, navigate redirect.NavigateFunc) Outcome {
	if !c.signingOut.CompareAndSwap(false, true) {
		return Outcome{Skipped: true}
	}
	defer c.signingOut.Store(false)

	prev := c.State()
	var err error
	remote := c.opts.Auth != nil && prev.Session != nil
	if remote {
		err = c.remoteSignOut(ctx, prev.Session.AccessToken)
		if err != nil {
			c.log.Warn("remote sign-out failed, clearing locally", zap.Error(err))
		}
	}

	c.clearLocal()
	userID := ""
	if prev.User != nil {
		userID = prev.User.ID
	}
	c.publishEvent(Event{Type: SignedOut, UserID: userID})
	c.opts.Analytics.Track(analytics.EventSignedOut, userID, map[string]any{"remote": remote && err == nil})

	out := Outcome{Remote: remote && err == nil, Err: err, Notice: Notice{Kind: NoticeSuccess, Message: "Signed out"}}
	if err != nil {
		out.Notice = Notice{Kind: NoticeError, Message: "Signed out locally"}
	}
	c.navigate(navigate)
	return out
}

func (c *Coordinator) remoteSignOut(ctx context.Context, token string) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.SignOutTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.opts.Auth.SignOut(sctx, token) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return ErrSignOutTimeout
		}
		return err
	case <-sctx.Done():
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return ErrSignOutTimeout
		}
		return sctx.Err()
	}
}

func (c *Coordinator) navigate(navigate redirect.NavigateFunc) {
	if navigate == nil {
		return
	}
	if c.opts.Redirect != nil {
		c.opts.Redirect.SafeNavigate(navigate, "/", redirect.Options{Replace: true})
		return
	}
	defer func() { _ = recover() }()
	_ = navigate("/", true)
}

// handleEvent applies an event from the bus. Our own events were applied
// before publishing and are skipped, as are events for other sessions.
func (c *Coordinator) handleEvent(ev Event) {
	if ev.Origin == c.origin {
		return
	}
	cur := c.State()
	forUser := ev.UserID != "" && cur.User != nil && cur.User.ID == ev.UserID
	targeted := ev.Target != "" && ev.Target == c.id
	if !targeted && !forUser {
		return
	}

	switch ev.Type {
	case SignedOut, UserDeleted:
		if targeted || forUser {
			c.log.Debug("auth event clears session", zap.String("type", string(ev.Type)))
			c.clearLocal()
			return
		}
	case SignedIn, TokenRefreshed:
		if targeted && ev.Session != nil {
			if c.setSession(ev.Session) {
				c.loadAsync()
			}
			return
		}
	case UserUpdated:
		if (targeted || forUser) && ev.User != nil {
			c.update(func(s *State) {
				if s.User != nil && s.User.ID == ev.User.ID {
					u := *ev.User
					s.User = &u
					if s.Session != nil {
						sess := *s.Session
						sess.User = u
						s.Session = &sess
					}
				}
				s.Checked = true
			})
			return
		}
	}
	c.update(func(s *State) { s.Checked = true })
}

// setSession installs sess and reports whether the user changed.
func (c *Coordinator) setSession(sess *domain.Session) bool {
	changed := false
	c.update(func(s *State) {
		prevID := ""
		if s.User != nil {
			prevID = s.User.ID
		}
		s.Checked = true
		if sess == nil {
			changed = prevID != ""
			s.User, s.Session = nil, nil
			return
		}
		cp := *sess
		u := cp.User
		s.Session = &cp
		s.User = &u
		changed = prevID != u.ID
	})
	return changed
}

func (c *Coordinator) clearLocal() {
	c.update(func(s *State) {
		if s.Session != nil {
			c.dropLocked(s.Session.AccessToken)
		}
		s.User, s.Session = nil, nil
		s.Checked = true
	})
	if c.opts.UserData != nil {
		c.opts.UserData.Clear()
	}
}

func (c *Coordinator) dropLocked(token string) {
	if token == "" {
		return
	}
	for _, t := range c.dropped {
		if t == token {
			return
		}
	}
	if len(c.dropped) == maxDroppedTokens {
		c.dropped = c.dropped[1:]
	}
	c.dropped = append(c.dropped, token)
}

func (c *Coordinator) isDropped(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.dropped {
		if t == token {
			return true
		}
	}
	return false
}

// update applies fn and notifies watchers when the state changed.
func (c *Coordinator) update(fn func(*State)) {
	c.mu.Lock()
	prev := c.state
	fn(&c.state)
	st := c.state
	if st == prev {
		c.mu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(c.watchers))
	for _, w := range c.watchers {
		fns = append(fns, w)
	}
	c.mu.Unlock()
	for _, w := range fns {
		w(st)
	}
}

func (c *Coordinator) load(ctx context.Context) {
	if c.opts.UserData == nil {
		return
	}
	if err := c.opts.UserData.Load(ctx); err != nil {
		c.log.Warn("user data load failed", zap.Error(err))
	}
}

func (c *Coordinator) loadAsync() {
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		c.load(context.Background())
	}()
}

func (c *Coordinator) publish(t EventType, sess *domain.Session) {
	ev := Event{Type: t, Session: sess}
	if sess != nil {
		u := sess.User
		ev.UserID = u.ID
		ev.User = &u
	}
	c.publishEvent(ev)
}

func (c *Coordinator) publishEvent(ev Event) {
	ev.Target = c.id
	ev.Origin = c.origin
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := c.opts.Bus.Publish(ev); err != nil {
		c.log.Warn("auth event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func validateCredentials(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", apperr.Invalid("email", "email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", apperr.Invalid("email", "email is not valid")
	}
	if password == "" {
		return "", apperr.Invalid("password", "password is required")
	}
	return email, nil
}
