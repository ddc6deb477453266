// Package session owns the current identity and the persisted credential
// pair. It is the only writer of the credential store; everything else
// reads the identity through Snapshot or a subscription.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/internal/platform/credstore"
)

// DefaultAnticipation is how long before expiry the access credential is
// refreshed.
const DefaultAnticipation = 10 * time.Minute

type State int

const (
	StateLoading State = iota
	StateAnonymous
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	State State
	User  *identity.UserProfile
}

func (s Snapshot) IsLoading() bool { return s.State == StateLoading }

func (s Snapshot) IsAuthenticated() bool { return s.State == StateAuthenticated && s.User != nil }

// Role returns the role of the current user, "" when anonymous.
func (s Snapshot) Role() identity.Role {
	if s.User == nil {
		return ""
	}
	return s.User.Role
}

// FormError carries the text to show for a failed login or sign-up.
type FormError struct {
	Message string
	Cause   error
}

func (e *FormError) Error() string { return e.Message }

func (e *FormError) Unwrap() error { return e.Cause }

var ErrNoRefreshToken = errors.New("no refresh credential stored")

type Controller struct {
	api          apiclient.API
	store        credstore.Store
	clock        clock.Clock
	logger       zerolog.Logger
	anticipation time.Duration

	mu      sync.RWMutex
	state   State
	user    *identity.UserProfile
	pair    credstore.Pair
	subs    map[int]func(Snapshot)
	nextSub int

	timerMu    sync.Mutex
	timer      clock.Timer
	timerGen   int
	nextAt     time.Time
	refreshCtx context.Context
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(s *Controller) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Controller) { s.logger = l }
}

func WithAnticipation(d time.Duration) Option {
	return func(s *Controller) { s.anticipation = d }
}

// New returns a controller in the loading state. Call Bootstrap to leave it.
func New(api apiclient.API, store credstore.Store, opts ...Option) *Controller {
	c := &Controller{
		api:          api,
		store:        store,
		clock:        clock.New(),
		logger:       zerolog.Nop(),
		anticipation: DefaultAnticipation,
		state:        StateLoading,
		subs:         make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{State: c.state}
	if c.user != nil {
		u := *c.user
		s.User = &u
	}
	return s
}

// AccessToken is the token source handed to the API client.
func (c *Controller) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pair.Access
}

// Subscribe registers fn to be called after every state change. The
// returned function removes the subscription.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// set replaces the state and notifies subscribers outside the lock.
func (c *Controller) set(state State, user *identity.UserProfile, pair *credstore.Pair) {
	c.mu.Lock()
	c.state = state
	c.user = user
	if pair != nil {
		c.pair = *pair
	}
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Bootstrap restores the session from the credential store. A stored
// credential the server rejects is cleared; any other failure keeps it
// and leaves the session anonymous.
func (c *Controller) Bootstrap(ctx context.Context) Snapshot {
	pair, err := c.store.Read()
	if err != nil {
		c.logger.Error().Err(err).Msg("read stored credentials")
		c.set(StateAnonymous, nil, &credstore.Pair{})
		return c.Snapshot()
	}
	if pair.Empty() {
		c.set(StateAnonymous, nil, &credstore.Pair{})
		return c.Snapshot()
	}

	c.mu.Lock()
	c.pair = pair
	c.mu.Unlock()

	if identity.Expired(pair.Access, c.clock.Now()) {
		if pair.Refresh == "" || identity.Expired(pair.Refresh, c.clock.Now()) {
			c.logger.Info().Msg("stored credential expired")
			c.clearAndLogout()
			return c.Snapshot()
		}
		if err := c.refresh(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("refresh expired credential")
			if apiclient.IsUnauthorized(err) {
				c.clearAndLogout()
			} else {
				c.set(StateAnonymous, nil, nil)
			}
			return c.Snapshot()
		}
	}

	user, err := c.fetchMe(ctx)
	switch {
	case err == nil:
		c.set(StateAuthenticated, &user, nil)
	case apiclient.IsUnauthorized(err):
		c.logger.Info().Err(err).Msg("stored credential rejected")
		c.clearAndLogout()
	default:
		c.logger.Warn().Err(err).Msg("bootstrap failed, keeping stored credentials")
		c.set(StateAnonymous, nil, nil)
	}
	return c.Snapshot()
}

func (c *Controller) fetchMe(ctx context.Context) (identity.UserProfile, error) {
	var raw json.RawMessage
	if err := c.api.Get(ctx, "/auth/me", &raw); err != nil {
		return identity.UserProfile{}, err
	}
	return identity.DecodeProfile(raw)
}

// Login authenticates and persists both credentials.
func (c *Controller) Login(ctx context.Context, username, password string) (*identity.UserProfile, error) {
	var resp identity.AuthResponse
	err := c.api.Post(ctx, "/auth/login", identity.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, &FormError{Message: apiclient.Message(err), Cause: err}
	}
	return c.establish(resp.Data)
}

// Register creates an account and behaves as Login on success. Per-field
// validation messages are flattened into one newline-joined message.
func (c *Controller) Register(ctx context.Context, req identity.RegisterRequest) (*identity.UserProfile, error) {
	if err := req.Validate(); err != nil {
		return nil, &FormError{Message: err.Error(), Cause: err}
	}
	var resp identity.AuthResponse
	if err := c.api.Post(ctx, "/auth/register", req, &resp); err != nil {
		msg := apiclient.Message(err)
		if apiErr, ok := apiclient.AsError(err); ok {
			msg = apiErr.FieldMessages()
		}
		return nil, &FormError{Message: msg, Cause: err}
	}
	return c.establish(resp.Data)
}

func (c *Controller) establish(p identity.AuthPayload) (*identity.UserProfile, error) {
	if p.AccessToken == "" {
		return nil, &FormError{Message: "respuesta sin credenciales"}
	}
	pair := credstore.Pair{Access: p.AccessToken, Refresh: p.RefreshToken}
	if err := c.store.Write(pair); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}
	user := p.User
	c.set(StateAuthenticated, &user, &pair)
	c.logger.Info().Object("user", user).Msg("session established")
	return &user, nil
}

// Logout clears the credentials and the profile.
func (c *Controller) Logout() {
	c.StopRefresh()
	c.clearAndLogout()
}

func (c *Controller) clearAndLogout() {
	if err := c.store.Clear(); err != nil {
		c.logger.Error().Err(err).Msg("clear stored credentials")
	}
	c.set(StateAnonymous, nil, &credstore.Pair{})
}

// HandleUnauthorized logs out when err signals a rejected credential and
// reports whether it did.
func (c *Controller) HandleUnauthorized(err error) bool {
	if !apiclient.IsUnauthorized(err) {
		return false
	}
	c.logger.Info().Err(err).Msg("credential rejected, logging out")
	c.Logout()
	return true
}

// Refresh exchanges the refresh credential for a new access credential.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *Controller) refresh(ctx context.Context, notify bool) error {
	c.mu.RLock()
	pair := c.pair
	c.mu.RUnlock()
	if pair.Refresh == "" {
		return ErrNoRefreshToken
	}

	var resp identity.RefreshResponse
	if err := c.api.Post(ctx, "/auth/refresh", struct{}{}, &resp, apiclient.WithBearer(pair.Refresh)); err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	if resp.Data.AccessToken == "" {
		return errors.New("refresh credential: response carries no access token")
	}
	pair.Access = resp.Data.AccessToken
	if err := c.store.Write(pair); err != nil {
		return fmt.Errorf("persist refreshed credential: %w", err)
	}

	if !notify {
		c.mu.Lock()
		c.pair = pair
		c.mu.Unlock()
		return nil
	}
	c.mu.RLock()
	state, user := c.state, c.user
	c.mu.RUnlock()
	c.set(state, user, &pair)
	return nil
}

// UpdateProfile saves profile changes and replaces the current profile.
func (c *Controller) UpdateProfile(ctx context.Context, u identity.ProfileUpdate) (*identity.UserProfile, error) {
	var raw json.RawMessage
	if err := c.api.Put(ctx, "/auth/me", u, &raw); err != nil {
		c.HandleUnauthorized(err)
		return nil, err
	}
	user, err := identity.DecodeProfile(raw)
	if err != nil {
		return nil, err
	}
	c.set(StateAuthenticated, &user, nil)
	return &user, nil
}

// ChangePassword changes the password of the current user. The server
// answers 401 for a wrong current password, so failures never log out.
func (c *Controller) ChangePassword(ctx context.Context, p identity.PasswordChange) error {
	if err := p.Validate(); err != nil {
		return &FormError{Message: err.Error(), Cause: err}
	}
	if err := c.api.Post(ctx, "/auth/change-password", p, nil); err != nil {
		msg := apiclient.Message(err)
		if apiErr, ok := apiclient.AsError(err); ok {
			msg = apiErr.FieldMessages()
		}
		return &FormError{Message: msg, Cause: err}
	}
	return nil
}
