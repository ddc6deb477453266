// Package devserver is an in-memory implementation of the diagnosis API,
// used for local development and for end-to-end tests of the client.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/internal/platform/middleware"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

type Config struct {
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// PasswordCost is the bcrypt cost of stored passwords.
	PasswordCost int
	// Seed is loaded at startup; nil loads DefaultSeed.
	Seed *Seed
	// BodyLimit caps request bodies, e.g. "1M".
	BodyLimit string
}

type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type Server struct {
	e      *echo.Echo
	store  *store
	tokens *tokenIssuer
	clock  clock.Clock
	logger zerolog.Logger
}

// New builds the server and loads its seed.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("devserver: signing key is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.PasswordCost == 0 {
		cfg.PasswordCost = bcrypt.DefaultCost
	}
	if cfg.Seed == nil {
		cfg.Seed = DefaultSeed()
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	s := &Server{clock: clock.New(), logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(s)
	}

	st, err := newStore(cfg.Seed, cfg.PasswordCost)
	if err != nil {
		return nil, err
	}
	s.store = st
	s.tokens = &tokenIssuer{
		key:        []byte(cfg.SigningKey),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      s.clock,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(s.logger)
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	s.e = e

	api := e.Group("/api")
	api.GET("/health", s.health)
	newAuthHandler(s).RegisterRoutes(api)

	protected := api.Group("", s.requireAccess)
	newCatalogHandler(s).RegisterRoutes(protected)
	newDiagnosisHandler(s).RegisterRoutes(protected)
	return s, nil
}

// Handler exposes the routes for httptest servers.
func (s *Server) Handler() http.Handler { return s.e }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("development API listening")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "success",
		"message": "API de diagnóstico médico funcionando",
	})
}

// success writes the {status, message, data} envelope.
func success(c echo.Context, code int, message string, data any) error {
	body := map[string]any{"status": "success"}
	if message != "" {
		body["message"] = message
	}
	if data != nil {
		body["data"] = data
	}
	return c.JSON(code, body)
}
