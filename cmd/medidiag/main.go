package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/config"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/credstore"
	"github.com/ehr/medidiag/internal/session"
	"github.com/ehr/medidiag/internal/shell"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds what every command shares once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  credstore.Store
	api    *apiclient.Client
	sess   *session.Controller
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "medidiag",
		Short:         "Cliente del sistema de diagnóstico médico",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.AddCommand(a.loginCmd())
	rootCmd.AddCommand(a.registerCmd())
	rootCmd.AddCommand(a.logoutCmd())
	rootCmd.AddCommand(a.whoamiCmd())
	rootCmd.AddCommand(a.profileCmd())
	rootCmd.AddCommand(a.passwordCmd())
	rootCmd.AddCommand(a.statusCmd())
	rootCmd.AddCommand(a.listCmd())
	rootCmd.AddCommand(a.usersCmd())
	rootCmd.AddCommand(a.patientsCmd())
	rootCmd.AddCommand(a.diagnoseCmd())
	rootCmd.AddCommand(a.diagnosisCmd())
	rootCmd.AddCommand(a.followUpCmd())
	rootCmd.AddCommand(a.devserverCmd())

	return rootCmd
}

func (a *app) init() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg)

	store, err := credstore.New(cfg)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	a.store = store

	a.api = apiclient.New(cfg.APIURL,
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithLogger(a.logger),
	)
	a.sess = session.New(a.api, store,
		session.WithLogger(a.logger),
		session.WithAnticipation(cfg.RefreshAnticipation),
	)
	a.api.SetTokenSource(a.sess.AccessToken)
	return nil
}

func (a *app) close() {
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close credential store")
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("level", cfg.LogLevel).Msg("unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// enter bootstraps the session and resolves route through the shell before
// any request of the command is issued.
func (a *app) enter(ctx context.Context, route shell.Route) (session.Snapshot, error) {
	snap := a.sess.Bootstrap(ctx)
	if err := shell.Enter(snap, route); err != nil {
		if errors.Is(err, shell.ErrSignInRequired) {
			return snap, fmt.Errorf("%w: ejecuta medidiag login (%s)", err, shell.SignInRedirect(route))
		}
		return snap, err
	}
	return snap, nil
}

// fail turns an API error into the message shown to the user and logs out
// when the credential was rejected.
func (a *app) fail(err error) error {
	if err == nil {
		return nil
	}
	if a.sess.HandleUnauthorized(err) {
		return fmt.Errorf("sesión expirada, inicia sesión de nuevo: %s", apiclient.Message(err))
	}
	if apiErr, ok := apiclient.AsError(err); ok {
		return errors.New(apiErr.FieldMessages())
	}
	return err
}
