package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/platform/devserver"
)

func (a *app) devserverCmd() *cobra.Command {
	var seedPath, addr string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Arranca la API de diagnóstico en memoria para desarrollo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.DevServerAddr
			}
			key := a.cfg.DevServerSigningKey
			if key == "" {
				buf := make([]byte, 32)
				if _, err := crypto_rand.Read(buf); err != nil {
					return fmt.Errorf("generate signing key: %w", err)
				}
				key = hex.EncodeToString(buf)
				a.logger.Warn().Msg("DEVSERVER_SIGNING_KEY not set; using random key (tokens will not survive restart)")
			}

			cfg := devserver.Config{SigningKey: key}
			if seedPath != "" {
				raw, err := os.ReadFile(seedPath)
				if err != nil {
					return fmt.Errorf("read seed: %w", err)
				}
				if cfg.Seed, err = devserver.ParseSeed(raw); err != nil {
					return err
				}
			}
			srv, err := devserver.New(cfg, devserver.WithLogger(a.logger))
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-quit:
			}

			a.logger.Info().Msg("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			a.logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "dirección de escucha (DEVSERVER_ADDR por defecto)")
	cmd.Flags().StringVar(&seedPath, "seed", "", "catálogo inicial en YAML (se usa el incluido si se omite)")
	return cmd
}
