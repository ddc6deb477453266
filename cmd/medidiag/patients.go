package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/history"
	"github.com/ehr/medidiag/internal/presenter"
	"github.com/ehr/medidiag/internal/shell"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s inválido: %q", what, s)
	}
	return id, nil
}

func (a *app) history(ctx context.Context) *history.Controller {
	return history.New(ctx, a.api,
		history.WithTTL(a.cfg.HistoryTTL),
		history.WithLogger(a.logger),
		history.WithOnError(func(err error) { a.sess.HandleUnauthorized(err) }),
	)
}

// patientName resolves the display name of a patient, falling back to its
// id when the lookup fails.
func (a *app) patientName(ctx context.Context, id int64) string {
	p, err := catalog.Get[catalog.Patient](ctx, catalog.NewService(a.api), catalog.Patients, strconv.FormatInt(id, 10))
	if err != nil {
		a.logger.Debug().Err(err).Int64("patient_id", id).Msg("patient lookup failed")
		return "Paciente #" + strconv.FormatInt(id, 10)
	}
	if p.FullName != "" {
		return p.FullName
	}
	return strings.TrimSpace(p.FirstName + " " + p.PaternalSurname)
}

func (a *app) patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Historial de diagnósticos de pacientes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "history <patient-id>",
		Short: "Muestra todos los diagnósticos de un paciente",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "paciente")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			h := a.history(ctx)
			ds, err := h.Refresh(ctx, id)
			if err != nil {
				return a.fail(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Historial de %s\n", a.patientName(ctx, id))
			if diseases := h.Diseases(id); len(diseases) > 0 {
				fmt.Fprintf(out, "Enfermedades: %s\n", strings.Join(diseases, ", "))
			}
			fmt.Fprintln(out)
			return presenter.RenderHistory(out, ds)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "last <patient-id>",
		Short: "Muestra el diagnóstico más reciente de un paciente",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "paciente")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			d, err := a.history(ctx).MostRecent(ctx, id)
			if errors.Is(err, history.ErrNoDiagnoses) {
				fmt.Fprintln(cmd.OutOrStdout(), "No hay diagnósticos registrados")
				return nil
			}
			if err != nil {
				return a.fail(err)
			}
			return presenter.Render(cmd.OutOrStdout(), d)
		},
	})
	return cmd
}
