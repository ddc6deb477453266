package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/composer"
	"github.com/ehr/medidiag/internal/domain/diagnosis"
	"github.com/ehr/medidiag/internal/presenter"
	"github.com/ehr/medidiag/internal/shell"
)

// codeID finds the item of section k whose catalog code is code.
func codeID(cat composer.Catalogs, k composer.Kind, code string) (int64, bool) {
	switch k {
	case composer.KindSymptom:
		for _, s := range cat.Symptoms {
			if strings.EqualFold(s.Code, code) {
				return s.ID, true
			}
		}
	case composer.KindSign:
		for _, s := range cat.Signs {
			if strings.EqualFold(s.Code, code) {
				return s.ID, true
			}
		}
	case composer.KindLab:
		for _, l := range cat.LabTests {
			if strings.EqualFold(l.Code, code) {
				return l.ID, true
			}
		}
	}
	return 0, false
}

// selectItem adds the catalog item named by ref to the composition. ref is
// a numeric id, a catalog code, or text typed into the section's picker;
// text must match a name exactly or leave a single candidate.
func selectItem(comp *composer.Composer, k composer.Kind, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	id, err := strconv.ParseInt(ref, 10, 64)
	found := err == nil
	if !found {
		id, found = codeID(comp.Catalogs(), k, ref)
	}
	if found {
		if _, err := comp.Add(k, id); err != nil {
			return 0, err
		}
		return id, nil
	}

	comp.Focus(k)
	comp.SetQuery(k, ref)
	cands := comp.Candidates(k)
	var pick *composer.Candidate
	for i, c := range cands {
		if strings.EqualFold(c.Name, ref) {
			pick = &cands[i]
			break
		}
	}
	if pick == nil && len(cands) == 1 {
		pick = &cands[0]
	}
	if pick == nil {
		comp.OutsideClick(k)
		if len(cands) == 0 {
			return 0, fmt.Errorf("%s %q: sin coincidencias", k, ref)
		}
		names := make([]string, len(cands))
		for i, c := range cands {
			names[i] = fmt.Sprintf("%s (%s, id %d)", c.Name, c.Code, c.ID)
		}
		return 0, fmt.Errorf("%s %q es ambiguo: %s", k, ref, strings.Join(names, "; "))
	}
	if _, err := comp.Pick(k, pick.ID); err != nil {
		return 0, err
	}
	return pick.ID, nil
}

// selectValued handles REF=VALUE arguments of the sign and lab sections.
func selectValued(comp *composer.Composer, k composer.Kind, arg string) error {
	ref, value, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("%s %q: se espera ID=VALOR", k, arg)
	}
	id, err := selectItem(comp, k, ref)
	if err != nil {
		return err
	}
	return comp.SetValue(k, id, value)
}

func (a *app) diagnoseCmd() *cobra.Command {
	var symptoms, signs, labs []string
	var notes string
	cmd := &cobra.Command{
		Use:   "diagnose <patient-id>",
		Short: "Registra síntomas, signos y laboratorios y solicita un diagnóstico",
		Example: `  medidiag diagnose 1 --symptom Fiebre --symptom 2 --sign SG001=38.9 --sign "Frecuencia respiratoria=24"
  medidiag diagnose 1 --sign 6=presentes --lab LAB003=45 --notes "Inicio hace 3 días"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "paciente")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}

			patient := composer.Patient{ID: id, Name: a.patientName(ctx, id)}
			comp, err := composer.Open(ctx, a.api, patient,
				composer.WithLogger(a.logger),
				composer.WithUnauthorized(a.sess.HandleUnauthorized),
				composer.WithOnSaved(func(patientID int64) {
					a.logger.Debug().Int64("patient_id", patientID).Msg("patient history invalidated")
				}),
			)
			if err != nil {
				return a.fail(err)
			}
			defer comp.Close()

			for _, s := range symptoms {
				if _, err := selectItem(comp, composer.KindSymptom, s); err != nil {
					return err
				}
			}
			for _, s := range signs {
				if err := selectValued(comp, composer.KindSign, s); err != nil {
					return err
				}
			}
			for _, l := range labs {
				if err := selectValued(comp, composer.KindLab, l); err != nil {
					return err
				}
			}
			comp.SetNotes(notes)

			d, err := comp.Submit(ctx)
			var vErr *composer.ValidationError
			if errors.As(err, &vErr) {
				return vErr
			}
			if err != nil {
				return a.fail(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s · %s\n\n", patient.Name, presenter.SavedMessage(d))
			return presenter.Render(out, d)
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&symptoms, "symptom", "s", nil, "síntoma por id, código o nombre (repetible)")
	f.StringArrayVar(&signs, "sign", nil, "signo como REF=VALOR (repetible)")
	f.StringArrayVar(&labs, "lab", nil, "resultado de laboratorio como REF=VALOR (repetible)")
	f.StringVar(&notes, "notes", "", "notas clínicas")
	return cmd
}

func (a *app) diagnosisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnosis",
		Short: "Consulta y actualiza diagnósticos",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <diagnosis-id>",
		Short: "Muestra un diagnóstico completo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "diagnóstico")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			d, err := diagnosis.NewService(a.api).Get(ctx, id)
			if err != nil {
				return a.fail(err)
			}
			return presenter.Render(cmd.OutOrStdout(), d)
		},
	})

	var followUp string
	statusCmd := &cobra.Command{
		Use:       "status <diagnosis-id> <active|ongoing|recovered|referred>",
		Short:     "Cambia el estado de un diagnóstico",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"active", "ongoing", "recovered", "referred"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "diagnóstico")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			u := diagnosis.StatusUpdate{Status: diagnosis.Status(args[1]), FollowUpDate: followUp}
			if err := diagnosis.NewService(a.api).UpdateStatus(ctx, id, u); err != nil {
				return a.fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Diagnóstico #%d: %s\n", id, presenter.StatusBadge(u.Status))
			return nil
		},
	}
	statusCmd.Flags().StringVar(&followUp, "follow-up", "", "fecha de seguimiento AAAA-MM-DD")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <diagnosis-id>",
		Short: "Elimina un diagnóstico (solo administradores)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "diagnóstico")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			if err := diagnosis.NewService(a.api).Delete(ctx, id); err != nil {
				return a.fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Diagnóstico #%d eliminado\n", id)
			return nil
		},
	})
	return cmd
}

func (a *app) followUpCmd() *cobra.Command {
	var f diagnosis.FollowUp
	cmd := &cobra.Command{
		Use:   "followup <diagnosis-id>",
		Short: "Registra una consulta de seguimiento",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "diagnóstico")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.enter(ctx, shell.RoutePatients); err != nil {
				return err
			}
			f.DiagnosisID = id
			if err := diagnosis.NewService(a.api).CreateFollowUp(ctx, f); err != nil {
				return a.fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seguimiento registrado para el diagnóstico #%d\n", id)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.PatientCondition, "condition", diagnosis.ConditionStable, "stable, improving, worsening o critical")
	fl.StringVar(&f.SymptomsEvolution, "evolution", "", "evolución de los síntomas")
	fl.StringVar(&f.TreatmentAdjustments, "adjustments", "", "ajustes al tratamiento")
	fl.StringVar(&f.Notes, "notes", "", "notas")
	fl.StringVar(&f.NextFollowUpDate, "next", "", "próximo seguimiento AAAA-MM-DD")
	cmd.MarkFlagRequired("evolution")
	return cmd
}
