package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/listing"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/internal/shell"
)

type column struct {
	header string
	key    string
}

var columns = map[string][]column{
	catalog.Symptoms.Name: {{"Código", "code"}, {"Nombre", "name"}, {"Categoría", "category"}},
	catalog.Signs.Name: {{"Código", "code"}, {"Nombre", "name"}, {"Categoría", "category"},
		{"Unidad", "measurement_unit"}, {"Rango normal", "normal_range"}},
	catalog.LabTests.Name: {{"Código", "code"}, {"Nombre", "name"}, {"Categoría", "category"},
		{"Unidad", "unit"}, {"Rango normal", "normal_range"}},
	catalog.PostmortemTests.Name: {{"Código", "code"}, {"Fecha de autopsia", "autopsy_date"},
		{"Causa de muerte", "death_cause"}, {"Diagnóstico", "disease_diagnosis"}},
	catalog.Diseases.Name: {{"Código", "code"}, {"Nombre", "name"}, {"Categoría", "category"}, {"Severidad", "severity"}},
	catalog.Patients.Name: {{"ID", "id"}, {"Nombre", "full_name"}, {"Nacimiento", "date_of_birth"},
		{"Edad", "age"}, {"Sexo", "gender"}, {"Sangre", "blood_type"}},
	catalog.Users.Name: {{"ID", "id"}, {"Usuario", "username"}, {"Correo", "email"}, {"Rol", "role"}, {"Activo", "is_active"}},
}

// routeOf maps a resource to the section that lists it.
func routeOf(res catalog.Resource) shell.Route {
	switch {
	case res.AdminOnly:
		return shell.RouteUsers
	case res.Name == catalog.Patients.Name:
		return shell.RoutePatients
	}
	return shell.RouteDiseases
}

type listOptions struct {
	filters  []string
	page     int
	pageSize int
}

func (o *listOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&o.filters, "filter", "f", nil, "filtro clave=valor (repetible)")
	cmd.Flags().IntVar(&o.page, "page", 1, "página")
	cmd.Flags().IntVar(&o.pageSize, "page-size", 0, "filas por página (10, 25 o 50)")
}

func (a *app) listCmd() *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:       "list <resource>",
		Short:     "Lista un catálogo con filtros y paginación",
		Args:      cobra.ExactArgs(1),
		ValidArgs: catalog.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := catalog.Lookup(args[0])
			if err != nil {
				return fmt.Errorf("%w (disponibles: %s)", err, strings.Join(catalog.Names(), ", "))
			}
			return a.list(cmd.Context(), cmd.OutOrStdout(), res, opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func (a *app) usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Administración de usuarios",
	}
	var opts listOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lista los usuarios (solo administradores)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd.Context(), cmd.OutOrStdout(), catalog.Users, opts)
		},
	}
	opts.bind(listCmd)
	cmd.AddCommand(listCmd)
	return cmd
}

// list drives a list controller the way a page does: mount, apply filter
// edits, let the debounce elapse, then move to the requested page.
func (a *app) list(ctx context.Context, out io.Writer, res catalog.Resource, opts listOptions) error {
	snap, err := a.enter(ctx, routeOf(res))
	if err != nil {
		return err
	}
	if res.AdminOnly {
		if err := shell.Admit(snap, identity.RoleAdmin); err != nil {
			return err
		}
	}

	edits := make(map[string]string, len(opts.filters))
	for _, f := range opts.filters {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("filtro %q: se espera clave=valor", f)
		}
		if _, known := res.FilterParam(k); !known {
			return fmt.Errorf("filtro %q no existe para %s", k, res.Name)
		}
		edits[k] = v
	}

	cfg := listing.FromResource(res, a.cfg.CatalogDebounce, a.cfg.TestsDebounce, a.cfg.PageSize)
	if opts.pageSize > 0 {
		cfg.PageSize = opts.pageSize
	}
	clk := clock.NewManual(time.Now())
	c := listing.New[map[string]any](a.api, cfg,
		listing.WithClock(clk),
		listing.WithLogger(a.logger),
		listing.WithOnError(func(err error) { a.sess.HandleUnauthorized(err) }),
	)
	defer c.Close()

	c.Mount(ctx)
	c.Wait()
	if len(edits) > 0 {
		for k, v := range edits {
			c.SetFilter(k, v)
		}
		clk.Advance(cfg.Debounce)
		c.Wait()
	}
	if opts.page > 1 {
		c.SetPage(opts.page)
		c.Wait()
	}

	st := c.State()
	if st.Err != nil {
		return a.fail(st.Err)
	}
	a.logger.Debug().Str("query", c.LastQuery()).Int("rows", len(st.Items)).Msg("list rendered")
	return renderTable(out, columns[res.Name], st)
}

func renderTable(w io.Writer, cols []column, st listing.State[map[string]any]) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.header
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range st.Items {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cell(row[c.key])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(st.Items) == 0 {
		fmt.Fprintln(w, "Sin resultados")
	}
	_, err := fmt.Fprintf(w, "Página %d de %d · %d registros · %d por página\n",
		st.Page, st.TotalPages, st.TotalCount, st.PageSize)
	return err
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "sí"
		}
		return "no"
	}
	return fmt.Sprint(v)
}
