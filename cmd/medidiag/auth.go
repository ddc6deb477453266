package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/shell"
)

// readSecret returns flagValue, or the first line of in when the flag was
// left empty.
func readSecret(in io.Reader, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Inicia sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			u, err := a.sess.Login(cmd.Context(), username, pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bienvenido, %s (%s)\n", u.DisplayName(), u.Role.Label())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "nombre de usuario")
	cmd.Flags().StringVarP(&password, "password", "p", "", "contraseña (se lee de la entrada estándar si se omite)")
	cmd.MarkFlagRequired("username")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var req identity.RegisterRequest
	var role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Crea una cuenta e inicia sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd.InOrStdin(), req.Password)
			if err != nil {
				return err
			}
			req.Password = pw
			req.Role = identity.Role(role)
			u, err := a.sess.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cuenta creada: %s (%s)\n", u.Username, u.Role.Label())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Username, "username", "u", "", "nombre de usuario")
	f.StringVar(&req.Email, "email", "", "correo electrónico")
	f.StringVarP(&req.Password, "password", "p", "", "contraseña (se lee de la entrada estándar si se omite)")
	f.StringVar(&req.FirstName, "first-name", "", "nombre")
	f.StringVar(&req.SecondName, "second-name", "", "segundo nombre")
	f.StringVar(&req.PaternalSurname, "paternal-surname", "", "apellido paterno")
	f.StringVar(&req.MaternalSurname, "maternal-surname", "", "apellido materno")
	f.StringVar(&req.Phone, "phone", "", "teléfono")
	f.StringVar(&role, "role", "", "rol (admin o doctor)")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Cierra la sesión y borra las credenciales guardadas",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.sess.Logout()
			fmt.Fprintln(cmd.OutOrStdout(), "Sesión cerrada")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Muestra el usuario de la sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.enter(cmd.Context(), shell.RouteDashboard)
			if err != nil {
				return err
			}
			u := snap.User
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", u.DisplayName(), u.Initials())
			fmt.Fprintf(out, "Usuario: %s\nCorreo:  %s\nRol:     %s\n", u.Username, u.Email, u.Role.Label())
			return nil
		},
	}
}

func (a *app) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Actualiza el perfil del usuario de la sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.enter(cmd.Context(), shell.RouteDashboard); err != nil {
				return err
			}
			var upd identity.ProfileUpdate
			f := cmd.Flags()
			for name, dst := range map[string]**string{
				"email":            &upd.Email,
				"first-name":       &upd.FirstName,
				"paternal-surname": &upd.PaternalSurname,
				"maternal-surname": &upd.MaternalSurname,
				"phone":            &upd.Phone,
			} {
				if f.Changed(name) {
					v, _ := f.GetString(name)
					*dst = &v
				}
			}
			u, err := a.sess.UpdateProfile(cmd.Context(), upd)
			if err != nil {
				return a.fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Perfil actualizado: %s\n", u.DisplayName())
			return nil
		},
	}
	f := cmd.Flags()
	f.String("email", "", "correo electrónico")
	f.String("first-name", "", "nombre")
	f.String("paternal-surname", "", "apellido paterno")
	f.String("maternal-surname", "", "apellido materno")
	f.String("phone", "", "teléfono")
	return cmd
}

func (a *app) passwordCmd() *cobra.Command {
	var change identity.PasswordChange
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Cambia la contraseña del usuario de la sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.enter(cmd.Context(), shell.RouteDashboard); err != nil {
				return err
			}
			if err := a.sess.ChangePassword(cmd.Context(), change); err != nil {
				return a.fail(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Contraseña actualizada")
			return nil
		},
	}
	cmd.Flags().StringVar(&change.OldPassword, "current", "", "contraseña actual")
	cmd.Flags().StringVar(&change.NewPassword, "new", "", "contraseña nueva")
	cmd.MarkFlagRequired("current")
	cmd.MarkFlagRequired("new")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Comprueba el servidor y muestra la sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			snap := a.sess.Bootstrap(ctx)
			layout := shell.BuildLayout(a.cfg.AppTitle, snap)

			fmt.Fprintln(out, layout.Title)
			fmt.Fprintf(out, "Servidor: %s\n", a.api.BaseURL())
			if _, err := catalog.NewService(a.api).Health(ctx); err != nil {
				fmt.Fprintf(out, "Estado:   %s\n", err)
			} else {
				fmt.Fprintln(out, "Estado:   disponible")
			}

			if layout.UserName == "" {
				fmt.Fprintln(out, "Sesión:   sin iniciar")
			} else {
				fmt.Fprintf(out, "Sesión:   %s [%s] %s\n", layout.UserName, layout.Initials, layout.RoleLabel)
				a.sess.StartRefresh(ctx)
				if d, ok := a.sess.NextRefresh(); ok {
					fmt.Fprintf(out, "Renovación de credencial en %s\n", d.Round(time.Second))
				}
				a.sess.StopRefresh()
			}
			labels := make([]string, 0, len(layout.Links))
			for _, l := range layout.Links {
				labels = append(labels, fmt.Sprintf("%s (%s)", l.Label, l.Path))
			}
			fmt.Fprintf(out, "Secciones: %s\n", strings.Join(labels, ", "))
			return nil
		},
	}
}
