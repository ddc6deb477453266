package devserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/internal/platform/middleware"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"

	roleKey = "role"
)

var (
	errMissingToken = echo.NewHTTPError(http.StatusUnauthorized, "Token de autorización requerido")
	errInvalidToken = echo.NewHTTPError(http.StatusUnauthorized, "Token inválido o expirado")
	errForbidden    = echo.NewHTTPError(http.StatusForbidden, "No autorizado")
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Type string `json:"type"`
}

type tokenIssuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock
}

func (t *tokenIssuer) issue(u *userRow, kind string) (string, error) {
	ttl := t.accessTTL
	if kind == tokenRefresh {
		ttl = t.refreshTTL
	}
	now := t.clock.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(u.Role),
		Type: kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (t *tokenIssuer) parse(raw, kind string) (int64, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, err
	}
	if c.Type != kind {
		return 0, fmt.Errorf("expected %s token, got %q", kind, c.Type)
	}
	return strconv.ParseInt(c.Subject, 10, 64)
}

func bearer(c echo.Context) (string, error) {
	h := c.Request().Header.Get("Authorization")
	if h == "" {
		return "", errMissingToken
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errInvalidToken
	}
	return parts[1], nil
}

// authenticate resolves the bearer token of kind to an active user.
func (s *Server) authenticate(c echo.Context, kind string) (*userRow, error) {
	raw, err := bearer(c)
	if err != nil {
		return nil, err
	}
	id, err := s.tokens.parse(raw, kind)
	if err != nil {
		return nil, errInvalidToken
	}
	s.store.mu.RLock()
	u := s.store.userByID(id)
	s.store.mu.RUnlock()
	if u == nil || !u.IsActive {
		return nil, errInvalidToken
	}
	c.Set(middleware.UserIDKey, u.ID)
	c.Set(roleKey, u.Role)
	return u, nil
}

func (s *Server) requireAccess(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := s.authenticate(c, tokenAccess); err != nil {
			return err
		}
		return next(c)
	}
}

func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isAdmin(c) {
			return errForbidden
		}
		return next(c)
	}
}

func currentUserID(c echo.Context) int64 {
	id, _ := c.Get(middleware.UserIDKey).(int64)
	return id
}

func isAdmin(c echo.Context) bool {
	r, _ := c.Get(roleKey).(identity.Role)
	return r == identity.RoleAdmin
}

type authHandler struct {
	s *Server
}

func newAuthHandler(s *Server) *authHandler {
	return &authHandler{s: s}
}

func (h *authHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/auth")
	g.POST("/login", h.Login)
	g.POST("/register", h.Register)
	g.POST("/refresh", h.Refresh)

	protected := g.Group("", h.s.requireAccess)
	protected.GET("/me", h.Me)
	protected.PUT("/me", h.UpdateMe)
	protected.POST("/change-password", h.ChangePassword)
}

func (h *authHandler) issuePair(c echo.Context, code int, message string, u *userRow) error {
	access, err := h.s.tokens.issue(u, tokenAccess)
	if err != nil {
		return err
	}
	refresh, err := h.s.tokens.issue(u, tokenRefresh)
	if err != nil {
		return err
	}
	return success(c, code, message, identity.AuthPayload{
		User:         u.profile(),
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (h *authHandler) Login(c echo.Context) error {
	var req identity.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Usuario y contraseña son requeridos")
	}

	h.s.store.mu.RLock()
	u := h.s.store.userByName(strings.TrimSpace(req.Username))
	ok := u != nil && u.IsActive && u.checkPassword(req.Password)
	h.s.store.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Credenciales inválidas")
	}
	h.s.logger.Info().Int64("user_id", u.ID).Msg("user logged in")
	return h.issuePair(c, http.StatusOK, "Inicio de sesión exitoso", u)
}

func (h *authHandler) Register(c echo.Context) error {
	var req identity.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Role == "" {
		req.Role = identity.RoleDoctor
	}

	fields := map[string][]string{}
	if req.Username == "" {
		fields["username"] = append(fields["username"], "Campo requerido")
	}
	switch {
	case req.Email == "":
		fields["email"] = append(fields["email"], "Campo requerido")
	case !strings.Contains(req.Email, "@"):
		fields["email"] = append(fields["email"], "Formato de correo inválido")
	}
	if len([]rune(req.Password)) < identity.MinPasswordLength {
		fields["password"] = append(fields["password"], fmt.Sprintf("Mínimo %d caracteres", identity.MinPasswordLength))
	}
	if !req.Role.Valid() {
		fields["role"] = append(fields["role"], "Rol no permitido")
	}

	st := h.s.store
	st.mu.Lock()
	if req.Username != "" && st.userByName(req.Username) != nil {
		fields["username"] = append(fields["username"], "El nombre de usuario ya existe")
	}
	if req.Email != "" && st.emailTaken(req.Email, 0) {
		fields["email"] = append(fields["email"], "El correo ya está registrado")
	}
	if len(fields) > 0 {
		st.mu.Unlock()
		return &middleware.FieldError{Message: "Error de validación", Fields: fields}
	}
	u, err := st.addUser(identity.UserProfile{
		Username:        req.Username,
		Email:           req.Email,
		FirstName:       req.FirstName,
		SecondName:      req.SecondName,
		PaternalSurname: req.PaternalSurname,
		MaternalSurname: req.MaternalSurname,
		Phone:           req.Phone,
		Role:            req.Role,
	}, req.Password)
	st.mu.Unlock()
	if err != nil {
		return err
	}
	h.s.logger.Info().Int64("user_id", u.ID).Str("role", string(u.Role)).Msg("user registered")
	return h.issuePair(c, http.StatusCreated, "Usuario registrado exitosamente", u)
}

func (h *authHandler) Refresh(c echo.Context) error {
	u, err := h.s.authenticate(c, tokenRefresh)
	if err != nil {
		return err
	}
	access, err := h.s.tokens.issue(u, tokenAccess)
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, "", map[string]string{"access_token": access})
}

func (h *authHandler) Me(c echo.Context) error {
	h.s.store.mu.RLock()
	u := h.s.store.userByID(currentUserID(c))
	h.s.store.mu.RUnlock()
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Usuario no encontrado")
	}
	return success(c, http.StatusOK, "", map[string]any{"user": u.profile()})
}

func (h *authHandler) UpdateMe(c echo.Context) error {
	var req identity.ProfileUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}

	st := h.s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	u := st.userByID(currentUserID(c))
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Usuario no encontrado")
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		switch {
		case !strings.Contains(email, "@"):
			return &middleware.FieldError{Message: "Error de validación", Fields: map[string][]string{"email": {"Formato de correo inválido"}}}
		case st.emailTaken(email, u.ID):
			return &middleware.FieldError{Message: "Error de validación", Fields: map[string][]string{"email": {"El correo ya está registrado"}}}
		}
		u.Email = email
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.PaternalSurname != nil {
		u.PaternalSurname = *req.PaternalSurname
	}
	if req.MaternalSurname != nil {
		u.MaternalSurname = *req.MaternalSurname
	}
	if req.Phone != nil {
		u.Phone = *req.Phone
	}
	return success(c, http.StatusOK, "Perfil actualizado correctamente", map[string]any{"user": u.profile()})
}

func (h *authHandler) ChangePassword(c echo.Context) error {
	var req identity.PasswordChange
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Contraseña actual y nueva son requeridas")
	}
	if len([]rune(req.NewPassword)) < identity.MinPasswordLength {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("La nueva contraseña debe tener al menos %d caracteres", identity.MinPasswordLength))
	}

	st := h.s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	u := st.userByID(currentUserID(c))
	if u == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Usuario no encontrado")
	}
	if !u.checkPassword(req.OldPassword) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Contraseña actual incorrecta")
	}
	hash, err := st.hash(req.NewPassword)
	if err != nil {
		return err
	}
	u.hash = hash
	return success(c, http.StatusOK, "Contraseña actualizada correctamente", nil)
}
