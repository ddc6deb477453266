package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
)

// Label returns the role name shown next to the user's identity.
func (r Role) Label() string {
	switch r {
	case RoleAdmin:
		return "Administrador"
	case RoleDoctor:
		return "Médico"
	default:
		return string(r)
	}
}

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleDoctor
}

// UserProfile is the identity of the logged-in clinician.
type UserProfile struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name,omitempty"`
	SecondName      string `json:"second_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	PaternalSurname string `json:"paternal_surname,omitempty"`
	MaternalSurname string `json:"maternal_surname,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	Role            Role   `json:"role"`
	Phone           string `json:"phone,omitempty"`
	IsActive        bool   `json:"is_active"`
}

// DisplayName prefers the server-computed full name, then the composed
// given name and surname, then the username.
func (u UserProfile) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	parts := make([]string, 0, 2)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if last := u.surname(); last != "" {
		parts = append(parts, last)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return u.Username
}

func (u UserProfile) surname() string {
	if u.LastName != "" {
		return u.LastName
	}
	return u.PaternalSurname
}

// Initials returns the avatar initials, "U" when no name is known.
func (u UserProfile) Initials() string {
	var b strings.Builder
	for _, s := range []string{u.FirstName, u.surname()} {
		for _, r := range s {
			b.WriteString(strings.ToUpper(string(r)))
			break
		}
	}
	if b.Len() == 0 {
		return "U"
	}
	return b.String()
}

func (u UserProfile) IsAdmin() bool { return u.Role == RoleAdmin }

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	FirstName       string `json:"first_name,omitempty"`
	SecondName      string `json:"second_name,omitempty"`
	PaternalSurname string `json:"paternal_surname,omitempty"`
	MaternalSurname string `json:"maternal_surname,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Role            Role   `json:"role,omitempty"`
}

// Validate performs the checks the sign-up form does before submitting.
func (r RegisterRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(r.Email) == "" {
		missing = append(missing, "email")
	}
	if r.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("campos requeridos: %s", strings.Join(missing, ", "))
	}
	if !strings.Contains(r.Email, "@") {
		return errors.New("email: formato inválido")
	}
	if r.Role != "" && !r.Role.Valid() {
		return fmt.Errorf("role: valor no permitido %q", r.Role)
	}
	return nil
}

// ProfileUpdate is the body of PUT /auth/me.
type ProfileUpdate struct {
	Email           *string `json:"email,omitempty"`
	FirstName       *string `json:"first_name,omitempty"`
	PaternalSurname *string `json:"paternal_surname,omitempty"`
	MaternalSurname *string `json:"maternal_surname,omitempty"`
	Phone           *string `json:"phone,omitempty"`
}

// MinPasswordLength is the shortest new password the server accepts.
const MinPasswordLength = 6

// PasswordChange is the body of POST /auth/change-password.
type PasswordChange struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (p PasswordChange) Validate() error {
	if p.OldPassword == "" || p.NewPassword == "" {
		return errors.New("campos requeridos: old_password, new_password")
	}
	if len([]rune(p.NewPassword)) < MinPasswordLength {
		return fmt.Errorf("new_password: mínimo %d caracteres", MinPasswordLength)
	}
	return nil
}

// AuthPayload is the data block returned by login and register.
type AuthPayload struct {
	User         UserProfile `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
}

// AuthResponse is the envelope of login and register.
type AuthResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    AuthPayload `json:"data"`
}

// RefreshResponse is the envelope of POST /auth/refresh.
type RefreshResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// DecodeProfile accepts every shape /auth/me has been seen to answer with:
// {data:{user}}, {data:user}, {user} or the bare user object.
func DecodeProfile(raw []byte) (UserProfile, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}

	candidate := raw
	if data, ok := env["data"]; ok && !isNull(data) {
		candidate = data
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(data, &inner); err == nil {
			if u, ok := inner["user"]; ok && !isNull(u) {
				candidate = u
			}
		}
	} else if u, ok := env["user"]; ok && !isNull(u) {
		candidate = u
	}

	var p UserProfile
	if err := json.Unmarshal(candidate, &p); err != nil {
		return UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == 0 && p.Username == "" {
		return UserProfile{}, errors.New("decode profile: response carries no user")
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// MarshalZerologObject logs who the user is. Contact details are left out.
func (u UserProfile) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("id", u.ID).
		Str("username", u.Username).
		Str("role", string(u.Role))
}
