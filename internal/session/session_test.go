package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/internal/platform/credstore"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	auth    []string
	handler func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newController(t *testing.T, store credstore.Store, clk clock.Clock, h func(w http.ResponseWriter, r *http.Request)) (*Controller, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{handler: h}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		f.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	api := apiclient.New(srv.URL)
	c := New(api, store, WithClock(clk))
	api.SetTokenSource(c.AccessToken)
	return c, f
}

const meDoctor = `{"status":"success","data":{"user":{"id":1,"username":"ana","role":"doctor","first_name":"Ana"}}}`

func TestBootstrap_NoStoredCredential(t *testing.T) {
	c, f := newController(t, credstore.NewMemoryStore(), clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {})
	if !c.Snapshot().IsLoading() {
		t.Fatal("controller should start loading")
	}
	snap := c.Bootstrap(context.Background())
	if snap.State != StateAnonymous || snap.IsLoading() {
		t.Errorf("expected anonymous, got %s", snap.State)
	}
	if len(f.paths()) != 0 {
		t.Errorf("no request expected, got %v", f.paths())
	}
}

func TestBootstrap_ValidCredentialNoFlash(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := credstore.NewMemoryStore()
	access := token(t, epoch.Add(30*time.Minute))
	_ = store.Write(credstore.Pair{Access: access, Refresh: token(t, epoch.Add(24*time.Hour))})

	hit := make(chan struct{})
	release := make(chan struct{})
	c, f := newController(t, store, clk, func(w http.ResponseWriter, r *http.Request) {
		close(hit)
		<-release
		io.WriteString(w, meDoctor)
	})

	var seen []State
	var mu sync.Mutex
	c.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	done := make(chan Snapshot)
	go func() { done <- c.Bootstrap(context.Background()) }()

	<-hit
	if snap := c.Snapshot(); !snap.IsLoading() || snap.IsAuthenticated() {
		t.Errorf("expected loading while /auth/me is pending, got %s", snap.State)
	}
	close(release)
	snap := <-done

	if !snap.IsAuthenticated() || snap.User.Username != "ana" {
		t.Fatalf("expected authenticated ana, got %+v", snap)
	}
	if got := f.paths(); len(got) != 1 || got[0] != "GET /api/auth/me" {
		t.Errorf("unexpected requests %v", got)
	}
	if f.auth[0] != "Bearer "+access {
		t.Errorf("bootstrap should present the stored credential, got %q", f.auth[0])
	}
	mu.Lock()
	for _, s := range seen {
		if s == StateAnonymous {
			t.Error("anonymous state must never be observed during a valid bootstrap")
		}
	}
	mu.Unlock()

	c.StartRefresh(context.Background())
	d, ok := c.NextRefresh()
	if !ok || d != 20*time.Minute {
		t.Errorf("refresh should be scheduled in 20m, got %s (%v)", d, ok)
	}
	if len(f.paths()) != 1 {
		t.Errorf("no refresh expected yet, got %v", f.paths())
	}
}

func TestBootstrap_RejectedCredentialIsCleared(t *testing.T) {
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(time.Hour)), Refresh: "r"})
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"msg":"Token has been revoked"}`)
	})
	if snap := c.Bootstrap(context.Background()); snap.State != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", snap.State)
	}
	if p, _ := store.Read(); !p.Empty() {
		t.Errorf("rejected credential should be cleared, got %+v", p)
	}
}

func TestBootstrap_TransientFailureKeepsCredential(t *testing.T) {
	store := credstore.NewMemoryStore()
	want := credstore.Pair{Access: token(t, epoch.Add(time.Hour)), Refresh: "r"}
	_ = store.Write(want)
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"status":"error","message":"database is down"}`)
	})
	if snap := c.Bootstrap(context.Background()); snap.State != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", snap.State)
	}
	if p, _ := store.Read(); p != want {
		t.Errorf("credential should be kept on transient failure, got %+v", p)
	}
}

func TestBootstrap_ExpiredAccessUsesRefresh(t *testing.T) {
	store := credstore.NewMemoryStore()
	refresh := token(t, epoch.Add(24*time.Hour))
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(-time.Minute)), Refresh: refresh})
	fresh := token(t, epoch.Add(time.Hour))
	c, f := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			io.WriteString(w, `{"status":"success","data":{"access_token":"`+fresh+`"}}`)
		case "/api/auth/me":
			io.WriteString(w, meDoctor)
		}
	})
	if snap := c.Bootstrap(context.Background()); !snap.IsAuthenticated() {
		t.Fatalf("expected authenticated, got %s", snap.State)
	}
	if f.auth[0] != "Bearer "+refresh || f.auth[1] != "Bearer "+fresh {
		t.Errorf("unexpected bearer sequence %v", f.auth)
	}
	if p, _ := store.Read(); p.Access != fresh {
		t.Error("refreshed credential should be persisted")
	}
}

func TestLogin_PersistsAndAuthenticates(t *testing.T) {
	store := credstore.NewMemoryStore()
	access, refresh := token(t, epoch.Add(time.Hour)), token(t, epoch.Add(48*time.Hour))
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"username":"ana"`) {
			t.Errorf("unexpected login body %s", body)
		}
		io.WriteString(w, `{"status":"success","data":{"user":{"id":1,"username":"ana","role":"admin"},"access_token":"`+access+`","refresh_token":"`+refresh+`"}}`)
	})
	c.Bootstrap(context.Background())
	u, err := c.Login(context.Background(), "ana", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.IsAdmin() || !c.Snapshot().IsAuthenticated() {
		t.Error("expected authenticated admin")
	}
	if p, _ := store.Read(); p.Access != access || p.Refresh != refresh {
		t.Errorf("unexpected stored pair %+v", p)
	}
	if c.AccessToken() != access {
		t.Error("token source should return the new access credential")
	}

	c.Logout()
	if c.Snapshot().State != StateAnonymous || c.AccessToken() != "" {
		t.Error("logout should clear the session")
	}
	if p, _ := store.Read(); !p.Empty() {
		t.Error("logout should clear the store")
	}
}

func TestLogin_Failure(t *testing.T) {
	c, _ := newController(t, credstore.NewMemoryStore(), clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"status":"error","message":"Credenciales inválidas"}`)
	})
	_, err := c.Login(context.Background(), "ana", "bad")
	var fe *FormError
	if !errors.As(err, &fe) || fe.Message != "Credenciales inválidas" {
		t.Fatalf("expected form error with server message, got %v", err)
	}
}

func TestRegister_FlattensFieldErrors(t *testing.T) {
	c, f := newController(t, credstore.NewMemoryStore(), clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"status":"error","message":"Error de validación","errors":{"username":["ya existe"],"email":["inválido","requerido"]}}`)
	})
	_, err := c.Register(context.Background(), identity.RegisterRequest{Username: "ana", Email: "a@b.c", Password: "secret1"})
	if err == nil {
		t.Fatal("expected error")
	}
	want := "email: inválido, requerido\nusername: ya existe"
	if err.Error() != want {
		t.Errorf("Register() error = %q, want %q", err.Error(), want)
	}

	_, err = c.Register(context.Background(), identity.RegisterRequest{Username: "ana"})
	if err == nil || len(f.paths()) != 1 {
		t.Error("client-side validation should block the request")
	}
}

func TestStartRefresh_WithinWindowRefreshesNow(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := credstore.NewMemoryStore()
	refresh := token(t, epoch.Add(24*time.Hour))
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(5*time.Minute)), Refresh: refresh})
	fresh := token(t, epoch.Add(time.Hour))
	c, f := newController(t, store, clk, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/me":
			io.WriteString(w, meDoctor)
		case "/api/auth/refresh":
			io.WriteString(w, `{"status":"success","data":{"access_token":"`+fresh+`"}}`)
		}
	})
	c.Bootstrap(context.Background())
	c.StartRefresh(context.Background())

	got := f.paths()
	if len(got) != 2 || got[1] != "POST /api/auth/refresh" {
		t.Fatalf("expected an immediate refresh, got %v", got)
	}
	if c.AccessToken() != fresh {
		t.Error("access credential should be replaced")
	}
	if d, ok := c.NextRefresh(); !ok || d != 50*time.Minute {
		t.Errorf("next check should be in 50m, got %s", d)
	}
}

func TestStartRefresh_TimerFiresRefresh(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(30*time.Minute)), Refresh: token(t, epoch.Add(24*time.Hour))})
	fresh := token(t, epoch.Add(90*time.Minute))
	c, f := newController(t, store, clk, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/me":
			io.WriteString(w, meDoctor)
		case "/api/auth/refresh":
			io.WriteString(w, `{"status":"success","data":{"access_token":"`+fresh+`"}}`)
		}
	})
	c.Bootstrap(context.Background())
	c.StartRefresh(context.Background())

	clk.Advance(19 * time.Minute)
	if len(f.paths()) != 1 {
		t.Fatalf("refresh fired early: %v", f.paths())
	}
	clk.Advance(time.Minute)
	if got := f.paths(); len(got) != 2 || got[1] != "POST /api/auth/refresh" {
		t.Fatalf("expected refresh at expiry - 10m, got %v", got)
	}
	if c.AccessToken() != fresh {
		t.Error("access credential should be replaced")
	}
}

func TestStartRefresh_FailureLogsOut(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(5*time.Minute)), Refresh: "r"})
	c, _ := newController(t, store, clk, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"msg":"Token has expired"}`)
			return
		}
		io.WriteString(w, meDoctor)
	})
	c.Bootstrap(context.Background())
	c.StartRefresh(context.Background())
	if c.Snapshot().State != StateAnonymous {
		t.Error("failed refresh should log out")
	}
	if _, ok := c.NextRefresh(); ok {
		t.Error("no timer should remain after logout")
	}
}

func TestStartRefresh_ExpiredLogsOut(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(30*time.Minute)), Refresh: "r"})
	c, f := newController(t, store, clk, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, meDoctor)
	})
	c.Bootstrap(context.Background())
	clk.Set(epoch.Add(31 * time.Minute))
	c.StartRefresh(context.Background())
	if c.Snapshot().State != StateAnonymous {
		t.Error("expired credential should log out")
	}
	if len(f.paths()) != 1 {
		t.Errorf("no refresh should be attempted, got %v", f.paths())
	}
}

func TestHandleUnauthorized(t *testing.T) {
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(time.Hour))})
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, meDoctor)
	})
	c.Bootstrap(context.Background())

	if c.HandleUnauthorized(&apiclient.Error{StatusCode: 500, Message: "boom"}) {
		t.Error("500 should not log out")
	}
	if !c.Snapshot().IsAuthenticated() {
		t.Fatal("session should survive a 500")
	}
	if !c.HandleUnauthorized(&apiclient.Error{StatusCode: 401, Message: "Unauthorized"}) {
		t.Error("401 should log out")
	}
	if c.Snapshot().IsAuthenticated() {
		t.Error("session should be anonymous after 401")
	}
}

func TestChangePassword_WrongCurrentDoesNotLogOut(t *testing.T) {
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(time.Hour))})
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/change-password" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"status":"error","message":"La contraseña actual es incorrecta"}`)
			return
		}
		io.WriteString(w, meDoctor)
	})
	c.Bootstrap(context.Background())
	err := c.ChangePassword(context.Background(), identity.PasswordChange{OldPassword: "x", NewPassword: "nueva123"})
	if err == nil || err.Error() != "La contraseña actual es incorrecta" {
		t.Errorf("unexpected error %v", err)
	}
	if !c.Snapshot().IsAuthenticated() {
		t.Error("wrong current password must not end the session")
	}
	if err := c.ChangePassword(context.Background(), identity.PasswordChange{OldPassword: "x", NewPassword: "123"}); err == nil {
		t.Error("short password should be rejected client-side")
	}
}

func TestUpdateProfile_ReplacesUser(t *testing.T) {
	store := credstore.NewMemoryStore()
	_ = store.Write(credstore.Pair{Access: token(t, epoch.Add(time.Hour))})
	c, _ := newController(t, store, clock.NewManual(epoch), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			io.WriteString(w, `{"status":"success","data":{"id":1,"username":"ana","role":"doctor","phone":"555"}}`)
			return
		}
		io.WriteString(w, meDoctor)
	})
	c.Bootstrap(context.Background())
	phone := "555"
	if _, err := c.UpdateProfile(context.Background(), identity.ProfileUpdate{Phone: &phone}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Snapshot().User.Phone != "555" {
		t.Error("profile should be replaced")
	}
}
