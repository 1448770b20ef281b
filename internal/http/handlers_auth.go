package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"fintrack/internal/api"
	"fintrack/internal/guard"
	"fintrack/internal/log"
)

type authView struct {
	Page
	Email     string
	ReturnURL string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	v := authView{Page: s.page(r, "Login"), ReturnURL: r.URL.Query().Get(guard.ReturnParam)}
	if r.URL.Query().Get("registered") == "1" {
		v.Flash = "Registration successful! Please log in."
	}
	s.render(w, r, http.StatusOK, "login_page", v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentSession)

	creds, returnURL, err := ParseLoginForm(r)
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	creds = creds.ForLogin()

	v := authView{Page: s.page(r, "Login"), Email: creds.Email, ReturnURL: returnURL}
	if err := creds.Validate(); err != nil {
		v.Error = "Enter email & password"
		s.render(w, r, http.StatusUnprocessableEntity, "login_page", v)
		return
	}

	res, err, _ := s.inflight.Do(busyKey("login", creds), func() (any, error) {
		return s.api.Login(r.Context(), creds)
	})
	if err != nil {
		logger.WarnContext(r.Context(), "Login failed", log.NewFields().
			WithOperation(log.OpLogin).WithError(err).ToSlice()...)
		v.Error = remoteMessage(err, "Login failed")
		s.render(w, r, remoteStatus(err), "login_page", v)
		return
	}

	// LoginSuccess is idempotent, so collapsed duplicates may each store it.
	login := res.(api.LoginResult)
	if err := s.session.LoginSuccess(r.Context(), login.Token, login.Email); err != nil {
		log.NewStructuredLogger(logger).LogError(r.Context(), "Failed to persist session", err, log.OpLogin, log.NewFields())
		s.renderError(w, r, http.StatusInternalServerError, "Could not save the session")
		return
	}
	logger.InfoContext(r.Context(), "Logged in", log.FieldOperation, log.OpLogin)

	// The return target is echoed by the login form but navigation always
	// resumes at the dashboard.
	s.redirect(w, r, "/dashboard")
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "register_page", authView{Page: s.page(r, "Register")})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentSession)

	creds, err := ParseCredentialsForm(r)
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	creds = creds.ForRegister()

	v := authView{Page: s.page(r, "Register"), Email: creds.Email}
	if err := creds.Validate(); err != nil {
		v.Error = "Please enter both email and password."
		s.render(w, r, http.StatusUnprocessableEntity, "register_page", v)
		return
	}

	_, err, _ = s.inflight.Do(busyKey("register", creds), func() (any, error) {
		return nil, s.api.Register(r.Context(), creds)
	})
	if err != nil {
		logger.WarnContext(r.Context(), "Registration failed", log.NewFields().
			WithOperation(log.OpRegister).WithError(err).ToSlice()...)
		v.Error = remoteMessage(err, "Registration failed.")
		s.render(w, r, remoteStatus(err), "register_page", v)
		return
	}

	logger.InfoContext(r.Context(), "Registered", log.FieldOperation, log.OpRegister)
	s.redirect(w, r, "/login?registered=1")
}

// handleLogout clears the local session whatever the server says.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentSession)

	if _, ok := s.session.Token(r.Context()); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if err := s.api.LogoutRemote(ctx); err != nil {
			logger.DebugContext(r.Context(), "Remote logout failed", log.FieldError, err)
		}
		cancel()
	}

	if err := s.session.Logout(r.Context()); err != nil {
		log.NewStructuredLogger(logger).LogError(r.Context(), "Failed to clear session", err, log.OpLogout, log.NewFields())
	}
	logger.InfoContext(r.Context(), "Logged out", log.FieldOperation, log.OpLogout)
	s.redirect(w, r, guard.LoginPath)
}

// busyKey identifies one submission: the same action with the same payload
// while the first is still in flight shares its result.
func busyKey(action string, payload any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", payload)))
	return action + ":" + hex.EncodeToString(sum[:])
}
