package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"datepoll/internal/auth"
	appLog "datepoll/internal/log"
	"datepoll/internal/model"
	"datepoll/internal/store"
)

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req signupRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return errors.New("name is required")
	case !strings.Contains(req.Email, "@"):
		return errors.New("a valid email is required")
	case len(req.Password) < auth.MinPasswordLength:
		return fmt.Errorf("password must have at least %d characters", auth.MinPasswordLength)
	}
	return nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		appLog.Error("password hash failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u, err := s.store.CreateUser(r.Context(), model.User{Name: req.Name, Email: req.Email}, hash)
	if err != nil {
		writeStoreError(w, err, "user")
		return
	}
	appLog.Info("user signed up", "user", u.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"user": u.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      model.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := s.store.AccountByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && req.Password == "") {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		writeStoreError(w, err, "user")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, acc.PasswordHash)
	if err != nil {
		appLog.Error("stored password hash unreadable", err, "user", acc.ID)
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	sess, err := s.sessions.Login(acc.ID, acc.Name)
	if err != nil {
		appLog.Error("session start failed", err, "user", acc.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: acc.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	s.sessions.Logout(uid)
	w.WriteHeader(http.StatusNoContent)
}

type userResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Name: u.Name})
}
