package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"loadgate/pkg/auth"
	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

const minPasswordLen = 8

// AuthHandler issues tokens for registered users.
type AuthHandler struct {
	Users  store.UserStore
	Issuer *auth.Issuer
	// OpenRegistration lets anyone register a user account. The first account
	// is always admin and is created even when registration is closed.
	OpenRegistration bool
	Log              *zap.Logger
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
}

func (a *AuthHandler) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger(), err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, a.logger(), model.Invalid("username", "is required"))
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, a.logger(), model.Invalid("password", "must be at least %d characters", minPasswordLen))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, a.logger(), err)
		return
	}
	user := model.User{ID: uuid.NewString(), Username: req.Username, PasswordHash: string(hash), Role: model.RoleAdmin}
	err = a.Users.CreateFirstUser(r.Context(), user)
	if errors.Is(err, model.ErrConflict) {
		if !a.OpenRegistration {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "registration closed"})
			return
		}
		user.Role = model.RoleUser
		err = a.Users.CreateUser(r.Context(), user)
		if errors.Is(err, model.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "username taken"})
			return
		}
	}
	if err != nil {
		writeError(w, a.logger(), err)
		return
	}
	a.logger().Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username), zap.String("role", string(user.Role)))
	a.respondToken(w, http.StatusCreated, user)
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger(), err)
		return
	}
	user, err := a.Users.FindUser(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			writeError(w, a.logger(), err)
			return
		}
		writeError(w, a.logger(), model.ErrUnauthenticated)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, a.logger(), model.ErrUnauthenticated)
		return
	}
	a.respondToken(w, http.StatusOK, user)
}

func (a *AuthHandler) respondToken(w http.ResponseWriter, status int, user model.User) {
	token, err := a.Issuer.Generate(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, a.logger(), err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, UserID: user.ID, Role: user.Role})
}
