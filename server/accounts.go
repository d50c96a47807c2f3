package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/types"
)

const (
	maxUsernameLength = 20
	maxNameLength     = 100
	minPasswordLength = 8
)

// LoginRequest carries the username and the RSA-encrypted password.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignupRequest struct {
	FullName string `json:"full_name"`
	Surname  string `json:"surname"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserIDResponse struct {
	ID int64 `json:"id"`
}

type WhoAmIResponse struct {
	ID       int64  `json:"id"`
	Admin    bool   `json:"admin"`
	Username string `json:"username"`
}

type ChangePasswordRequest struct {
	UserID      int64  `json:"user_id"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req := LoginRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	password, err := s.custodian.Unwrap(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not decrypt password")
		return
	}
	user, err := s.persister.GetUserByUsername(req.Username)
	if err == persistence.ErrNotFound {
		writeError(w, http.StatusUnauthorized, "not authorized")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if !crypto.VerifyPassword(password, user.Salt, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "not authorized")
		return
	}
	if !user.EmailVerified {
		writeError(w, http.StatusUnauthorized, "email not verified")
		return
	}
	role := types.RoleMember
	if admin, err := s.persister.IsAdmin(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	} else if admin {
		role = types.RoleAdmin
	}
	token, err := s.sessions.Create(types.Identity{
		UserID:      user.ID,
		Role:        role,
		DisplayName: user.Username,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
	globals.AppLogger.Info("login", "user_id", user.ID, "username", user.Username, "role", role.String())
	writeJSON(w, http.StatusOK, UserIDResponse{ID: user.ID})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	req := SignupRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	req.FullName = strings.TrimSpace(req.FullName)
	req.Surname = strings.TrimSpace(req.Surname)
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > maxUsernameLength {
		writeError(w, http.StatusBadRequest, "username must be between 1 and 20 characters")
		return
	}
	if req.Email == "" || len(req.Email) > maxNameLength || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid e-mail address")
		return
	}
	if len(req.FullName) > maxNameLength || len(req.Surname) > maxNameLength {
		writeError(w, http.StatusBadRequest, "name too long")
		return
	}
	password, err := s.custodian.Unwrap(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not decrypt password")
		return
	}
	password = strings.TrimSpace(password)
	if len(password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if _, err := s.persister.GetUserByUsername(req.Username); err == nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	} else if err != persistence.ErrNotFound {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate salt")
		return
	}
	hash, err := crypto.HashPassword(password, salt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not hash password")
		return
	}
	user := &types.User{
		FullName:     req.FullName,
		Surname:      req.Surname,
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		Salt:         salt,
	}
	if err := s.persister.StoreUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	verifyToken, err := crypto.NewToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate verification token")
		return
	}
	if err := s.persister.StoreEmailToken(user.ID, verifyToken); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	link := fmt.Sprintf("http://%s/verify-email/%s", r.Host, verifyToken)
	if err := s.mailer.Send(user.Email, "Email verification", link); err != nil {
		globals.AppLogger.Error("could not send verification mail", "user_id", user.ID, "error", err)
	}
	globals.AppLogger.Info("signup", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, UserIDResponse{ID: user.ID})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	userID, err := s.persister.ConsumeEmailToken(token)
	if err == persistence.ErrNotFound {
		writeError(w, http.StatusNotFound, "unknown verification token")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := s.persister.SetEmailVerified(userID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	globals.AppLogger.Info("email verified", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token != "" {
		if err := s.gate.Logout(token); err != nil {
			globals.AppLogger.Error("could not invalidate session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, WhoAmIResponse{
		ID:       identity.UserID,
		Admin:    identity.Role == types.RoleAdmin,
		Username: identity.DisplayName,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := ChangePasswordRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	oldPassword, err := s.custodian.Unwrap(req.OldPassword)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not decrypt password")
		return
	}
	newPassword, err := s.custodian.Unwrap(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not decrypt password")
		return
	}
	if len(strings.TrimSpace(newPassword)) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	user, err := s.persister.GetUser(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if !crypto.VerifyPassword(oldPassword, user.Salt, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate salt")
		return
	}
	hash, err := crypto.HashPassword(strings.TrimSpace(newPassword), salt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not hash password")
		return
	}
	if err := s.persister.UpdatePassword(req.UserID, hash, salt); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	globals.AppLogger.Info("password changed", "user_id", req.UserID)
	w.WriteHeader(http.StatusNoContent)
}
