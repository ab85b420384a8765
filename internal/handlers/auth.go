package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
	"github.com/nicedonate/nicedonate/internal/services"
)

// ForgotPasswordMessage is returned whether or not the address is registered.
const ForgotPasswordMessage = "If an account exists for that email, a reset link has been sent"

type AuthHandler struct {
	userService  services.UserServiceInterface
	authService  services.AuthServiceInterface
	emailService services.EmailServiceInterface
	secure       bool
}

func NewAuthHandler(userService services.UserServiceInterface, authService services.AuthServiceInterface, emailService services.EmailServiceInterface, secure bool) *AuthHandler {
	return &AuthHandler{
		userService:  userService,
		authService:  authService,
		emailService: emailService,
		secure:       secure,
	}
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// AuthResponse carries the session token for clients that cannot keep cookies.
type AuthResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token,omitempty"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	email, err := services.ValidateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if err := services.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := h.authService.HashPassword(req.Password)
	if err != nil {
		logging.Error("Error hashing password", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := h.userService.Create(r.Context(), models.CreateUserParams{
		Email:        email,
		PasswordHash: &hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
	})
	if errors.Is(err, services.ErrEmailAlreadyExists) {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	if err != nil {
		logging.Error("Error creating user", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.startSession(w, r, user, http.StatusCreated)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.userService.GetByEmail(r.Context(), req.Email)
	if errors.Is(err, services.ErrUserNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		logging.Error("Error looking up user", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !h.authService.VerifyPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	h.startSession(w, r, user, http.StatusOK)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := requestSessionToken(r); token != "" {
		if err := h.authService.DeleteSession(r.Context(), token); err != nil {
			logging.Warn("Error deleting session", map[string]interface{}{"error": err.Error()})
		}
	}
	clearSessionCookie(w, h.secure)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{User: user})
}

// ForgotPassword always confirms so callers cannot enumerate accounts.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := services.ValidateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	user, err := h.userService.GetByEmail(r.Context(), email)
	switch {
	case errors.Is(err, services.ErrUserNotFound):
	case err != nil:
		logging.Error("Error looking up user for password reset", map[string]interface{}{"error": err.Error()})
	default:
		h.sendResetEmail(r, user)
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: ForgotPasswordMessage})
}

func (h *AuthHandler) sendResetEmail(r *http.Request, user *models.User) {
	token, err := h.authService.CreatePasswordResetToken(r.Context(), user.ID)
	if err != nil {
		logging.Error("Error creating password reset token", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.emailService.SendPasswordResetEmail(r.Context(), user.Email, token); err != nil {
		logging.Error("Error sending password reset email", map[string]interface{}{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		})
	}
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "Reset token is required")
		return
	}
	if err := services.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The token is only spent once the new password is stored.
	userID, err := h.authService.LookupPasswordResetToken(r.Context(), req.Token)
	if errors.Is(err, services.ErrInvalidResetToken) {
		writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	if err != nil {
		logging.Error("Error reading reset token", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	hash, err := h.authService.HashPassword(req.Password)
	if err != nil {
		logging.Error("Error hashing password", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.userService.UpdatePassword(r.Context(), userID, hash); err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
			return
		}
		logging.Error("Error updating password", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if _, err := h.authService.ConsumePasswordResetToken(r.Context(), req.Token); err != nil && !errors.Is(err, services.ErrInvalidResetToken) {
		logging.Warn("Error consuming reset token", map[string]interface{}{"error": err.Error()})
	}
	if err := h.authService.RevokeUserSessions(r.Context(), userID); err != nil {
		logging.Error("Error revoking sessions after password reset", map[string]interface{}{
			"user_id": userID.String(),
			"error":   err.Error(),
		})
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password updated"})
}

func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, user *models.User, status int) {
	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		logging.Error("Error creating session", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	setSessionCookie(w, token, h.secure)
	writeJSON(w, status, AuthResponse{User: user, Token: token})
}
