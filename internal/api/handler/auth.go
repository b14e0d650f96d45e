// Package handler contains HTTP handlers grouped by resource.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler handles /api/v1/auth/* routes.
type AuthHandler struct {
	db      *gorm.DB
	refresh *auth.RefreshStore
	tokens  *auth.TokenIssuer
	log     *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(db *gorm.DB, tokens *auth.TokenIssuer, refreshTTL time.Duration, log *slog.Logger) *AuthHandler {
	return &AuthHandler{
		db:      db,
		refresh: auth.NewRefreshStore(db, refreshTTL),
		tokens:  tokens,
		log:     log,
	}
}

// loginRequest holds the credentials submitted via POST /api/v1/auth/login.
// The password is unexported and decoded by hand so it is never re-encoded.
type loginRequest struct {
	Email string
	pass  string
}

func (r *loginRequest) UnmarshalJSON(data []byte) error {
	var obj struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Email, r.pass = obj.Email, obj.Password
	return nil
}

// tokenRequest is the body of refresh and logout.
type tokenRequest struct {
	token string
}

func (r *tokenRequest) UnmarshalJSON(data []byte) error {
	var obj struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.token = obj.RefreshToken
	return nil
}

// tokenAttrs are the JSON attributes returned in successful auth responses.
type tokenAttrs struct {
	accessToken  string
	refreshToken string
	TokenType    string
}

func (t tokenAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"access_token":  t.accessToken,
		"refresh_token": t.refreshToken,
		"token_type":    t.TokenType,
	})
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.Email == "" || req.pass == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "email and password are required")
		return
	}

	ctx := r.Context()
	var u model.User
	if err := h.db.WithContext(ctx).
		Where("email = ? AND deactivated_at IS NULL", req.Email).
		First(&u).Error; err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_credentials", "Unauthorized", "email or password is incorrect")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.pass)); err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_credentials", "Unauthorized", "email or password is incorrect")
		return
	}

	refreshToken, err := h.refresh.IssueRefreshToken(ctx, u.ID)
	if err != nil {
		h.log.ErrorContext(ctx, "issue refresh token", "user_id", u.ID, "err", err)
		jsonapi.RenderError(w, http.StatusInternalServerError, "token_error", "Internal Server Error", "failed to issue refresh token")
		return
	}
	h.renderTokens(w, r, &u, refreshToken)
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.token == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	newRefresh, userID, err := h.refresh.RotateRefreshToken(ctx, req.token)
	if err != nil {
		if !errors.Is(err, auth.ErrRefreshInvalid) {
			h.log.ErrorContext(ctx, "rotate refresh token", "err", err)
		}
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_token", "Unauthorized", "refresh token is invalid or expired")
		return
	}

	var u model.User
	if err := h.db.WithContext(ctx).
		Where("id = ? AND deactivated_at IS NULL", userID).
		First(&u).Error; err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "user_not_found", "Unauthorized", "user account does not exist")
		return
	}
	h.renderTokens(w, r, &u, newRefresh)
}

func (h *AuthHandler) renderTokens(w http.ResponseWriter, r *http.Request, u *model.User, refreshToken string) {
	accessToken, err := h.tokens.Issue(auth.Subject{UserID: u.ID, Email: u.Email, Roles: []string(u.Roles)})
	if err != nil {
		h.log.ErrorContext(r.Context(), "issue access token", "user_id", u.ID, "err", err)
		jsonapi.RenderError(w, http.StatusInternalServerError, "token_error", "Internal Server Error", "failed to issue access token")
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "auth_token",
		ID:   u.ID,
		Attributes: tokenAttrs{
			accessToken:  accessToken,
			refreshToken: refreshToken,
			TokenType:    "Bearer",
		},
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.token == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "refresh_token is required")
		return
	}
	// Unknown tokens still get 204 so callers cannot tell valid ones apart.
	if err := h.refresh.RevokeRefreshToken(r.Context(), req.token); err != nil {
		h.log.WarnContext(r.Context(), "revoke refresh token", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
