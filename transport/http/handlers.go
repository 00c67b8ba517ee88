package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/service"
)

const userIDKey = "userID"

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	logger      *slog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, logger *slog.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		logger:      logger,
	}
}

type googleLoginRequest struct {
	GoogleIDToken string `json:"googleIdToken" binding:"required"`
}

type loginResponse struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type meResponse struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GoogleLogin exchanges a Google ID token for a session token
func (h *AuthHandlers) GoogleLogin(c *gin.Context) {
	var req googleLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.GoogleIDToken)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Authentication failed"

		switch {
		case core.IsAuthError(err):
			statusCode = http.StatusUnauthorized
			errorMsg = "Invalid identity token"
		case errors.Is(err, core.ErrUpstreamUnavailable):
			statusCode = http.StatusServiceUnavailable
			errorMsg = "Identity provider unavailable"
		case errors.Is(err, core.ErrUserResolutionFailed):
			errorMsg = "Failed to resolve user"
		}

		if statusCode >= http.StatusInternalServerError {
			h.logger.Error("login failed", slog.Int("status", statusCode), slog.Any("error", err))
		}

		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Token:       res.Token,
		UserID:      res.User.ID,
		Email:       res.User.Email,
		DisplayName: res.User.DisplayName,
		AvatarURL:   res.User.AvatarURL,
		ExpiresAt:   res.ExpiresAt.UTC(),
	})
}

// Me returns the profile of the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	// set by the auth middleware
	userID := c.GetString(userIDKey)
	if userID == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User not found in context"})
		return
	}

	user, err := h.authService.CurrentUser(c.Request.Context(), userID)
	if errors.Is(err, core.ErrUserNotFound) {
		// a valid token for a user that no longer exists
		c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorized)
		return
	}
	if err != nil {
		h.logger.Error("failed to load current user", slog.String("user_id", userID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}

	c.JSON(http.StatusOK, meResponse{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		CreatedAt:   user.CreatedAt.UTC(),
	})
}

// Health reports liveness
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
