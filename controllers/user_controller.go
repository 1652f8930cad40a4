package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/services"
)

// UserController registers and returns app member profiles.
type UserController struct {
	db       *gorm.DB
	userInfo services.UserInfoProvider
	logger   *zap.Logger
}

// NewUserController creates a controller backed by db. userInfo resolves the
// profile behind the caller's access token.
func NewUserController(db *gorm.DB, userInfo services.UserInfoProvider, logger *zap.Logger) *UserController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserController{db: db, userInfo: userInfo, logger: logger}
}

// CreateUser handles POST /api/v1/users - creates a new user from Auth0 userinfo
func (uc *UserController) CreateUser(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return
	}

	accessToken, err := middleware.GetAccessToken(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "Access token not found")
		return
	}

	userInfo, err := uc.userInfo.GetUserInfo(c.Request.Context(), accessToken)
	if err != nil {
		uc.logger.Warn("userinfo lookup failed", zap.String("user_id", identity.UserID), zap.Error(err))
		respondError(c, http.StatusBadGateway, "AUTH0_ERROR", "Failed to fetch user information from Auth0")
		return
	}

	if userInfo.Email == "" {
		respondError(c, http.StatusBadRequest, "MISSING_EMAIL", "Email not provided by Auth0")
		return
	}
	if userInfo.Name == "" {
		respondError(c, http.StatusBadRequest, "MISSING_NAME", "Name not provided by Auth0")
		return
	}

	user := models.User{
		Auth0ID: identity.UserID,
		Name:    userInfo.Name,
		Email:   userInfo.Email,
		Role:    identity.Role,
	}

	if err := uc.db.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "USER_EXISTS", "A user with this Auth0 ID or email already exists")
			return
		}
		uc.logger.Error("failed to create user", zap.String("user_id", identity.UserID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create user")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    user,
	})
}

// GetMyProfile handles GET /api/v1/users/me - gets current user's profile
func (uc *UserController) GetMyProfile(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return
	}

	var user models.User
	err := uc.db.WithContext(c.Request.Context()).Where("auth0_id = ?", identity.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "USER_NOT_FOUND", "User profile not found. Please create a profile first.")
		return
	}
	if err != nil {
		uc.logger.Error("failed to load user", zap.String("user_id", identity.UserID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load user profile")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    user,
	})
}
