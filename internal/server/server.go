// Package server is the HTTP surface over the identity core.
package server

import (
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clearvest/identity/internal/identity"
	"github.com/clearvest/identity/internal/identity/accreditation"
	"github.com/clearvest/identity/internal/identity/kyc"
	"github.com/clearvest/identity/internal/identity/rbac"
	"github.com/clearvest/identity/internal/identity/session"
	"github.com/clearvest/identity/internal/identity/twofa"
	apperrors "github.com/clearvest/identity/pkg/errors"
)

// Server represents the HTTP server.
type Server struct {
	logger        *zap.Logger
	identitySvc   *identity.Service
	sessions      *session.Manager
	totp          *twofa.TOTPService
	kycMachine    *kyc.Machine
	accreditation *accreditation.Engine
	rbac          *rbac.Resolver
}

// NewServer creates a new HTTP server.
func NewServer(
	logger *zap.Logger,
	identitySvc *identity.Service,
	sessions *session.Manager,
	totp *twofa.TOTPService,
	kycMachine *kyc.Machine,
	accreditationEngine *accreditation.Engine,
	rbacResolver *rbac.Resolver,
) *Server {
	return &Server{
		logger:        logger,
		identitySvc:   identitySvc,
		sessions:      sessions,
		totp:          totp,
		kycMachine:    kycMachine,
		accreditation: accreditationEngine,
		rbac:          rbacResolver,
	}
}

// Router creates the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			auth := v1.Group("/auth")
			{
				auth.POST("/register", s.handleRegister)
				auth.POST("/login", s.handleLogin)
				auth.POST("/refresh", s.handleRefresh)
				auth.POST("/logout", s.authMiddleware(), s.handleLogout)
				auth.POST("/logout-everywhere", s.authMiddleware(), s.handleLogoutEverywhere)
				auth.POST("/password-reset/request", s.handlePasswordResetRequest)
				auth.POST("/password-reset/confirm", s.handlePasswordResetConfirm)

				auth.POST("/email/request", s.authMiddleware(), s.handleEmailConfirmRequest)
				auth.POST("/email/confirm", s.authMiddleware(), s.handleEmailConfirm)
				auth.POST("/phone/request", s.authMiddleware(), s.handlePhoneConfirmRequest)
				auth.POST("/phone/confirm", s.authMiddleware(), s.handlePhoneConfirm)

				totp := auth.Group("/totp", s.authMiddleware())
				{
					totp.POST("/enroll", s.handleTOTPEnroll)
					totp.POST("/activate", s.handleTOTPActivate)
					totp.POST("/disable", s.handleTOTPDisable)
				}
			}

			sessions := v1.Group("/sessions", s.authMiddleware())
			{
				sessions.GET("", s.handleListSessions)
				sessions.DELETE("/:id", s.handleRevokeSession)
			}

			kycGroup := v1.Group("/kyc")
			{
				// The provider callback authenticates with a shared secret
				// at the gateway, not with a user session.
				kycGroup.POST("/webhook", s.handleKycWebhook)

				authed := kycGroup.Group("", s.authMiddleware())
				{
					authed.POST("/submissions", s.handleKycSubmit)
					authed.GET("/status", s.handleKycStatus)
				}

				review := kycGroup.Group("", s.authMiddleware(), s.requirePermission("kyc:review"))
				{
					review.POST("/documents/:id/review", s.handleKycDocumentReview)
					review.PUT("/verifications/:id/status", s.handleKycStatusUpdate)
					review.GET("/verifications/:id/documents", s.handleKycDocuments)
				}
			}

			accr := v1.Group("/accreditation", s.authMiddleware())
			{
				accr.GET("/status", s.handleAccreditationStatus)
				accr.GET("/limit", s.handleInvestmentLimit)
				accr.PUT("/financials", s.handleUpdateFinancials)
				accr.POST("/investments/validate", s.handleValidateInvestment)
				accr.POST("/override", s.requirePermission("accreditation:override"), s.handleAccreditationOverride)
			}

			v1.GET("/activity", s.authMiddleware(), s.handleActivity)
		}
	}

	return router
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var status int
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindConflict:
		status = http.StatusConflict
	case apperrors.KindExternal:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	message := err.Error()
	var typed *apperrors.Error
	if apperrors.As(err, &typed) {
		// The cause chain stays server-side.
		message = typed.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message})
}

func (s *Server) unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}

// authMiddleware validates the bearer token and the session behind it.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			s.unauthorized(c, "missing authorization header")
			return
		}
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		claims, err := s.sessions.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			s.unauthorized(c, "invalid or expired token")
			return
		}

		c.Set("userID", claims.UserID)
		c.Set("sessionID", claims.SessionID)
		c.Set("userEmail", claims.Email)
		c.Next()
	}
}

// requirePermission gates a route on the rbac resolver.
func (s *Server) requirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		ok, err := s.rbac.HasPermission(c.Request.Context(), userID, permission)
		if err != nil {
			s.writeError(c, err)
			c.Abort()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) uuid.UUID {
	v, _ := c.Get("userID")
	id, _ := v.(uuid.UUID)
	return id
}

func currentSessionID(c *gin.Context) uuid.UUID {
	v, _ := c.Get("sessionID")
	id, _ := v.(uuid.UUID)
	return id
}
