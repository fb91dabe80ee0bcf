package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearvest/identity/internal/identity"
	"github.com/clearvest/identity/internal/identity/kyc"
	"github.com/clearvest/identity/internal/identity/session"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// maxDocumentSize bounds a single uploaded document.
const maxDocumentSize = 20 << 20

func deviceMetadata(c *gin.Context) session.DeviceMetadata {
	return session.DeviceMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req identity.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	user, err := s.identitySvc.Register(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email         string `json:"email" binding:"required"`
		Password      string `json:"password" binding:"required"`
		TwoFactorCode string `json:"two_factor_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	result, err := s.identitySvc.Login(c.Request.Context(), req.Email, req.Password,
		req.TwoFactorCode, deviceMetadata(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if result.TwoFactorRequired {
		c.JSON(http.StatusAccepted, gin.H{"two_factor_required": true})
		return
	}
	c.JSON(http.StatusOK, result.Tokens)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	pair, err := s.identitySvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleLogout(c *gin.Context) {
	err := s.identitySvc.Logout(c.Request.Context(), currentUserID(c), currentSessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (s *Server) handleLogoutEverywhere(c *gin.Context) {
	revoked, err := s.identitySvc.LogoutEverywhereElse(c.Request.Context(),
		currentUserID(c), currentSessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked_sessions": revoked})
}

func (s *Server) handlePasswordResetRequest(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	if err := s.identitySvc.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "reset code sent if the account exists"})
}

func (s *Server) handlePasswordResetConfirm(c *gin.Context) {
	var req struct {
		Email       string `json:"email" binding:"required,email"`
		Code        string `json:"code" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	if err := s.identitySvc.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password reset"})
}

func (s *Server) handleEmailConfirmRequest(c *gin.Context) {
	if err := s.identitySvc.RequestEmailConfirmation(c.Request.Context(), currentUserID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "confirmation code sent"})
}

func (s *Server) handleEmailConfirm(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}
	if err := s.identitySvc.ConfirmEmail(c.Request.Context(), currentUserID(c), req.Code); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "email confirmed"})
}

func (s *Server) handlePhoneConfirmRequest(c *gin.Context) {
	if err := s.identitySvc.RequestPhoneConfirmation(c.Request.Context(), currentUserID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "confirmation code sent"})
}

func (s *Server) handlePhoneConfirm(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}
	if err := s.identitySvc.ConfirmPhone(c.Request.Context(), currentUserID(c), req.Code); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "phone confirmed"})
}

func (s *Server) handleTOTPEnroll(c *gin.Context) {
	email, _ := c.Get("userEmail")
	enrollment, err := s.totp.Enroll(c.Request.Context(), currentUserID(c), email.(string))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, enrollment)
}

func (s *Server) handleTOTPActivate(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}
	backupCodes, err := s.totp.Activate(c.Request.Context(), currentUserID(c), req.Code)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "authenticator activated",
		"backup_codes": backupCodes,
	})
}

func (s *Server) handleTOTPDisable(c *gin.Context) {
	if err := s.totp.Disable(c.Request.Context(), currentUserID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "authenticator disabled"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.ActiveSessions(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleRevokeSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Validation("invalid session id"))
		return
	}
	if err := s.sessions.Revoke(c.Request.Context(), sessionID, "revoked by user"); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session revoked"})
}

func (s *Server) handleKycSubmit(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		s.writeError(c, apperrors.Validation("expected multipart form with documents"))
		return
	}

	var uploads []kyc.DocumentUpload
	var closers []io.Closer
	defer func() {
		for _, cl := range closers {
			cl.Close()
		}
	}()

	for docType, files := range form.File {
		for _, header := range files {
			if header.Size > maxDocumentSize {
				s.writeError(c, apperrors.Validation("document %s exceeds the size limit", header.Filename))
				return
			}
			file, err := header.Open()
			if err != nil {
				s.writeError(c, apperrors.Internal("failed to read upload", err))
				return
			}
			closers = append(closers, file)
			uploads = append(uploads, kyc.DocumentUpload{
				Type:        docType,
				FileName:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Content:     file,
			})
		}
	}

	verification, err := s.kycMachine.Submit(c.Request.Context(), currentUserID(c), uploads)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, verification)
}

func (s *Server) handleKycStatus(c *gin.Context) {
	status, verification, err := s.kycMachine.CurrentStatus(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := gin.H{"status": status}
	if verification != nil {
		resp["verification"] = verification
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleKycDocumentReview(c *gin.Context) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Validation("invalid document id"))
		return
	}

	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	reviewer := currentUserID(c)
	if err := s.kycMachine.VerifyDocument(c.Request.Context(), documentID, req.Approved, req.Reason, &reviewer); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "document reviewed"})
}

func (s *Server) handleKycStatusUpdate(c *gin.Context) {
	verificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Validation("invalid verification id"))
		return
	}

	var req struct {
		Status  string `json:"status" binding:"required"`
		Remarks string `json:"remarks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	actor := currentUserID(c)
	err = s.kycMachine.UpdateStatus(c.Request.Context(), verificationID,
		models.KycStatus(req.Status), req.Remarks, &actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "verification updated"})
}

func (s *Server) handleKycDocuments(c *gin.Context) {
	verificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Validation("invalid verification id"))
		return
	}
	docs, err := s.kycMachine.Documents(c.Request.Context(), verificationID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) handleKycWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.writeError(c, apperrors.Validation("unreadable payload"))
		return
	}
	if err := s.kycMachine.ProcessWebhook(c.Request.Context(), payload); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "accepted"})
}

func (s *Server) handleAccreditationStatus(c *gin.Context) {
	determination, err := s.accreditation.GetAccreditationStatus(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, determination)
}

func (s *Server) handleInvestmentLimit(c *gin.Context) {
	limit, err := s.accreditation.GetInvestmentLimit(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"investment_limit": limit})
}

func (s *Server) handleUpdateFinancials(c *gin.Context) {
	var req struct {
		AnnualIncome   decimal.Decimal `json:"annual_income"`
		NetWorth       decimal.Decimal `json:"net_worth"`
		YearsInvesting int             `json:"years_investing"`
		Jurisdiction   string          `json:"jurisdiction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	determination, err := s.accreditation.UpdateFinancials(c.Request.Context(), currentUserID(c),
		req.AnnualIncome, req.NetWorth, req.YearsInvesting, req.Jurisdiction)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, determination)
}

func (s *Server) handleValidateInvestment(c *gin.Context) {
	var req struct {
		Amount decimal.Decimal `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}

	allowed, err := s.accreditation.ValidateInvestment(c.Request.Context(), currentUserID(c), req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed})
}

func (s *Server) handleAccreditationOverride(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id" binding:"required"`
		Enabled bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid request body"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(c, apperrors.Validation("invalid user id"))
		return
	}

	determination, err := s.accreditation.SetOverride(c.Request.Context(), userID, req.Enabled, currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, determination)
}

func (s *Server) handleActivity(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(c, apperrors.Validation("invalid limit"))
			return
		}
		limit = parsed
	}
	entries, err := s.identitySvc.Activity(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
