package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/api"
	"gorm.io/gorm"
)

func (s *Server) registerEnrollmentRoutes(admin *gin.RouterGroup) {
	admin.POST("/enrollment-tokens", s.handleIssueToken)
	admin.GET("/enrollment-tokens", s.handleListTokens)
	admin.DELETE("/enrollment-tokens/:id", s.handleRevokeToken)
}

// requireAdmin guards operator endpoints with a static bearer token. With
// no admin token configured the operator API is open.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		c.Next()
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	if !secureCompare(strings.TrimPrefix(authz, "Bearer "), s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	if req.ExpiresInSeconds < 0 {
		respondError(c, http.StatusBadRequest, "expires_in_seconds must not be negative", s.logger)
		return
	}

	raw, err := generateEnrollmentSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate token", s.logger)
		return
	}

	record := EnrollmentToken{
		Label:     req.Label,
		TokenHash: s.hasher.HashString(raw),
	}
	if req.ExpiresInSeconds > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		record.ExpiresAt = &expiresAt
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	if err := s.db.WithContext(c.Request.Context()).Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist token", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().Int64("token_id", record.ID).Str("label", record.Label).Msg("Enrollment token issued")

	// The raw secret is only ever returned here.
	out := record.toAPI()
	out.Token = raw
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListTokens(c *gin.Context) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	var tokens []EnrollmentToken
	if err := s.db.WithContext(c.Request.Context()).Order("created_at desc, id desc").Find(&tokens).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list tokens", s.logger)
		return
	}

	resp := make([]api.EnrollmentToken, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, t.toAPI())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	db := s.db.WithContext(c.Request.Context())
	var token EnrollmentToken
	if err := db.First(&token, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "token not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load token", s.logger)
		return
	}

	if token.RevokedAt == nil {
		if err := db.Model(&token).Update("revoked_at", time.Now().UTC()).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "failed to revoke token", s.logger)
			return
		}
		logger := requestLogger(c, s.logger)
		logger.Info().Int64("token_id", token.ID).Msg("Enrollment token revoked")
	}

	c.Status(http.StatusNoContent)
}
