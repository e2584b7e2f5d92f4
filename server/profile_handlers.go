package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/hostinfo"
	"gorm.io/gorm"
)

func (s *Server) registerProfileRoutes(admin *gin.RouterGroup) {
	admin.GET("/scripts", s.handleListScripts)
	admin.POST("/scripts", s.handleCreateScript)
	admin.POST("/profiles", s.handleCreateProfile)
	admin.GET("/profiles/:id", s.handleGetProfile)
	admin.POST("/profiles/:id/apply", s.handleApplyProfile)
}

func (s *Server) handleListScripts(c *gin.Context) {
	var scripts []Script
	if err := s.db.WithContext(c.Request.Context()).Order("name").Find(&scripts).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list scripts", s.logger)
		return
	}
	out := make([]api.Script, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, sc.toAPI())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateScript(c *gin.Context) {
	var req api.Script
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	script, err := createScript(c.Request.Context(), s.db, req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, script.toAPI())
}

func (s *Server) handleCreateProfile(c *gin.Context) {
	var req api.Profile
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	profile, err := createProfile(c.Request.Context(), s.db, req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, profile.toAPI())
}

func (s *Server) handleGetProfile(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var profile DeploymentProfile
	err := s.db.WithContext(c.Request.Context()).Preload("Tasks", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index, id")
	}).First(&profile, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "profile not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load profile", s.logger)
		return
	}
	c.JSON(http.StatusOK, profile.toAPI())
}

func (s *Server) handleApplyProfile(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req api.ApplyProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	resp, err := s.dispatcher.ApplyProfile(c.Request.Context(), id, req.DeviceIDs)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func createScript(ctx context.Context, db *gorm.DB, req api.Script) (Script, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Script{}, failf(errInvalid, "script name is required")
	}
	switch action.Language(req.Language) {
	case action.LanguagePowerShell, action.LanguageBash:
	default:
		return Script{}, failf(errInvalid, "language must be %s or %s", action.LanguagePowerShell, action.LanguageBash)
	}
	if req.TargetOSType != "" && !hostinfo.ValidOSType(req.TargetOSType) {
		return Script{}, failf(errInvalid, "target_os_type must be one of %s", strings.Join(hostinfo.AllowedOSTypes, ", "))
	}
	if strings.TrimSpace(req.Content) == "" {
		return Script{}, failf(errInvalid, "script content is required")
	}

	script := Script{
		Name:         name,
		Language:     req.Language,
		TargetOSType: req.TargetOSType,
		Content:      req.Content,
	}
	if err := db.WithContext(ctx).Create(&script).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Script{}, failf(errInvalid, "script with this name already exists")
		}
		return Script{}, fmt.Errorf("create script: %w", err)
	}
	return script, nil
}

// createProfile stores a profile and its tasks together. Tasks without an
// explicit order keep their position in the request.
func createProfile(ctx context.Context, db *gorm.DB, req api.Profile) (DeploymentProfile, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return DeploymentProfile{}, failf(errInvalid, "profile name is required")
	}
	if req.TargetOSType != "" && !hostinfo.ValidOSType(req.TargetOSType) {
		return DeploymentProfile{}, failf(errInvalid, "target_os_type must be one of %s", strings.Join(hostinfo.AllowedOSTypes, ", "))
	}

	profile := DeploymentProfile{
		Name:         name,
		Description:  req.Description,
		TargetOSType: req.TargetOSType,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, t := range req.Tasks {
			typ := action.Type(t.ActionType)
			if !typ.Known() {
				return failf(errInvalid, "task %d has unsupported action type %q", i, t.ActionType)
			}
			var script Script
			err := tx.First(&script, t.ScriptID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return failf(errNotFound, "script %d not found", t.ScriptID)
			}
			if err != nil {
				return fmt.Errorf("script lookup: %w", err)
			}
			if err := checkScriptLanguage(typ, script); err != nil {
				return err
			}
			order := t.OrderIndex
			if order == 0 {
				order = i
			}
			profile.Tasks = append(profile.Tasks, ProfileTask{
				OrderIndex: order,
				ActionType: t.ActionType,
				ScriptID:   script.ID,
			})
		}

		if err := tx.Create(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return failf(errInvalid, "profile with this name already exists")
			}
			return fmt.Errorf("create profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return DeploymentProfile{}, err
	}
	return profile, nil
}
