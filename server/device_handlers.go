package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/api"
	"gorm.io/gorm"
)

func (s *Server) registerDeviceRoutes(admin *gin.RouterGroup) {
	admin.GET("/devices", s.handleListDevices)
	admin.GET("/devices/:id", s.handleGetDevice)
	admin.DELETE("/devices/:id", s.handleDeleteDevice)
	admin.GET("/devices/:id/actions", s.handleListActions)
	admin.POST("/devices/:id/actions", s.handleCreateAction)
}

func (s *Server) handleListDevices(c *gin.Context) {
	var devices []Device
	if err := s.db.WithContext(c.Request.Context()).Order("hostname, id").Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}
	out := make([]api.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.toAPI())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var device Device
	if err := s.db.WithContext(c.Request.Context()).First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load device", s.logger)
		return
	}
	c.JSON(http.StatusOK, device.toAPI())
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	resp, err := s.dispatcher.DeleteDevice(c.Request.Context(), id)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleListActions includes deleted devices so the fate of the final
// uninstall stays visible.
func (s *Server) handleListActions(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	db := s.db.WithContext(c.Request.Context())
	var device Device
	if err := db.Unscoped().First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load device", s.logger)
		return
	}

	var actions []Action
	if err := db.Where("device_id = ?", id).Order("created_at desc, id desc").Find(&actions).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list actions", s.logger)
		return
	}
	out := make([]api.Action, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.toAPI())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateAction(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req api.CreateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	act, err := s.dispatcher.CreateAction(c.Request.Context(), id, req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, act.toAPI())
}
