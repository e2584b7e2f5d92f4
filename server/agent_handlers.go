package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/api"
)

func (s *Server) registerAgentRoutes(v1 *gin.RouterGroup) {
	agent := v1.Group("/agent")
	agent.POST("/register", s.rateLimited("register", s.limits.RegisterPerMinute, clientIP, s.handleRegister))
	agent.POST("/heartbeat", s.handleHeartbeat)
	agent.POST("/actions/:id/result", s.handleReportResult)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req api.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}

	resp, err := s.dispatcher.Register(c.Request.Context(), req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req api.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}
	if !s.allow(c, "heartbeat", strconv.FormatInt(req.DeviceID, 10), s.limits.HeartbeatPerMinute) {
		return
	}

	resp, err := s.dispatcher.Heartbeat(c.Request.Context(), req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReportResult(c *gin.Context) {
	actionID, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req api.ActionResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}

	act, err := s.dispatcher.ReportResult(c.Request.Context(), actionID, req)
	if err != nil {
		respondDispatchError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, act.toAPI())
}
