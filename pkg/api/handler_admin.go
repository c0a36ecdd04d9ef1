package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/observability"
	"github.com/aexlabs/aex/pkg/version"
)

// handleReplay runs the full audit pass: hash chain plus balance replay.
func (s *Server) handleReplay(c *gin.Context) {
	chain, err := s.ledger.VerifyHashChain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	replay, err := s.ledger.ReplayBalances(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hash_chain_ok":         chain.OK,
		"hash_chain_detail":     chain.Detail,
		"balance_replay_ok":     replay.OK,
		"balance_replay_detail": replay.Detail,
	})
}

func (s *Server) handleInvariants(c *gin.Context) {
	results, err := s.ledger.CheckInvariants(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	passed := true
	for _, r := range results {
		if !r.Passed {
			passed = false
		}
	}
	c.JSON(http.StatusOK, gin.H{"passed": passed, "checks": results})
}

func (s *Server) handleAlerts(c *gin.Context) {
	alerts, err := s.monitor.CollectAlerts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":  alerts,
		"summary": observability.SummarizeAlerts(alerts),
	})
}

func (s *Server) handleBurnRate(c *gin.Context) {
	rates, err := s.monitor.BurnRates(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burn_micro_per_sec": rates})
}

// handleActivity returns the recent executions/reservations/events snapshot.
func (s *Server) handleActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "40"))
	snapshot, err := s.activitySnapshot(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleDashboardData aggregates audit, readiness and activity for the
// operator dashboard.
func (s *Server) handleDashboardData(c *gin.Context) {
	ctx := c.Request.Context()

	chain, err := s.ledger.VerifyHashChain(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	replay, err := s.ledger.ReplayBalances(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	ready, readiness := s.health.Readiness(ctx)
	activity, err := s.activitySnapshot(ctx, 120)
	if err != nil {
		writeError(c, err)
		return
	}
	alerts, _ := readiness["alerts"].([]observability.Alert)

	c.JSON(http.StatusOK, gin.H{
		"summary": gin.H{
			"daemon_status": "ok",
			"ready":         ready,
			"version":       version.Full(),
		},
		"health": s.health.Liveness(),
		"ready":  readiness,
		"replay": gin.H{
			"hash_chain_ok":         chain.OK,
			"hash_chain_detail":     chain.Detail,
			"balance_replay_ok":     replay.OK,
			"balance_replay_detail": replay.Detail,
		},
		"activity":      activity,
		"alerts":        alerts,
		"alert_summary": observability.SummarizeAlerts(alerts),
		"dashboard_ok":  ready,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.ledger.RecentEvents(c.Request.Context(), c.Query("execution_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleReloadConfig(c *gin.Context) {
	if err := s.catalog.Load(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": truncate(err.Error())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Configuration reloaded"})
}

// handleRecover triggers an on-demand recovery sweep.
func (s *Server) handleRecover(c *gin.Context) {
	result, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type agentRegisterRequest struct {
	Name        string `json:"name" binding:"required"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id"`
	BudgetMicro int64  `json:"budget_micro"`
	RPMLimit    int    `json:"rpm_limit"`
	TokenTTLSec int    `json:"token_ttl_sec"`
	TokenScope  string `json:"token_scope"`

	AllowedModels       []string `json:"allowed_models"`
	AllowedToolNames    []string `json:"allowed_tool_names"`
	MaxInputTokens      int      `json:"max_input_tokens"`
	MaxOutputTokens     int      `json:"max_output_tokens"`
	MaxTokensPerRequest int      `json:"max_tokens_per_request"`
	MaxTokensPerMinute  int      `json:"max_tokens_per_minute"`

	AllowStreaming       bool `json:"allow_streaming"`
	AllowTools           bool `json:"allow_tools"`
	AllowFunctionCalling bool `json:"allow_function_calling"`
	AllowVision          bool `json:"allow_vision"`
	AllowPassthrough     bool `json:"allow_passthrough"`
	StrictMode           bool `json:"strict_mode"`
}

// handleAgentRegister mints a new account. The raw token appears in this
// response exactly once.
func (s *Server) handleAgentRegister(c *gin.Context) {
	var req agentRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "name is required"})
		return
	}

	token, err := s.ledger.RegisterAgent(c.Request.Context(), ledger.RegisterAgentParams{
		Name:        req.Name,
		TenantID:    req.TenantID,
		ProjectID:   req.ProjectID,
		BudgetMicro: req.BudgetMicro,
		RPMLimit:    req.RPMLimit,
		TokenTTL:    time.Duration(req.TokenTTLSec) * time.Second,
		TokenScope:  req.TokenScope,

		AllowedModels:       req.AllowedModels,
		AllowedToolNames:    req.AllowedToolNames,
		MaxInputTokens:      req.MaxInputTokens,
		MaxOutputTokens:     req.MaxOutputTokens,
		MaxTokensPerRequest: req.MaxTokensPerRequest,
		MaxTokensPerMinute:  req.MaxTokensPerMinute,

		AllowStreaming:       req.AllowStreaming,
		AllowTools:           req.AllowTools,
		AllowFunctionCalling: req.AllowFunctionCalling,
		AllowVision:          req.AllowVision,
		AllowPassthrough:     req.AllowPassthrough,
		StrictMode:           req.StrictMode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name, "api_token": token})
}

func (s *Server) handleAgentList(c *gin.Context) {
	agents, err := s.ledger.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type agentStateRequest struct {
	State  string `json:"state" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleAgentState(c *gin.Context) {
	var req agentStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "state is required"})
		return
	}
	transition, err := s.ledger.TransitionLifecycle(c.Request.Context(),
		c.Param("name"), req.State, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transition)
}

type snapshotRequest struct {
	Tag string `json:"tag" binding:"required"`
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "tag is required"})
		return
	}
	if err := s.client.Snapshot(c.Request.Context(), req.Tag); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tag": req.Tag})
}

func (s *Server) handleRollback(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "tag is required"})
		return
	}
	if err := s.client.Rollback(c.Request.Context(), req.Tag); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tag": req.Tag})
}

func (s *Server) handlePluginList(c *gin.Context) {
	plugins, err := s.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

type pluginInstallRequest struct {
	ManifestPath string `json:"manifest_path" binding:"required"`
	PackagePath  string `json:"package_path" binding:"required"`
}

// handlePluginInstall verifies and registers a tool plugin, disabled until
// explicitly enabled.
func (s *Server) handlePluginInstall(c *gin.Context) {
	var req pluginInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "manifest_path and package_path are required"})
		return
	}
	record, err := s.registry.Install(c.Request.Context(), req.ManifestPath, req.PackagePath)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type pluginEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePluginEnable(c *gin.Context) {
	var req pluginEnableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "enabled is required"})
		return
	}
	if err := s.registry.SetEnabled(c.Request.Context(), c.Param("name"), req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "enabled": req.Enabled})
}
