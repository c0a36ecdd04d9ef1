package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/admission"
	"github.com/aexlabs/aex/pkg/sandbox"
)

type toolExecuteRequest struct {
	ToolName    string `json:"tool_name" binding:"required"`
	Arguments   any    `json:"arguments"`
	ExecutionID string `json:"execution_id"`
}

// handleToolExecute runs one ledger-accounted tool invocation.
func (s *Server) handleToolExecute(c *gin.Context) {
	agent := currentAgent(c)
	if !requireExecutionScope(c, agent, "tools") {
		return
	}

	var req toolExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "tool_name is required"})
		return
	}

	tenantID, projectID, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := s.executor.Execute(c.Request.Context(), sandbox.ExecuteParams{
		Agent:               agent,
		TenantID:            tenantID,
		ProjectID:           projectID,
		ToolName:            req.ToolName,
		Arguments:           req.Arguments,
		ExplicitExecutionID: req.ExecutionID,
		IdempotencyKey:      c.GetHeader(admission.HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if result.StatusCode >= 400 {
		c.JSON(result.StatusCode, orEmptyBody(result.ErrorBody))
		return
	}
	c.JSON(result.StatusCode, gin.H{
		"execution_id": result.ExecutionID,
		"tool_name":    result.ToolName,
		"result":       result.Result,
		"stdout":       result.Stdout,
		"stderr":       result.Stderr,
	})
}
