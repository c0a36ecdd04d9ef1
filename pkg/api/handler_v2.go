package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/admission"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/webhooks"
)

type admissionCheckRequest struct {
	ExecutionID string         `json:"execution_id" binding:"required,min=8,max=256"`
	Endpoint    string         `json:"endpoint"`
	Model       string         `json:"model"`
	Payload     map[string]any `json:"payload"`
}

// handleAdmissionCheck runs the admission pipeline without dispatching.
// A cleared check leaves a funded reservation for a later settlement call.
func (s *Server) handleAdmissionCheck(c *gin.Context) {
	agent := currentAgent(c)
	if !requireExecutionScope(c, agent, "model requests") {
		return
	}

	var req admissionCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "execution_id is required (8..256 chars)"})
		return
	}
	if req.Endpoint == "" {
		req.Endpoint = "/v1/chat/completions"
	}

	tenantID, projectID, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	payload := map[string]any{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.Model != "" {
		if _, ok := payload["model"]; !ok {
			payload["model"] = req.Model
		}
	}

	res, err := s.admission.Admit(c.Request.Context(), admission.Request{
		Endpoint:            req.Endpoint,
		Body:                payload,
		Headers:             c.Request.Header,
		Agent:               agent,
		ExplicitExecutionID: req.ExecutionID,
	})
	if err != nil {
		ce, ok := ledger.AsControlError(err)
		if ok && denyStatus(ce.Status) {
			body := gin.H{
				"execution_id":      req.ExecutionID,
				"decision":          "DENY",
				"reservation_id":    req.ExecutionID,
				"reserved_micro_usd": 0,
				"tenant_id":         tenantID,
				"project_id":        projectID,
				"reason_code":       reasonCode(ce),
				"idempotent_replay": false,
			}
			for k, v := range ce.Extra {
				body[k] = v
			}
			c.JSON(ce.Status, body)
			return
		}
		writeError(c, err)
		return
	}

	if res.IdempotentReplay {
		decision := "ADMIT"
		var reason any
		if res.CachedStatusCode >= 400 {
			decision = "DENY"
			reason = cachedReason(res.CachedErrorBody)
		}
		c.JSON(http.StatusOK, gin.H{
			"execution_id":      res.ExecutionID,
			"decision":          decision,
			"reservation_id":    res.ExecutionID,
			"reserved_micro_usd": 0,
			"tenant_id":         res.TenantID,
			"project_id":        res.ProjectID,
			"reason_code":       reason,
			"idempotent_replay": true,
		})
		return
	}

	body := gin.H{
		"execution_id":      res.ExecutionID,
		"decision":          "ADMIT",
		"reservation_id":    res.ExecutionID,
		"reserved_micro_usd": res.EstimatedMicro,
		"tenant_id":         res.TenantID,
		"project_id":        res.ProjectID,
		"idempotent_replay": false,
	}
	if !res.ExpiresAt.IsZero() {
		body["expires_at"] = res.ExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

type settlementCommitRequest struct {
	ExecutionID       string         `json:"execution_id" binding:"required,min=8,max=256"`
	ActualMicroUSD    int64          `json:"actual_micro_usd" binding:"min=0"`
	Usage             map[string]any `json:"usage"`
	ProviderReceiptID string         `json:"provider_receipt_id"`
}

func (s *Server) handleSettlementCommit(c *gin.Context) {
	agent := currentAgent(c)
	if !requireExecutionScope(c, agent, "model requests") {
		return
	}

	var req settlementCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "execution_id and non-negative actual_micro_usd are required"})
		return
	}

	tenantID, projectID, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	view, err := s.ledger.GetSettlementView(c.Request.Context(), req.ExecutionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "execution_id not found"})
		return
	}
	if view.Agent != agent.Name {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Execution does not belong to authenticated agent"})
		return
	}

	idempotent := view.ExecutionState == ledger.StateCommitted ||
		(view.ReservationState.Valid && view.ReservationState.String == ledger.ReservationCommitted)
	if !idempotent {
		usage := req.Usage
		if usage == nil {
			usage = map[string]any{}
		}
		modelName, _ := usage["model"].(string)
		if modelName == "" {
			modelName = "v2.settlement"
		}
		err := s.ledger.Commit(c.Request.Context(), ledger.CommitParams{
			Agent:            view.Agent,
			ExecutionID:      req.ExecutionID,
			EstimatedMicro:   view.EstimatedMicro,
			ActualMicro:      req.ActualMicroUSD,
			PromptTokens:     usageInt(usage, "prompt_tokens", "input_tokens"),
			CompletionTokens: usageInt(usage, "completion_tokens", "output_tokens"),
			ModelName:        modelName,
			ResponseBody: map[string]any{
				"usage":               usage,
				"provider_receipt_id": nilIfEmpty(req.ProviderReceiptID),
				"settled_via":         "api.v2",
			},
			StatusCode: http.StatusOK,
		})
		if errors.Is(err, ledger.ErrSettlementConflict) {
			c.JSON(http.StatusConflict, gin.H{"detail": "Reservation already settled"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		s.countSettlement("committed")
		s.countSpent(tenantID, req.ActualMicroUSD)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "COMMITTED",
		"execution_id":      req.ExecutionID,
		"tenant_id":         tenantID,
		"project_id":        projectID,
		"idempotent_replay": idempotent,
	})
}

type settlementReleaseRequest struct {
	ExecutionID string `json:"execution_id" binding:"required,min=8,max=256"`
	Reason      string `json:"reason" binding:"required,min=3,max=500"`
}

func (s *Server) handleSettlementRelease(c *gin.Context) {
	agent := currentAgent(c)
	if !requireExecutionScope(c, agent, "model requests") {
		return
	}

	var req settlementReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "execution_id and reason are required"})
		return
	}

	tenantID, projectID, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	view, err := s.ledger.GetSettlementView(c.Request.Context(), req.ExecutionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "execution_id not found"})
		return
	}
	if view.Agent != agent.Name {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Execution does not belong to authenticated agent"})
		return
	}

	idempotent := view.ExecutionState == ledger.StateReleased ||
		(view.ReservationState.Valid && view.ReservationState.String == ledger.ReservationReleased)
	if !idempotent {
		if err := s.ledger.Release(c.Request.Context(), view.Agent, req.ExecutionID,
			view.EstimatedMicro, req.Reason, http.StatusConflict); err != nil {
			writeError(c, err)
			return
		}
		s.countSettlement("released")
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "RELEASED",
		"execution_id":      req.ExecutionID,
		"tenant_id":         tenantID,
		"project_id":        projectID,
		"idempotent_replay": idempotent,
	})
}

type webhookSubscriptionRequest struct {
	URL        string   `json:"url" binding:"required,min=8,max=1024"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
	Enabled    *bool    `json:"enabled"`
}

func (s *Server) handleWebhookCreate(c *gin.Context) {
	agent := currentAgent(c)

	var req webhookSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "url is required (8..1024 chars)"})
		return
	}

	tenantID, _, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	eventTypes := req.EventTypes
	if eventTypes == nil {
		eventTypes = []string{"budget.reserved", "budget.committed", "budget.released", "execution.denied"}
	}
	eventTypes = dedupeSorted(eventTypes)
	if len(eventTypes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "event_types cannot be empty"})
		return
	}

	sub, err := s.hooks.Create(c.Request.Context(), tenantID, req.URL, eventTypes, req.Secret)
	if err != nil {
		writeError(c, err)
		return
	}
	enabled := true
	if req.Enabled != nil && !*req.Enabled {
		if err := s.hooks.SetEnabled(c.Request.Context(), tenantID, sub.ID, false); err != nil {
			writeError(c, err)
			return
		}
		enabled = false
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription_id": sub.ID,
		"tenant_id":       tenantID,
		"url":             sub.URL,
		"event_types":     eventTypes,
		"enabled":         enabled,
	})
}

func (s *Server) handleWebhookList(c *gin.Context) {
	agent := currentAgent(c)
	tenantID, _, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}

	subs, err := s.hooks.List(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		items = append(items, gin.H{
			"subscription_id": sub.ID,
			"url":             sub.URL,
			"event_types":     sub.EventTypes,
			"enabled":         sub.Enabled,
			"has_secret":      sub.HasSecret,
			"created_at":      sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "items": items})
}

func (s *Server) handleWebhookDelete(c *gin.Context) {
	agent := currentAgent(c)
	tenantID, _, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid subscription id"})
		return
	}
	if err := s.hooks.Delete(c.Request.Context(), tenantID, id); err != nil {
		if errors.Is(err, webhooks.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Subscription not found"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "subscription_id": id})
}

func (s *Server) handleWebhookDeliveries(c *gin.Context) {
	agent := currentAgent(c)
	tenantID, _, err := admission.ResolveScope(c.Request.Header, agent)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := s.hooks.RecentDeliveries(c.Request.Context(), tenantID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]gin.H, 0, len(records))
	for _, d := range records {
		item := gin.H{
			"delivery_id":     d.ID,
			"subscription_id": d.SubscriptionID,
			"event_type":      d.EventType,
			"status":          d.Status,
			"attempts":        d.Attempts,
			"created_at":      d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if d.ExecutionID.Valid {
			item["execution_id"] = d.ExecutionID.String
		}
		if d.HTTPStatus.Valid {
			item["http_status"] = d.HTTPStatus.Int64
		}
		if d.Error.Valid {
			item["error"] = d.Error.String
		}
		if d.DeliveredAt.Valid {
			item["delivered_at"] = d.DeliveredAt.Time.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "items": items})
}

// denyStatus lists the admission outcomes expressed as structured DENY
// decisions rather than transport errors.
func denyStatus(status int) bool {
	switch status {
	case http.StatusPaymentRequired, http.StatusForbidden, http.StatusConflict,
		http.StatusLocked, http.StatusTooManyRequests:
		return true
	}
	return false
}

func reasonCode(ce *ledger.ControlError) string {
	if ce.ReasonCode != "" {
		return ce.ReasonCode
	}
	return ce.Detail
}

func cachedReason(errorBody map[string]any) string {
	if detail, ok := errorBody["detail"].(string); ok && detail != "" {
		return detail
	}
	return "DENIED"
}

func usageInt(usage map[string]any, keys ...string) int64 {
	for _, key := range keys {
		switch v := usage[key].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return 0
}

func dedupeSorted(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
