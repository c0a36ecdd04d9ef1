package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/admission"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/proxy"
	"github.com/aexlabs/aex/pkg/ratelimit"
)

const (
	endpointKindChat       = "chat"
	endpointKindResponses  = "responses"
	endpointKindEmbeddings = "embeddings"
)

func (s *Server) handleChatCompletions(c *gin.Context) { s.runProxy(c, endpointKindChat) }
func (s *Server) handleResponses(c *gin.Context)       { s.runProxy(c, endpointKindResponses) }
func (s *Server) handleEmbeddings(c *gin.Context)      { s.runProxy(c, endpointKindEmbeddings) }

// runProxy is the shared v1 pipeline: admit, build the upstream request,
// dispatch, settle. Every early exit after admission releases the
// reservation.
func (s *Server) runProxy(c *gin.Context, kind string) {
	ctx := c.Request.Context()
	agent := currentAgent(c)
	if !requireExecutionScope(c, agent, "model requests") {
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON body"})
		return
	}
	if kind == endpointKindChat {
		messages, ok := body["messages"].([]any)
		if !ok || len(messages) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "'messages' must be a non-empty list"})
			return
		}
	}

	endpoint := c.Request.URL.Path
	res, err := s.admission.Admit(ctx, admission.Request{
		Endpoint: endpoint,
		Body:     body,
		Headers:  c.Request.Header,
		Agent:    agent,
	})
	if err != nil {
		s.countAdmission(endpoint, "denied")
		writeError(c, err)
		return
	}
	if res.IdempotentReplay {
		s.countAdmission(endpoint, "replayed")
		s.writeReplay(c, res)
		return
	}
	s.countAdmission(endpoint, "admitted")

	model, _ := s.catalog.Model(res.Route.RequestedModel)

	var upstreamBody map[string]any
	switch kind {
	case endpointKindChat:
		upstreamBody, err = proxy.BuildChatUpstream(res.RequestBody, model)
	case endpointKindResponses:
		upstreamBody, err = proxy.BuildResponsesUpstream(res.RequestBody, model)
	case endpointKindEmbeddings:
		upstreamBody, err = proxy.BuildEmbeddingsUpstream(res.RequestBody, model,
			s.settings.EmbeddingsDimensionsUnsupported)
	}
	if err != nil {
		s.releaseAdmitted(c, agent, res, "Rejected while building upstream request", err)
		return
	}

	streaming := kind == endpointKindChat && upstreamBody["stream"] == true
	if kind == endpointKindResponses && res.RequestBody["stream"] == true {
		err := ledger.NewControlError(http.StatusBadRequest,
			"Streaming responses endpoint not yet supported")
		s.releaseAdmitted(c, agent, res, "Streaming responses endpoint not yet supported", err)
		return
	}

	apiKey, err := proxy.ResolveProviderKey(agent, c.Request.Header, res.Route.ProviderName)
	if err != nil {
		s.releaseAdmitted(c, agent, res, "Provider credential unavailable", err)
		return
	}

	dispatch := proxy.Dispatch{
		Agent:          agent,
		ExecutionID:    res.ExecutionID,
		Endpoint:       endpoint,
		ModelName:      res.Route.RequestedModel,
		Model:          model,
		EstimatedMicro: res.EstimatedMicro,
		TargetURL:      res.Route.BaseURL + res.Route.UpstreamPath,
		APIKey:         apiKey,
		Body:           upstreamBody,
		Scope: ratelimit.Scope{
			TenantID:  res.TenantID,
			ProjectID: res.ProjectID,
			Agent:     agent.Name,
		},
	}

	if streaming {
		started := time.Now()
		err := s.proxy.Stream(ctx, c.Writer, dispatch)
		s.observeUpstream(res.Route.ProviderName, "stream", started)
		if err != nil {
			writeError(c, err)
		}
		return
	}

	started := time.Now()
	result, err := s.proxy.Do(ctx, dispatch)
	if err != nil {
		s.observeUpstream(res.Route.ProviderName, "error", started)
		writeError(c, err)
		return
	}
	s.observeUpstream(res.Route.ProviderName, strconv.Itoa(result.StatusCode), started)
	if result.StatusCode == http.StatusOK {
		s.countSettlement("committed")
		s.countSpent(res.TenantID, result.CostMicro)
	} else {
		s.countSettlement("released")
	}
	c.JSON(result.StatusCode, orEmptyBody(result.Body))
}

// writeReplay returns a cached terminal outcome unchanged.
func (s *Server) writeReplay(c *gin.Context, res *admission.Result) {
	if res.CachedStatusCode >= 400 {
		c.JSON(res.CachedStatusCode, orEmptyBody(res.CachedErrorBody))
		return
	}
	status := res.CachedStatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, orEmptyBody(res.CachedResponseBody))
}

// releaseAdmitted settles a funded reservation that cannot be dispatched.
func (s *Server) releaseAdmitted(c *gin.Context, agent *ledger.Agent, res *admission.Result, reason string, cause error) {
	status := http.StatusInternalServerError
	if ce, ok := ledger.AsControlError(cause); ok {
		status = ce.Status
	}
	// Release on a non-cancelable context so a client that already hung up
	// cannot strand its own reservation.
	if err := s.ledger.Release(context.WithoutCancel(c.Request.Context()), agent.Name, res.ExecutionID,
		res.EstimatedMicro, reason, status); err != nil {
		writeError(c, err)
		return
	}
	s.countSettlement("released")
	writeError(c, cause)
}

func (s *Server) countAdmission(endpoint, decision string) {
	if s.metrics != nil {
		s.metrics.AdmissionDecisions.WithLabelValues(endpoint, decision).Inc()
	}
}

func (s *Server) countSettlement(outcome string) {
	if s.metrics != nil {
		s.metrics.Settlements.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countSpent(tenantID string, costMicro int64) {
	if s.metrics != nil && costMicro > 0 {
		s.metrics.SpentMicro.WithLabelValues(tenantID).Add(float64(costMicro))
	}
}

func (s *Server) observeUpstream(provider, status string, started time.Time) {
	if s.metrics != nil {
		s.metrics.UpstreamDuration.WithLabelValues(provider, status).
			Observe(time.Since(started).Seconds())
	}
}

func orEmptyBody(body map[string]any) map[string]any {
	if body == nil {
		return map[string]any{}
	}
	return body
}
