package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/ledger"
)

// HeaderAdminKey guards the mutating admin surface.
const HeaderAdminKey = "X-AEX-Admin-Key"

// agentContextKey is where the auth middleware stores the resolved agent.
const agentContextKey = "aex.agent"

// authRequired resolves the bearer token to an agent account and aborts with
// 401 otherwise.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Missing bearer token"})
			return
		}
		agent, err := s.ledger.Authenticate(c.Request.Context(), token)
		if err != nil {
			ce, ok := ledger.AsControlError(err)
			if !ok {
				ce = ledger.NewControlError(http.StatusUnauthorized, "Invalid API token")
			}
			c.AbortWithStatusJSON(ce.Status, controlErrorBody(ce))
			return
		}
		c.Set(agentContextKey, agent)
		c.Next()
	}
}

// currentAgent returns the agent resolved by authRequired.
func currentAgent(c *gin.Context) *ledger.Agent {
	v, _ := c.Get(agentContextKey)
	agent, _ := v.(*ledger.Agent)
	return agent
}

// requireExecutionScope blocks read-only tokens from spending money.
func requireExecutionScope(c *gin.Context, agent *ledger.Agent, action string) bool {
	if agent.TokenScope == "read-only" {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Read-only token cannot execute " + action})
		return false
	}
	return true
}

// adminRequired enforces the admin control key when one is configured.
// An empty configured key means local single-operator mode.
func (s *Server) adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.settings.AdminKey != "" && c.GetHeader(HeaderAdminKey) != s.settings.AdminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid admin key"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
