// Package api exposes the control plane over HTTP: the OpenAI-compatible v1
// proxy surface, the v2 admission/settlement API, and the admin surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aexlabs/aex/pkg/admission"
	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/observability"
	"github.com/aexlabs/aex/pkg/proxy"
	"github.com/aexlabs/aex/pkg/recovery"
	"github.com/aexlabs/aex/pkg/sandbox"
	"github.com/aexlabs/aex/pkg/webhooks"
)

// Server wires every surface of the daemon onto one gin engine.
type Server struct {
	settings  *config.Settings
	client    *database.Client
	catalog   *config.CatalogStore
	ledger    *ledger.Ledger
	admission *admission.Controller
	proxy     *proxy.Proxy
	executor  *sandbox.Executor
	registry  *sandbox.Registry
	hooks     *webhooks.Store
	health    *observability.Health
	monitor   *observability.Monitor
	metrics   *observability.Metrics
	sweeper   *recovery.Sweeper

	httpServer *http.Server
}

// Deps collects the constructed subsystems the server serves.
type Deps struct {
	Settings  *config.Settings
	Client    *database.Client
	Catalog   *config.CatalogStore
	Ledger    *ledger.Ledger
	Admission *admission.Controller
	Proxy     *proxy.Proxy
	Executor  *sandbox.Executor
	Registry  *sandbox.Registry
	Hooks     *webhooks.Store
	Health    *observability.Health
	Monitor   *observability.Monitor
	Metrics   *observability.Metrics
	Sweeper   *recovery.Sweeper
}

func NewServer(d Deps) *Server {
	return &Server{
		settings:  d.Settings,
		client:    d.Client,
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		admission: d.Admission,
		proxy:     d.Proxy,
		executor:  d.Executor,
		registry:  d.Registry,
		hooks:     d.Hooks,
		health:    d.Health,
		monitor:   d.Monitor,
		metrics:   d.Metrics,
		sweeper:   d.Sweeper,
	}
}

// Router builds the full route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleLiveness)
	router.GET("/health/live", s.handleLiveness)
	router.GET("/ready", s.handleReadiness)
	router.GET("/health/ready", s.handleReadiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	execution := router.Group("/", s.authRequired())
	for _, prefix := range []string{"/v1", "/openai/v1"} {
		execution.POST(prefix+"/chat/completions", s.handleChatCompletions)
		execution.POST(prefix+"/responses", s.handleResponses)
		execution.POST(prefix+"/embeddings", s.handleEmbeddings)
		execution.POST(prefix+"/tools/execute", s.handleToolExecute)
	}

	v2 := router.Group("/api/v2", s.authRequired())
	v2.POST("/admission/check", s.handleAdmissionCheck)
	v2.POST("/settlement/commit", s.handleSettlementCommit)
	v2.POST("/settlement/release", s.handleSettlementRelease)
	v2.POST("/webhooks/subscriptions", s.handleWebhookCreate)
	v2.GET("/webhooks/subscriptions", s.handleWebhookList)
	v2.DELETE("/webhooks/subscriptions/:id", s.handleWebhookDelete)
	v2.GET("/webhooks/deliveries", s.handleWebhookDeliveries)

	admin := router.Group("/admin", s.adminRequired())
	admin.GET("/replay", s.handleReplay)
	admin.GET("/invariants", s.handleInvariants)
	admin.GET("/alerts", s.handleAlerts)
	admin.GET("/burn_rate", s.handleBurnRate)
	admin.GET("/activity", s.handleActivity)
	admin.GET("/dashboard/data", s.handleDashboardData)
	admin.GET("/events", s.handleEvents)
	admin.POST("/reload_config", s.handleReloadConfig)
	admin.POST("/recover", s.handleRecover)
	admin.POST("/agents", s.handleAgentRegister)
	admin.GET("/agents", s.handleAgentList)
	admin.POST("/agents/:name/state", s.handleAgentState)
	admin.POST("/snapshot", s.handleSnapshot)
	admin.POST("/rollback", s.handleRollback)
	admin.GET("/plugins", s.handlePluginList)
	admin.POST("/plugins/install", s.handlePluginInstall)
	admin.POST("/plugins/:name/enabled", s.handlePluginEnable)

	return router
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.Liveness())
}

func (s *Server) handleReadiness(c *gin.Context) {
	ready, payload := s.health.Readiness(c.Request.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, payload)
}
