package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testSettings(adminKey string) *config.Settings {
	return &config.Settings{AdminKey: adminKey}
}

func testContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	return c, recorder
}

func TestWriteErrorControlError(t *testing.T) {
	c, recorder := testContext(t)
	writeError(c, &ledger.ControlError{
		Status:     http.StatusPaymentRequired,
		Detail:     "Insufficient budget",
		ReasonCode: "BUDGET_EXCEEDED",
		Extra:      map[string]any{"estimated_micro": int64(1000), "remaining_micro": int64(500)},
	})

	assert.Equal(t, http.StatusPaymentRequired, recorder.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "Insufficient budget", body["detail"])
	assert.Equal(t, float64(1000), body["estimated_micro"])
	assert.Equal(t, float64(500), body["remaining_micro"])
}

func TestWriteErrorOpaqueInternal(t *testing.T) {
	c, recorder := testContext(t)
	writeError(c, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.NotContains(t, recorder.Body.String(), "connection refused")
}

func TestWriteErrorTruncatesDetail(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	c, recorder := testContext(t)
	writeError(c, ledger.NewControlError(http.StatusBadGateway, string(long)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Len(t, body["detail"], maxDetailLen)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc123", bearerToken("Bearer abc123"))
	assert.Equal(t, "abc123", bearerToken("Bearer  abc123"))
	assert.Empty(t, bearerToken("abc123"))
	assert.Empty(t, bearerToken(""))
	assert.Empty(t, bearerToken("Basic abc123"))
}

func TestRequireExecutionScope(t *testing.T) {
	c, recorder := testContext(t)
	agent := &ledger.Agent{Name: "reader", TokenScope: "read-only"}
	assert.False(t, requireExecutionScope(c, agent, "model requests"))
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Read-only token cannot execute model requests")

	c2, _ := testContext(t)
	executor := &ledger.Agent{Name: "worker", TokenScope: "execution"}
	assert.True(t, requireExecutionScope(c2, executor, "model requests"))
}

func TestDenyStatus(t *testing.T) {
	for _, status := range []int{402, 403, 409, 423, 429} {
		assert.True(t, denyStatus(status), "status %d", status)
	}
	for _, status := range []int{400, 401, 404, 500, 502} {
		assert.False(t, denyStatus(status), "status %d", status)
	}
}

func TestReasonCode(t *testing.T) {
	withCode := &ledger.ControlError{Status: 429, Detail: "Rate limit exceeded", ReasonCode: "RATE_LIMIT"}
	assert.Equal(t, "RATE_LIMIT", reasonCode(withCode))

	withoutCode := ledger.NewControlError(403, "Model not allowed")
	assert.Equal(t, "Model not allowed", reasonCode(withoutCode))
}

func TestDedupeSorted(t *testing.T) {
	out := dedupeSorted([]string{"b.two", " a.one ", "b.two", "", "a.one"})
	assert.Equal(t, []string{"a.one", "b.two"}, out)
}

func TestUsageInt(t *testing.T) {
	usage := map[string]any{"prompt_tokens": float64(12)}
	assert.Equal(t, int64(12), usageInt(usage, "prompt_tokens", "input_tokens"))
	assert.Equal(t, int64(0), usageInt(usage, "completion_tokens", "output_tokens"))

	alt := map[string]any{"input_tokens": float64(7)}
	assert.Equal(t, int64(7), usageInt(alt, "prompt_tokens", "input_tokens"))
}

func TestAdminRequired(t *testing.T) {
	s := &Server{settings: testSettings("secret-key")}
	router := gin.New()
	router.GET("/admin/ping", s.adminRequired(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	router.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set(HeaderAdminKey, "secret-key")
	router.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestAdminRequiredLocalMode(t *testing.T) {
	s := &Server{settings: testSettings("")}
	router := gin.New()
	router.GET("/admin/ping", s.adminRequired(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}
