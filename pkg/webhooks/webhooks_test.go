package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeMatches(t *testing.T) {
	assert.True(t, eventTypeMatches(`[]`, "budget.reserved"))
	assert.True(t, eventTypeMatches(``, "budget.reserved"))
	assert.True(t, eventTypeMatches(`["*"]`, "budget.reserved"))
	assert.True(t, eventTypeMatches(`["budget.reserved","budget.committed"]`, "budget.committed"))
	assert.False(t, eventTypeMatches(`["budget.reserved"]`, "budget.released"))
	// Malformed filters deliver rather than drop.
	assert.True(t, eventTypeMatches(`{"oops"`, "budget.reserved"))
}

func TestSignDeterministic(t *testing.T) {
	a := Sign("secret", `{"a":1}`)
	b := Sign("secret", `{"a":1}`)
	c := Sign("other", `{"a":1}`)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDeliverSignsEnvelope(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEventType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotEventType = r.Header.Get(HeaderEventType)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 3 * time.Second},
		now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	target := pendingDelivery{DeliveryID: 7, SubscriptionID: 1, URL: server.URL, Secret: "hook-secret"}

	status, httpStatus, errText := d.deliver(context.Background(), target,
		"budget.committed", "acme", "exec-1", map[string]any{"actual_micro": int64(1500)})

	assert.Equal(t, StatusDelivered, status)
	assert.Equal(t, http.StatusOK, httpStatus)
	assert.Empty(t, errText)
	assert.Equal(t, "budget.committed", gotEventType)

	// The signature covers the exact body bytes.
	assert.Equal(t, Sign("hook-secret", string(gotBody)), gotSig)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, "wh_7", envelope["event_id"])
	assert.Equal(t, "budget.committed", envelope["event_type"])
	assert.Equal(t, "acme", envelope["tenant_id"])
	assert.Equal(t, "exec-1", envelope["execution_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", envelope["ts"])
}

func TestDeliverReportsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := &Dispatcher{httpClient: &http.Client{Timeout: time.Second}, now: time.Now}
	target := pendingDelivery{DeliveryID: 1, URL: server.URL}

	status, httpStatus, errText := d.deliver(context.Background(), target, "budget.released", "acme", "", nil)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, http.StatusBadGateway, httpStatus)
	assert.Contains(t, errText, "502")
}
