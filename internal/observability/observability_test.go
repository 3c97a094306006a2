package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any, map[string]string) error {
	return assert.AnError
}

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/api/messages/:peer_id", func(c *gin.Context) { c.Status(http.StatusOK) })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/messages/:peer_id", "200")
	before := testutil.ToFloat64(counter)

	for _, peer := range []string{"bob", "carol"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/"+peer, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestPublishEventCountsFailures(t *testing.T) {
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), WSRoutingKey, nil, nil), "no publisher configured")

	SetPublisher(failingPublisher{})
	before := testutil.ToFloat64(amqpPublishErrorsTotal)
	err := PublishEvent(context.Background(), WSRoutingKey, WSEvent{Name: "ws_connect"}.Envelope(), nil)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, before+1, testutil.ToFloat64(amqpPublishErrorsTotal))
}

func TestObservePresence(t *testing.T) {
	before := testutil.ToFloat64(presenceBroadcastsTotal)
	ObservePresence(3)

	assert.Equal(t, before+1, testutil.ToFloat64(presenceBroadcastsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(onlineUsers))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestRequestHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", IPFromRequest(req))
	assert.NotEmpty(t, RequestIDFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Request-Id", "req-9")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
	assert.Equal(t, "req-9", RequestIDFromRequest(req))
}

func TestWSEventEnvelope(t *testing.T) {
	env := WSEvent{Name: "ws_replaced", ConnID: "c1", UserID: "alice", Reason: "replaced"}.Envelope()

	assert.Equal(t, "ws_events", env.EventType)
	assert.Equal(t, "ws_replaced", env.EventName)
	payload := env.Payload.(map[string]interface{})
	assert.Equal(t, "c1", payload["ws"].(map[string]interface{})["conn_id"])
	assert.Equal(t, "alice", payload["identity"].(map[string]interface{})["user_id"])
}

func TestBuildHeaders(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}
