package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/api/accounts/:user", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/accounts/:user", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/missing", "404"))

	for _, path := range []string{"/api/accounts/1", "/api/accounts/2", "/missing"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/accounts/:user", "200")); got != base+2 {
		t.Errorf("route counter = %v, want %v", got, base+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/missing", "404")); got != base404+1 {
		t.Errorf("fallback counter = %v, want %v", got, base404+1)
	}
}

func TestObserveEvent(t *testing.T) {
	before := testutil.CollectAndCount(EventsHandled)
	ObserveEvent("metrics-test", time.Now().Add(-time.Millisecond))
	if after := testutil.CollectAndCount(EventsHandled); after != before+1 {
		t.Errorf("series = %d, want %d", after, before+1)
	}
}

func TestCounters(t *testing.T) {
	base := testutil.ToFloat64(Claims.WithLabelValues("g-test", "claimed"))
	Claims.WithLabelValues("g-test", "claimed").Inc()
	if got := testutil.ToFloat64(Claims.WithLabelValues("g-test", "claimed")); got != base+1 {
		t.Errorf("Claims = %v, want %v", got, base+1)
	}
}
