package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

func TestGinMiddlewareExtractsTraceparent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetPropagator()

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var got trace.SpanContext
	engine := gin.New()
	engine.Use(GinMiddleware())
	engine.GET("/ping", func(c *gin.Context) {
		got = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if !got.IsValid() {
		t.Fatal("expected a remote span context from the traceparent header")
	}
	if got.TraceID().String() != traceID {
		t.Fatalf("trace id = %s, want %s", got.TraceID().String(), traceID)
	}
	if !got.IsRemote() {
		t.Fatal("extracted span context should be marked remote")
	}
}

func TestGinMiddlewareNoHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetPropagator()

	var got trace.SpanContext
	engine := gin.New()
	engine.Use(GinMiddleware())
	engine.GET("/ping", func(c *gin.Context) {
		got = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if got.IsValid() {
		t.Fatalf("expected no span context without trace headers, got %s", got.TraceID())
	}
}
