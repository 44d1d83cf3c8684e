package tracing

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// SetPropagator installs the global W3C tracecontext + baggage propagator.
// Spans started by the settlement runner join the caller's trace when the
// start request carried a traceparent header.
func SetPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// GinMiddleware extracts inbound trace headers into the request context so
// downstream spans continue the caller's trace.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(
			c.Request.Context(),
			propagation.HeaderCarrier(c.Request.Header),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
