package auth

import (
	"time"

	"ghlogin/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	RequestIDHeader = "X-Request-ID"

	ctxKeyRequestID = "request_id"
	ctxKeyLogger    = "logger"
)

// RequestLoggerMiddleware tags each request with an id, binds it (and the
// trace id when tracing is on) to a child logger, and logs completion.
func RequestLoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		fields := []logger.Field{{Key: "request_id", Value: requestID}}
		span := trace.SpanFromContext(c.Request.Context())
		if span.SpanContext().IsValid() {
			fields = append(fields,
				logger.Field{Key: "trace_id", Value: span.SpanContext().TraceID().String()},
				logger.Field{Key: "span_id", Value: span.SpanContext().SpanID().String()},
			)
		}
		reqLog := log.With(fields...)

		c.Set(ctxKeyRequestID, requestID)
		c.Set(ctxKeyLogger, reqLog)

		start := time.Now()
		c.Next()

		// Only the path: the callback query string carries the code and state.
		reqLog.Info("request completed",
			logger.Field{Key: "method", Value: c.Request.Method},
			logger.Field{Key: "path", Value: c.Request.URL.Path},
			logger.Field{Key: "status", Value: c.Writer.Status()},
			logger.Field{Key: "latency_ms", Value: time.Since(start).Milliseconds()},
		)
	}
}

// RequestLogger returns the request-scoped logger, or a no-op one outside the middleware.
func RequestLogger(c *gin.Context) logger.Logger {
	if v, ok := c.Get(ctxKeyLogger); ok {
		if l, ok := v.(logger.Logger); ok {
			return l
		}
	}
	return logger.Nop{}
}
