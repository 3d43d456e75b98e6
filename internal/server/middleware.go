package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"agentflow/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic in http handler",
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", recovered),
			logx.Stack(string(debug.Stack())),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
	})
}

// requestLogger tags each request with an id (taken from X-Request-ID when
// the caller sent one) and stores a logger carrying it on the request context.
func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		log := log.With(logx.String("request_id", id))
		c.Request = c.Request.WithContext(logx.IntoContext(c.Request.Context(), log))

		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("err", c.Errors.String()))
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}
