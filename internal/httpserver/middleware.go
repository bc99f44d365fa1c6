package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"market-chat/internal/domain"
	"market-chat/internal/logger"
)

const (
	correlationHeader = "X-Correlation-Id"
	userIDHeader      = "X-User-Id"
	userNameHeader    = "X-User-Name"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Correlation echoes or mints the correlation id and adds it to the log fields.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationHeader, id)
		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{CorrelationID: id, Component: "http"})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Identity reads the caller set by the upstream auth proxy. Requests without
// a user id are anonymous and never aborted.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.Identity{
			UserID:      strings.TrimSpace(c.GetHeader(userIDHeader)),
			DisplayName: strings.TrimSpace(c.GetHeader(userNameHeader)),
		}
		ctx := context.WithValue(c.Request.Context(), identityContextKey, id)
		ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: id.UserID, ConversationID: c.Param("id")})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func identityFrom(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(identityContextKey).(domain.Identity)
	return id
}

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(c.Request.Context(), "panic recovered", "panic", r, "path", c.Request.URL.Path)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR"})
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
