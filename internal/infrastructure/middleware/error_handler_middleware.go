package middleware

import (
	"roomrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Domain errors are mapped through errors.FromDomain.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.FromDomain(c.Errors.Last().Err)
		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.Cause != nil {
			fields = append(fields, "error", appErr.Cause.Error())
		}
		if len(appErr.Context) > 0 {
			fields = append(fields, "context", appErr.Context)
		}

		if appErr.HTTPStatus >= 500 {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Warnw("request rejected", fields...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(500, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
