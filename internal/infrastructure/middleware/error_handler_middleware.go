package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"dsplink/internal/core/domain"
	"dsplink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = classify(err)
		}
		if appErr != nil {
			log := logger.Warnw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
				"cause", appErr.Cause,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// classify maps domain errors that reached the handler unconverted.
func classify(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrDeviceNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "device not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrPoolClosed):
		return errors.NewServiceUnavailableError("shutting down")
	case stderrors.Is(err, context.DeadlineExceeded), domain.IsTimeout(err):
		return errors.NewDeviceTimeoutError("request", err)
	case domain.IsConnection(err), stderrors.Is(err, domain.ErrLinkClosed):
		return errors.WrapError(err, errors.ErrCodeDeviceUnreachable, "device unreachable", http.StatusServiceUnavailable)
	case domain.IsProtocol(err):
		return errors.NewDeviceProtocolError(err)
	}
	return nil
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

				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError, gin.H{
						"error":   string(errors.ErrCodeInternal),
						"message": "Internal server error",
					})
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
