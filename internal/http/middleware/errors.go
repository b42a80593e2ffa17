package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payments_service/internal/apperror"
	"payments_service/internal/logger"
)

type errorBody struct {
	Code    apperror.ErrorCode `json:"code"`
	Message string             `json:"message"`
	Fields  map[string]string  `json:"fields,omitempty"`
	Details map[string]any     `json:"details,omitempty"`
}

// Abort writes err as the JSON error envelope and stops the chain. Causes
// are logged, never returned to the client.
func Abort(c *gin.Context, err error) {
	appErr := apperror.As(err)
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	entry := logger.Log.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"code":   appErr.Code,
		"status": status,
	})
	if appErr.Cause != nil {
		entry = entry.WithError(appErr.Cause)
	}
	if status >= http.StatusInternalServerError {
		entry.Error(appErr.Message)
	} else {
		entry.Debug(appErr.Message)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Fields:  appErr.Fields,
		Details: appErr.Details,
	}})
}

// Recovery turns panics into INTERNAL_ERROR responses.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Log.WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"panic": recovered,
		}).Error("panic recovered")
		Abort(c, apperror.New(apperror.ErrCodeInternal, "internal error"))
	})
}
