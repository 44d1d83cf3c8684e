package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/settle/internal/settlement/domain"
)

// AbortWithError maps engine errors onto HTTP status codes and a uniform
// error body.
func AbortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAttemptConflict),
		errors.Is(err, domain.ErrYoungAttemptRunning):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrMissingPeriod),
		errors.Is(err, domain.ErrInvalidBatchConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrNoStalledAttempt):
		status = http.StatusNotFound
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": err.Error()}})
}

func invalidRequestError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": gin.H{"code": "invalid_request", "message": message},
	})
}
