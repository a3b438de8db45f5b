package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/brokererr"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
)

// writeError maps err to a structured JSON response and the appropriate
// status code, classifying by brokererr.Kind first and falling back to the
// repository's not-found sentinel.
func writeError(c *gin.Context, log *logger.Logger, err error) {
	if err == repository.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	switch brokererr.KindOf(err) {
	case brokererr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case brokererr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case brokererr.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case brokererr.KindTimeout:
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	case brokererr.KindBootstrapUnsafe:
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case brokererr.KindExecutorBusy:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
