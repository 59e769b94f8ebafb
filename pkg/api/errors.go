package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/secrets"
	"github.com/chengis/chengis/pkg/store"
)

// respondError maps engine errors to HTTP responses. Unrecognized
// errors are logged and masked as 500s.
func (s *Server) respondError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, store.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "resource is not in an eligible state"})
	case errors.Is(err, store.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pagination cursor"})
	case errors.Is(err, policy.ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, secrets.ErrMissingSecret):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Error("unexpected API error",
			"path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
