package handlers

import (
	"errors"
	"net/http"

	"github.com/bhandras/delight/hub/internal/api/middleware"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/pkg/logger"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
)

// AccessStatus maps a failed access check to its HTTP status.
func AccessStatus(reason syncengine.AccessReason) int {
	switch reason {
	case syncengine.AccessNamespaceMissing:
		return http.StatusUnauthorized
	case syncengine.AccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusNotFound
	}
}

// writeStoreError answers with the status matching a store/engine error.
func writeStoreError(c *gin.Context, what string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: what + " not found"})
	case errors.Is(err, store.ErrNamespaceConflict):
		c.JSON(http.StatusConflict, types.ErrorResponse{Error: what + " belongs to another namespace"})
	case errors.Is(err, store.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
	case errors.Is(err, syncengine.ErrStaleWrite):
		c.JSON(http.StatusConflict, types.ErrorResponse{Error: err.Error()})
	default:
		logger.Errorf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
	}
}

// namespace returns the caller's namespace, answering 401 when it is absent.
func namespace(c *gin.Context) (string, bool) {
	ns, ok := middleware.GetNamespace(c)
	if !ok || ns == "" {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: string(syncengine.AccessNamespaceMissing)})
		return "", false
	}
	return ns, true
}

// casResponse is the body of a compare-and-swap endpoint. A version
// mismatch is answered with 409 and the current value.
type casResponse[T any] struct {
	Result  string `json:"result"`
	Version int64  `json:"version"`
	Value   T      `json:"value"`
}

func writeUpdateResult[T any](c *gin.Context, what string, res store.UpdateResult[T], err error) {
	if err != nil {
		writeStoreError(c, what, err)
		return
	}
	switch {
	case res.OK:
		c.JSON(http.StatusOK, casResponse[T]{Result: "success", Version: res.Version, Value: res.Value})
	case res.Reason == store.ReasonNotFound:
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: what + " not found"})
	default:
		c.JSON(http.StatusConflict, casResponse[T]{Result: string(res.Reason), Version: res.Version, Value: res.Value})
	}
}
