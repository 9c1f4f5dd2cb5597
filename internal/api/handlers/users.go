package handlers

import (
	"context"
	"net/http"

	"github.com/bhandras/delight/hub/internal/api/middleware"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
)

// UserStore is the part of the store the user endpoints need.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, id, namespace, name string) (store.User, bool, error)
	ListUsers(ctx context.Context, namespace string) ([]store.User, error)
	DeleteUser(ctx context.Context, id, namespace string) error
}

type UserHandler struct {
	users UserStore
}

func NewUserHandler(users UserStore) *UserHandler {
	return &UserHandler{users: users}
}

// GetMe handles GET /v1/me. The user row for the token subject is created
// on first use.
func (h *UserHandler) GetMe(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "token has no subject"})
		return
	}

	user, _, err := h.users.GetOrCreateUser(c.Request.Context(), userID, ns, c.Query("name"))
	if err != nil {
		writeStoreError(c, "user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ListUsers handles GET /v1/users
func (h *UserHandler) ListUsers(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	users, err := h.users.ListUsers(c.Request.Context(), ns)
	if err != nil {
		writeStoreError(c, "user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": nonNil(users)})
}

// DeleteUser handles DELETE /v1/users/:id
func (h *UserHandler) DeleteUser(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	if err := h.users.DeleteUser(c.Request.Context(), c.Param("id"), ns); err != nil {
		writeStoreError(c, "user", err)
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
