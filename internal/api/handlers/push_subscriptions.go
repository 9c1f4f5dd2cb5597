package handlers

import (
	"context"
	"net/http"

	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
)

// PushStore is the part of the store the push subscription endpoints need.
type PushStore interface {
	AddPushSubscription(ctx context.Context, sub store.PushSubscription) (store.PushSubscription, error)
	ListPushSubscriptions(ctx context.Context, namespace string) ([]store.PushSubscription, error)
	RemovePushSubscription(ctx context.Context, namespace, endpoint string) error
}

type PushHandler struct {
	subs PushStore
}

func NewPushHandler(subs PushStore) *PushHandler {
	return &PushHandler{subs: subs}
}

// PushSubscriptionRequest registers a push endpoint.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// RemovePushSubscriptionRequest names the endpoint to drop.
type RemovePushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// List handles GET /v1/push-subscriptions
func (h *PushHandler) List(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	subs, err := h.subs.ListPushSubscriptions(c.Request.Context(), ns)
	if err != nil {
		writeStoreError(c, "push subscription", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": nonNil(subs)})
}

// Add handles POST /v1/push-subscriptions
func (h *PushHandler) Add(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	var req PushSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}

	sub, err := h.subs.AddPushSubscription(c.Request.Context(), store.PushSubscription{
		Namespace: ns,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
	})
	if err != nil {
		writeStoreError(c, "push subscription", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Remove handles DELETE /v1/push-subscriptions
func (h *PushHandler) Remove(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	var req RemovePushSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}
	if err := h.subs.RemovePushSubscription(c.Request.Context(), ns, req.Endpoint); err != nil {
		writeStoreError(c, "push subscription", err)
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
