package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a new opaque entity identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Common response types

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// UpdateEvent is the frame written to update-stream sockets.
type UpdateEvent struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Body      any    `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}
