package notification

import (
	"context"

	"github.com/bhandras/delight/hub/internal/store"
)

// Channel delivers notifications out of band.
//
// Implementations must treat an inactive session as a no-op and should
// report expected delivery failures through the returned error; the Hub
// logs it and never retries.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string
	// SendPermissionRequest announces that the session has pending
	// permission requests.
	SendPermissionRequest(ctx context.Context, session store.Session) error
	// SendReady announces that the session's agent is waiting for input.
	SendReady(ctx context.Context, session store.Session) error
}
