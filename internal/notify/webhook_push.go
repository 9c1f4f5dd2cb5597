package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bhandras/delight/hub/internal/notification"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/pkg/logger"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 64 << 10

	pushTypePermission = "permission-request"
	pushTypeReady      = "ready"
)

// SubscriptionStore is the part of the store the webhook channel needs.
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, namespace string) ([]store.PushSubscription, error)
	RemovePushSubscription(ctx context.Context, namespace, endpoint string) error
}

// PushPayload is the JSON body posted to every subscription endpoint.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Data  PushData `json:"data"`
}

// PushData identifies what a push is about.
type PushData struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// WebhookOption customizes a WebhookPushChannel.
type WebhookOption func(*WebhookPushChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(c *WebhookPushChannel) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WebhookPushChannel posts notifications to the push subscriptions
// registered for the session's namespace.
type WebhookPushChannel struct {
	subs       SubscriptionStore
	httpClient *http.Client
}

var _ notification.Channel = (*WebhookPushChannel)(nil)

// NewWebhookPushChannel returns a channel that reads subscriptions from subs.
func NewWebhookPushChannel(subs SubscriptionStore, opts ...WebhookOption) *WebhookPushChannel {
	c := &WebhookPushChannel{
		subs:       subs,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name implements notification.Channel.
func (c *WebhookPushChannel) Name() string { return "webhook-push" }

// SendPermissionRequest implements notification.Channel.
func (c *WebhookPushChannel) SendPermissionRequest(ctx context.Context, session store.Session) error {
	if !session.Active {
		return nil
	}
	sum := notification.BuildSummary(session)
	return c.broadcast(ctx, session, PushPayload{
		Title: sum.PermissionTitle(),
		Body:  sum.PermissionBody(),
		Data:  PushData{SessionID: session.ID, Type: pushTypePermission},
	})
}

// SendReady implements notification.Channel.
func (c *WebhookPushChannel) SendReady(ctx context.Context, session store.Session) error {
	if !session.Active {
		return nil
	}
	sum := notification.BuildSummary(session)
	return c.broadcast(ctx, session, PushPayload{
		Title: sum.ReadyTitle(),
		Body:  sum.ReadyBody(),
		Data:  PushData{SessionID: session.ID, Type: pushTypeReady},
	})
}

// errGone marks a subscription whose endpoint no longer exists.
var errGone = errors.New("push endpoint gone")

func (c *WebhookPushChannel) broadcast(ctx context.Context, session store.Session, payload PushPayload) error {
	subs, err := c.subs.ListPushSubscriptions(ctx, session.Namespace)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		err := c.post(ctx, sub.Endpoint, body)
		switch {
		case err == nil:
		case errors.Is(err, errGone):
			logger.Infof("[notify] removing gone push subscription %s", sub.Endpoint)
			if rmErr := c.subs.RemovePushSubscription(ctx, session.Namespace, sub.Endpoint); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
				errs = append(errs, fmt.Errorf("remove %s: %w", sub.Endpoint, rmErr))
			}
		default:
			logger.Warnf("[notify] push to %s failed: %v", sub.Endpoint, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *WebhookPushChannel) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("push status=%d: %w", resp.StatusCode, errGone)
	}

	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("push status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("push status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}
