package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/delight/hub/internal/notification"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/tidwall/gjson"
)

const (
	// pushoverEndpoint is the Pushover API endpoint used for message delivery.
	pushoverEndpoint = "https://api.pushover.net/1/messages.json"
	// pushoverContentType is the HTTP form content type required by Pushover.
	pushoverContentType = "application/x-www-form-urlencoded"
	// defaultPushoverTimeout is the HTTP timeout used for Pushover requests.
	defaultPushoverTimeout = 10 * time.Second

	// pushoverAlertAttention prefixes permission-request alert keys.
	pushoverAlertAttention = "attention"
	// pushoverAlertReady prefixes ready alert keys.
	pushoverAlertReady = "ready"
)

// PushoverConfig describes the credentials and defaults for Pushover delivery.
type PushoverConfig struct {
	// Token is the application API token.
	Token string
	// UserKey is the destination user key.
	UserKey string
	// Priority is the Pushover priority value for messages.
	Priority int
	// Cooldown is the minimum interval between notifications per alert key.
	Cooldown time.Duration
	// Endpoint overrides the Pushover API URL.
	Endpoint string
	// Client overrides the HTTP client.
	Client *http.Client
}

// PushoverMessage describes a message to send to Pushover.
type PushoverMessage struct {
	// Title is the Pushover notification title.
	Title string
	// Message is the notification body.
	Message string
	// AlertKey is used to de-duplicate notifications within the cooldown window.
	AlertKey string
}

// PushoverChannel delivers hub notifications through the Pushover service.
type PushoverChannel struct {
	token    string
	userKey  string
	priority int
	cooldown time.Duration
	endpoint string

	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	lastSent  map[string]time.Time
	lastError error
}

var _ notification.Channel = (*PushoverChannel)(nil)

// NewPushoverChannel creates a new channel using the supplied config.
func NewPushoverChannel(cfg PushoverConfig) (*PushoverChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("pushover token is required")
	}
	if strings.TrimSpace(cfg.UserKey) == "" {
		return nil, fmt.Errorf("pushover user key is required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("pushover cooldown must be non-negative")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = pushoverEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultPushoverTimeout}
	}

	return &PushoverChannel{
		token:    cfg.Token,
		userKey:  cfg.UserKey,
		priority: cfg.Priority,
		cooldown: cfg.Cooldown,
		endpoint: endpoint,
		client:   client,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}, nil
}

// Name implements notification.Channel.
func (n *PushoverChannel) Name() string { return "pushover" }

// SendPermissionRequest implements notification.Channel.
func (n *PushoverChannel) SendPermissionRequest(ctx context.Context, session store.Session) error {
	if !session.Active {
		return nil
	}
	sum := notification.BuildSummary(session)
	alertKey := fmt.Sprintf("%s:%s:%s", pushoverAlertAttention, session.ID, sum.RequestID)
	return n.Notify(ctx, PushoverMessage{
		Title:    "Delight: " + sum.PermissionTitle(),
		Message:  sum.PermissionBody(),
		AlertKey: alertKey,
	})
}

// SendReady implements notification.Channel.
func (n *PushoverChannel) SendReady(ctx context.Context, session store.Session) error {
	if !session.Active {
		return nil
	}
	sum := notification.BuildSummary(session)
	return n.Notify(ctx, PushoverMessage{
		Title:    "Delight: " + sum.ReadyTitle(),
		Message:  sum.ReadyBody(),
		AlertKey: fmt.Sprintf("%s:%s", pushoverAlertReady, session.ID),
	})
}

// Notify sends a Pushover notification unless the alert key is cooling
// down. A failed send does not start the cooldown.
func (n *PushoverChannel) Notify(ctx context.Context, msg PushoverMessage) error {
	alertKey := strings.TrimSpace(msg.AlertKey)
	if alertKey == "" {
		return fmt.Errorf("pushover alert key is required")
	}
	if strings.TrimSpace(msg.Message) == "" {
		return fmt.Errorf("pushover message is required")
	}

	now := n.now()
	prev, ok := n.reserve(alertKey, now)
	if !ok {
		return nil
	}

	err := n.send(ctx, msg)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastError = err
	if err != nil {
		if prev.IsZero() {
			delete(n.lastSent, alertKey)
		} else {
			n.lastSent[alertKey] = prev
		}
	}
	return err
}

// LastError returns the most recent send error, if any.
func (n *PushoverChannel) LastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastError
}

// reserve claims alertKey for a send at now. Concurrent sends of one key
// cannot both pass. It returns the previous send time so a failed send can
// be rolled back.
func (n *PushoverChannel) reserve(alertKey string, now time.Time) (time.Time, bool) {
	if n.cooldown == 0 {
		return time.Time{}, true
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	prev, seen := n.lastSent[alertKey]
	if seen && now.Sub(prev) < n.cooldown {
		return time.Time{}, false
	}
	for key, at := range n.lastSent {
		if now.Sub(at) >= n.cooldown {
			delete(n.lastSent, key)
		}
	}
	n.lastSent[alertKey] = now
	return prev, true
}

// send posts msg to the Pushover messages API. Pushover answers
// {"status":1} on success and {"status":0,"errors":[...]} otherwise.
func (n *PushoverChannel) send(ctx context.Context, msg PushoverMessage) error {
	form := url.Values{
		"token":   {n.token},
		"user":    {n.userKey},
		"message": {msg.Message},
	}
	if title := strings.TrimSpace(msg.Title); title != "" {
		form.Set("title", title)
	}
	if n.priority != 0 {
		form.Set("priority", strconv.Itoa(n.priority))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build pushover request: %w", err)
	}
	req.Header.Set("Content-Type", pushoverContentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post pushover: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("read pushover response: %w", err)
	}

	status := gjson.GetBytes(body, "status")
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices &&
		(!status.Exists() || status.Int() == 1) {
		return nil
	}

	var reasons []string
	for _, e := range gjson.GetBytes(body, "errors").Array() {
		reasons = append(reasons, e.String())
	}
	if len(reasons) == 0 {
		reasons = append(reasons, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("pushover status=%d: %s", resp.StatusCode, strings.Join(reasons, "; "))
}
