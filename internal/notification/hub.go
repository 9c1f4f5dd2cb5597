package notification

import (
	"context"
	"sync"
	"time"

	"github.com/bhandras/delight/hub/internal/clock"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/pkg/logger"
)

const (
	// DefaultPermissionDebounce collapses bursts of new permission requests
	// into a single notification.
	DefaultPermissionDebounce = 500 * time.Millisecond
	// DefaultReadyCooldown is the minimum interval between ready
	// notifications for one session.
	DefaultReadyCooldown = 5000 * time.Millisecond
)

// SessionSource is the part of the sync engine the Hub consumes.
type SessionSource interface {
	Subscribe(fn syncengine.Listener) func()
	GetSession(ctx context.Context, id string) (store.Session, error)
}

// Options tunes a Hub. Zero values select the defaults.
type Options struct {
	PermissionDebounce time.Duration
	ReadyCooldown      time.Duration
	Clock              clock.Clock
}

type sessionState struct {
	requestIDs map[string]struct{}

	timer   clock.Timer
	timerID uint64

	lastReadyAt time.Time
	readySent   bool
}

// Hub turns sync events into debounced permission notifications and
// rate-limited ready notifications.
type Hub struct {
	source   SessionSource
	channels []Channel

	debounce time.Duration
	cooldown time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	states map[string]*sessionState
	// nextTimerID is hub-wide so a session that is cleared and re-tracked
	// never reuses the id of a timer that may still fire.
	nextTimerID uint64
	generation  uint64
	unsubscribe func()

	inflight sync.WaitGroup
}

// NewHub builds a Hub. Channels are invoked in the given order but
// independently of each other.
func NewHub(source SessionSource, channels []Channel, opts Options) *Hub {
	h := &Hub{
		source:   source,
		channels: append([]Channel(nil), channels...),
		debounce: opts.PermissionDebounce,
		cooldown: opts.ReadyCooldown,
		clock:    opts.Clock,
		states:   make(map[string]*sessionState),
	}
	if h.debounce <= 0 {
		h.debounce = DefaultPermissionDebounce
	}
	if h.cooldown <= 0 {
		h.cooldown = DefaultReadyCooldown
	}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	return h
}

// Start subscribes the Hub to the engine. Calling Start twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		return
	}
	h.unsubscribe = h.source.Subscribe(h.HandleEvent)
	logger.Debugf("[notify] hub started with %d channel(s)", len(h.channels))
}

// Stop unsubscribes, cancels every pending debounce timer and forgets all
// per-session state. Deliveries already running are not interrupted; use
// Wait to block until they finish.
func (h *Hub) Stop() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.generation++
	for _, st := range h.states {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	h.states = make(map[string]*sessionState)
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Wait blocks until every in-flight channel call has returned.
func (h *Hub) Wait() {
	h.inflight.Wait()
}

// HandleEvent applies one sync event. It is the Hub's engine listener.
func (h *Hub) HandleEvent(evt syncengine.SyncEvent) {
	switch evt.Type {
	case syncengine.EventSessionAdded, syncengine.EventSessionUpdated:
		h.onSessionChanged(evt.SessionID)
	case syncengine.EventSessionRemoved:
		h.clearSession(evt.SessionID)
	case syncengine.EventMessageReceived:
		if typ, ok := ExtractMessageEventType(evt); ok && typ == EventReady {
			h.onReady(evt.SessionID)
		}
	}
}

func (h *Hub) fetch(id string) (store.Session, bool) {
	s, err := h.source.GetSession(context.Background(), id)
	if err != nil {
		logger.Tracef("[notify] session %s unavailable: %v", id, err)
		return store.Session{}, false
	}
	return s, true
}

func (h *Hub) onSessionChanged(id string) {
	s, ok := h.fetch(id)
	if !ok || !s.Active {
		h.clearSession(id)
		return
	}

	current := make(map[string]struct{}, len(s.PendingRequestIDs()))
	for _, reqID := range s.PendingRequestIDs() {
		current[reqID] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(id)
	hasNew := false
	for reqID := range current {
		if _, seen := st.requestIDs[reqID]; !seen {
			hasNew = true
			break
		}
	}
	st.requestIDs = current
	if !hasNew {
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	h.nextTimerID++
	st.timerID = h.nextTimerID
	timerID, gen := st.timerID, h.generation
	st.timer = h.clock.AfterFunc(h.debounce, func() {
		h.firePermission(id, gen, timerID)
	})
	logger.Tracef("[notify] session %s permission timer armed (%s)", id, h.debounce)
}

func (h *Hub) firePermission(id string, gen, timerID uint64) {
	h.mu.Lock()
	st, ok := h.states[id]
	if !ok || gen != h.generation || st.timerID != timerID {
		h.mu.Unlock()
		return
	}
	st.timer = nil
	h.mu.Unlock()

	s, ok := h.fetch(id)
	if !ok || !s.Active {
		return
	}
	h.dispatch("permission", s, Channel.SendPermissionRequest)
}

func (h *Hub) onReady(id string) {
	s, ok := h.fetch(id)
	if !ok || !s.Active {
		return
	}

	h.mu.Lock()
	st := h.stateLocked(id)
	now := h.clock.Now()
	if st.readySent && now.Sub(st.lastReadyAt) < h.cooldown {
		h.mu.Unlock()
		logger.Tracef("[notify] session %s ready suppressed by cooldown", id)
		return
	}
	st.lastReadyAt = now
	st.readySent = true
	h.mu.Unlock()

	h.dispatch("ready", s, Channel.SendReady)
}

func (h *Hub) stateLocked(id string) *sessionState {
	st, ok := h.states[id]
	if !ok {
		st = &sessionState{requestIDs: make(map[string]struct{})}
		h.states[id] = st
	}
	return st
}

func (h *Hub) clearSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[id]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(h.states, id)
}

// tracked reports whether the Hub holds state for a session.
func (h *Hub) tracked(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.states[id]
	return ok
}

func (h *Hub) dispatch(kind string, s store.Session, send func(Channel, context.Context, store.Session) error) {
	for _, ch := range h.channels {
		h.inflight.Add(1)
		go func(ch Channel) {
			defer h.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[notify] %s channel %s panicked for session %s: %v", kind, ch.Name(), s.ID, r)
				}
			}()

			// Deliveries have no deadline of their own; channels bound
			// their I/O with their HTTP client timeouts.
			if err := send(ch, context.Background(), s); err != nil {
				logger.Warnf("[notify] %s via %s failed for session %s: %v", kind, ch.Name(), s.ID, err)
				return
			}
			logger.Debugf("[notify] %s via %s sent for session %s", kind, ch.Name(), s.ID)
		}(ch)
	}
}
