package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/pkg/logger"
)

// maxStaleRetries bounds UpdateSessionAgentStateWith.
const maxStaleRetries = 5

// ErrStaleWrite is returned when a read-modify-write keeps losing the
// compare-and-swap race.
var ErrStaleWrite = errors.New("stale write")

// Engine is the single mutation point for sessions, messages and machines.
//
// Every mutation persists through the store and then emits the derived
// SyncEvents while still holding the per-entity lock, so subscribers observe
// events for one session in the order the store applied them.
type Engine struct {
	store store.Store
	now   func() time.Time

	sessionLocks *keyedLocks
	machineLocks *keyedLocks
	// tagLocks serializes find-or-create per (namespace, tag) so the
	// creator's session-added is the first event for a new session.
	tagLocks *keyedLocks

	listenersMu    sync.Mutex
	listeners      []subscription
	nextListenerID uint64

	// The generations count cache writes. A read-through that raced with
	// a write or an eviction must not store what it read.
	cacheMu    sync.RWMutex
	sessions   map[string]store.Session
	machines   map[string]store.Machine
	sessionGen uint64
	machineGen uint64
}

type subscription struct {
	id uint64
	fn Listener
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNow overrides the clock used for activity timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an engine backed by st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		now:          time.Now,
		sessionLocks: newKeyedLocks(),
		machineLocks: newKeyedLocks(),
		tagLocks:     newKeyedLocks(),
		sessions:     make(map[string]store.Session),
		machines:     make(map[string]store.Machine),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a listener and returns a function that removes it.
// Listeners are invoked in registration order.
func (e *Engine) Subscribe(fn Listener) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.nextListenerID++
	id := e.nextListenerID
	e.listeners = append(e.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			defer e.listenersMu.Unlock()
			for i, sub := range e.listeners {
				if sub.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *Engine) emit(evt SyncEvent) {
	e.listenersMu.Lock()
	subs := append([]subscription(nil), e.listeners...)
	e.listenersMu.Unlock()

	logger.Tracef("[sync] emit %s session=%s machine=%s", evt.Type, evt.SessionID, evt.MachineID)
	for _, sub := range subs {
		e.dispatch(sub, evt)
	}
}

func (e *Engine) dispatch(sub subscription, evt SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[sync] listener %d panicked on %s: %v", sub.id, evt.Type, r)
		}
	}()
	sub.fn(evt)
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

// --- cache ---

func (e *Engine) cacheSession(s store.Session) {
	e.cacheMu.Lock()
	e.sessions[s.ID] = s
	e.sessionGen++
	e.cacheMu.Unlock()
}

func (e *Engine) evictSession(id string) {
	e.cacheMu.Lock()
	delete(e.sessions, id)
	e.sessionGen++
	e.cacheMu.Unlock()
}

func (e *Engine) cacheMachine(m store.Machine) {
	e.cacheMu.Lock()
	e.machines[m.ID] = m
	e.machineGen++
	e.cacheMu.Unlock()
}

func (e *Engine) evictMachines(match func(store.Machine) bool) {
	e.cacheMu.Lock()
	for id, m := range e.machines {
		if match(m) {
			delete(e.machines, id)
		}
	}
	e.machineGen++
	e.cacheMu.Unlock()
}

// refreshSession reloads a session from the store into the cache. Callers
// hold the session lock.
func (e *Engine) refreshSession(ctx context.Context, id string) (store.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.evictSession(id)
		}
		return store.Session{}, err
	}
	e.cacheSession(s)
	return s, nil
}

func (e *Engine) refreshMachine(ctx context.Context, id string) (store.Machine, error) {
	m, err := e.store.GetMachine(ctx, id)
	if err != nil {
		return store.Machine{}, err
	}
	e.cacheMachine(m)
	return m, nil
}

// --- reads ---

// GetSession returns a session by id, serving from the cache when possible.
func (e *Engine) GetSession(ctx context.Context, id string) (store.Session, error) {
	e.cacheMu.RLock()
	s, ok := e.sessions[id]
	gen := e.sessionGen
	e.cacheMu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return store.Session{}, err
	}
	e.cacheMu.Lock()
	if e.sessionGen == gen {
		e.sessions[id] = s
	}
	e.cacheMu.Unlock()
	return s, nil
}

// GetSessionsByNamespace lists the sessions of a namespace.
func (e *Engine) GetSessionsByNamespace(ctx context.Context, namespace string) ([]store.Session, error) {
	return e.store.ListSessions(ctx, namespace)
}

// GetMachine returns a machine by id.
func (e *Engine) GetMachine(ctx context.Context, id string) (store.Machine, error) {
	e.cacheMu.RLock()
	m, ok := e.machines[id]
	gen := e.machineGen
	e.cacheMu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := e.store.GetMachine(ctx, id)
	if err != nil {
		return store.Machine{}, err
	}
	e.cacheMu.Lock()
	if e.machineGen == gen {
		e.machines[id] = m
	}
	e.cacheMu.Unlock()
	return m, nil
}

// GetMachinesByNamespace lists the machines of a namespace.
func (e *Engine) GetMachinesByNamespace(ctx context.Context, namespace string) ([]store.Machine, error) {
	return e.store.ListMachines(ctx, namespace)
}

// GetMessages returns a page of a session's messages in ascending seq order.
func (e *Engine) GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]store.Message, error) {
	return e.store.GetMessages(ctx, sessionID, limit, beforeSeq)
}

// GetMessagesAfter returns messages with seq > afterSeq.
func (e *Engine) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]store.Message, error) {
	return e.store.GetMessagesAfter(ctx, sessionID, afterSeq, limit)
}

// ResolveSessionAccess checks that namespace may see session id. Failures
// are reported as a reason, never as an error; err is reserved for storage
// faults.
func (e *Engine) ResolveSessionAccess(ctx context.Context, id, namespace string) (AccessResult, error) {
	if namespace == "" {
		return AccessResult{Reason: AccessNamespaceMissing}, nil
	}
	s, err := e.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return AccessResult{Reason: AccessNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}
	if s.Namespace != namespace {
		return AccessResult{Reason: AccessDenied}, nil
	}
	return AccessResult{OK: true, Session: s}, nil
}

// --- session mutations ---

// GetOrCreateSession finds the session tagged tag in namespace or creates
// it. Emits session-added for a new session and session-updated otherwise.
func (e *Engine) GetOrCreateSession(ctx context.Context, tag string, metadata json.RawMessage, agentState *store.AgentState, namespace string) (store.Session, bool, error) {
	if tag != "" {
		unlockTag := e.tagLocks.lock(namespace + "\x00" + tag)
		defer unlockTag()
	}

	s, created, err := e.store.GetOrCreateSession(ctx, tag, metadata, agentState, namespace)
	if err != nil {
		return store.Session{}, false, err
	}

	unlock := e.sessionLocks.lock(s.ID)
	defer unlock()

	// Re-read under the lock so the cached copy is not older than a
	// concurrent mutation that won the lock first.
	s, err = e.refreshSession(ctx, s.ID)
	if err != nil {
		return store.Session{}, false, err
	}

	evt := EventSessionUpdated
	if created {
		evt = EventSessionAdded
		logger.Infof("[sync] session %s created in %s", s.ID, namespace)
	}
	e.emit(SyncEvent{Type: evt, Namespace: namespace, SessionID: s.ID})
	return s, created, nil
}

// UpdateSessionMetadata performs a compare-and-swap on the session metadata.
func (e *Engine) UpdateSessionMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (store.UpdateResult[json.RawMessage], error) {
	unlock := e.sessionLocks.lock(id)
	defer unlock()

	res, err := e.store.UpdateSessionMetadata(ctx, id, metadata, expectedVersion, namespace)
	if err != nil || !res.OK {
		return res, err
	}
	if _, err := e.refreshSession(ctx, id); err != nil {
		return res, err
	}
	e.emit(SyncEvent{Type: EventSessionUpdated, Namespace: namespace, SessionID: id})
	return res, nil
}

// UpdateSessionAgentState performs a compare-and-swap on the agent state.
func (e *Engine) UpdateSessionAgentState(ctx context.Context, id string, agentState *store.AgentState, expectedVersion int64, namespace string) (store.UpdateResult[*store.AgentState], error) {
	unlock := e.sessionLocks.lock(id)
	defer unlock()

	return e.updateAgentStateLocked(ctx, id, agentState, expectedVersion, namespace)
}

func (e *Engine) updateAgentStateLocked(ctx context.Context, id string, agentState *store.AgentState, expectedVersion int64, namespace string) (store.UpdateResult[*store.AgentState], error) {
	res, err := e.store.UpdateSessionAgentState(ctx, id, agentState, expectedVersion, namespace)
	if err != nil || !res.OK {
		return res, err
	}
	if _, err := e.refreshSession(ctx, id); err != nil {
		return res, err
	}
	e.emit(SyncEvent{Type: EventSessionUpdated, Namespace: namespace, SessionID: id})
	return res, nil
}

// UpdateSessionAgentStateWith applies fn to the current agent state and
// writes the result, retrying on version mismatch. fn may be called more
// than once and must not retain its argument.
func (e *Engine) UpdateSessionAgentStateWith(ctx context.Context, id, namespace string, fn func(*store.AgentState) (*store.AgentState, error)) (store.Session, error) {
	current, err := e.store.GetSessionByNamespace(ctx, id, namespace)
	if err != nil {
		return store.Session{}, err
	}
	state, version := current.AgentState, current.AgentStateVersion

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return store.Session{}, err
		}
		next, err := fn(cloneAgentState(state))
		if err != nil {
			return store.Session{}, err
		}

		res, err := e.UpdateSessionAgentState(ctx, id, next, version, namespace)
		if err != nil {
			return store.Session{}, err
		}
		switch {
		case res.OK:
			return e.GetSession(ctx, id)
		case res.Reason == store.ReasonNotFound:
			return store.Session{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		logger.Debugf("[sync] session %s agent state stale at v%d, retrying", id, version)
		state, version = res.Value, res.Version
	}
	return store.Session{}, fmt.Errorf("session %s agent state after %d attempts: %w", id, maxStaleRetries, ErrStaleWrite)
}

func cloneAgentState(state *store.AgentState) *store.AgentState {
	if state == nil {
		return nil
	}
	out := &store.AgentState{ControlledByUser: state.ControlledByUser}
	if state.Requests != nil {
		out.Requests = make(map[string]store.AgentRequest, len(state.Requests))
		for k, v := range state.Requests {
			out.Requests[k] = v
		}
	}
	if state.CompletedRequests != nil {
		out.CompletedRequests = make(map[string]store.CompletedRequest, len(state.CompletedRequests))
		for k, v := range state.CompletedRequests {
			out.CompletedRequests[k] = v
		}
	}
	return out
}

// SessionAlive marks a session active, recording whether the agent is
// currently thinking.
func (e *Engine) SessionAlive(ctx context.Context, id, namespace string, thinking bool) (store.Session, error) {
	return e.setSessionActive(ctx, id, namespace, true, thinking)
}

// SessionEnd marks a session inactive.
func (e *Engine) SessionEnd(ctx context.Context, id, namespace string) (store.Session, error) {
	return e.setSessionActive(ctx, id, namespace, false, false)
}

func (e *Engine) setSessionActive(ctx context.Context, id, namespace string, active, thinking bool) (store.Session, error) {
	unlock := e.sessionLocks.lock(id)
	defer unlock()

	s, err := e.store.SetSessionActive(ctx, id, namespace, active, thinking, e.nowMs())
	if err != nil {
		return store.Session{}, err
	}
	e.cacheSession(s)
	e.emit(SyncEvent{Type: EventSessionUpdated, Namespace: namespace, SessionID: id})
	return s, nil
}

// AddMessage appends a message to a session. A replay of an existing local
// id returns the stored message and emits nothing.
func (e *Engine) AddMessage(ctx context.Context, sessionID, namespace string, content json.RawMessage, localID *string) (store.Message, bool, error) {
	unlock := e.sessionLocks.lock(sessionID)
	defer unlock()

	if _, err := e.store.GetSessionByNamespace(ctx, sessionID, namespace); err != nil {
		return store.Message{}, false, err
	}
	msg, created, err := e.store.AddMessage(ctx, sessionID, content, localID)
	if err != nil || !created {
		return msg, created, err
	}
	if _, err := e.refreshSession(ctx, sessionID); err != nil {
		return msg, created, err
	}

	m := msg
	e.emit(SyncEvent{Type: EventMessageReceived, Namespace: namespace, SessionID: sessionID, Message: &m})
	return msg, true, nil
}

// MergeSessions moves every message of fromID into toID, then removes
// fromID. Emits session-removed(from) followed by session-updated(to).
func (e *Engine) MergeSessions(ctx context.Context, fromID, toID, namespace string) (int, error) {
	unlock := e.sessionLocks.lock(fromID, toID)
	defer unlock()

	if _, err := e.store.GetSessionByNamespace(ctx, fromID, namespace); err != nil {
		return 0, err
	}
	if _, err := e.store.GetSessionByNamespace(ctx, toID, namespace); err != nil {
		return 0, err
	}

	moved, err := e.store.MergeSessionMessages(ctx, fromID, toID)
	if err != nil {
		return 0, err
	}
	if err := e.store.DeleteSession(ctx, fromID, namespace); err != nil {
		return moved, fmt.Errorf("remove merged session %s: %w", fromID, err)
	}
	e.evictSession(fromID)
	if _, err := e.refreshSession(ctx, toID); err != nil {
		return moved, err
	}

	logger.Infof("[sync] merged %d messages from %s into %s", moved, fromID, toID)
	e.emit(SyncEvent{Type: EventSessionRemoved, Namespace: namespace, SessionID: fromID})
	e.emit(SyncEvent{Type: EventSessionUpdated, Namespace: namespace, SessionID: toID})
	return moved, nil
}

// DeleteSession removes a session and its messages.
func (e *Engine) DeleteSession(ctx context.Context, id, namespace string) error {
	unlock := e.sessionLocks.lock(id)
	defer unlock()

	if err := e.store.DeleteSession(ctx, id, namespace); err != nil {
		return err
	}
	e.evictSession(id)
	e.emit(SyncEvent{Type: EventSessionRemoved, Namespace: namespace, SessionID: id})
	return nil
}

// --- machine mutations ---

// GetOrCreateMachine registers a machine. It fails with
// store.ErrNamespaceConflict when the id belongs to another namespace.
func (e *Engine) GetOrCreateMachine(ctx context.Context, id string, metadata, daemonState json.RawMessage, namespace string) (store.Machine, bool, error) {
	unlock := e.machineLocks.lock(id)
	defer unlock()

	m, created, err := e.store.GetOrCreateMachine(ctx, id, metadata, daemonState, namespace)
	if err != nil {
		return store.Machine{}, false, err
	}
	e.cacheMachine(m)
	e.emit(SyncEvent{Type: EventMachineUpdated, Namespace: namespace, MachineID: id})
	return m, created, nil
}

// UpdateMachineMetadata performs a compare-and-swap on machine metadata.
func (e *Engine) UpdateMachineMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (store.UpdateResult[json.RawMessage], error) {
	unlock := e.machineLocks.lock(id)
	defer unlock()

	res, err := e.store.UpdateMachineMetadata(ctx, id, metadata, expectedVersion, namespace)
	if err != nil || !res.OK {
		return res, err
	}
	return res, e.machineChanged(ctx, id, namespace)
}

// UpdateMachineDaemonState performs a compare-and-swap on the daemon state.
func (e *Engine) UpdateMachineDaemonState(ctx context.Context, id string, daemonState json.RawMessage, expectedVersion int64, namespace string) (store.UpdateResult[json.RawMessage], error) {
	unlock := e.machineLocks.lock(id)
	defer unlock()

	res, err := e.store.UpdateMachineDaemonState(ctx, id, daemonState, expectedVersion, namespace)
	if err != nil || !res.OK {
		return res, err
	}
	return res, e.machineChanged(ctx, id, namespace)
}

func (e *Engine) machineChanged(ctx context.Context, id, namespace string) error {
	if _, err := e.refreshMachine(ctx, id); err != nil {
		return err
	}
	e.emit(SyncEvent{Type: EventMachineUpdated, Namespace: namespace, MachineID: id})
	return nil
}

// MachineAlive marks a machine active.
func (e *Engine) MachineAlive(ctx context.Context, id, namespace string) (store.Machine, error) {
	unlock := e.machineLocks.lock(id)
	defer unlock()

	m, err := e.store.SetMachineActive(ctx, id, namespace, true, e.nowMs())
	if err != nil {
		return store.Machine{}, err
	}
	e.cacheMachine(m)
	e.emit(SyncEvent{Type: EventMachineUpdated, Namespace: namespace, MachineID: id})
	return m, nil
}

// DeleteMachine removes a machine and every session that names it. Emits
// session-removed per cascaded session, then machine-updated. The machine
// lock is taken before the locks of the cascaded sessions.
func (e *Engine) DeleteMachine(ctx context.Context, id, namespace string) ([]string, error) {
	unlock := e.machineLocks.lock(id)
	defer unlock()

	ids, err := e.store.ListMachineSessionIDs(ctx, id, namespace)
	if err != nil {
		return nil, err
	}
	unlockSessions := e.sessionLocks.lock(ids...)
	removed, err := e.store.DeleteMachine(ctx, id, namespace)
	if err != nil {
		unlockSessions()
		return nil, err
	}
	e.evictMachines(func(m store.Machine) bool { return m.ID == id })
	late := e.sessionsRemovedLocked(namespace, removed, ids)
	unlockSessions()
	e.sessionsRemoved(namespace, late)

	e.emit(SyncEvent{Type: EventMachineUpdated, Namespace: namespace, MachineID: id})
	return removed, nil
}

// PurgeNamespace deletes every entity of a namespace and emits
// session-removed for each removed session.
func (e *Engine) PurgeNamespace(ctx context.Context, namespace string) ([]string, error) {
	machines, err := e.store.ListMachines(ctx, namespace)
	if err != nil {
		return nil, err
	}
	sessions, err := e.store.ListSessions(ctx, namespace)
	if err != nil {
		return nil, err
	}
	machineIDs := make([]string, 0, len(machines))
	for _, m := range machines {
		machineIDs = append(machineIDs, m.ID)
	}
	sessionIDs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		sessionIDs = append(sessionIDs, s.ID)
	}

	unlockMachines := e.machineLocks.lock(machineIDs...)
	defer unlockMachines()
	unlockSessions := e.sessionLocks.lock(sessionIDs...)
	removed, err := e.store.DeleteNamespace(ctx, namespace)
	if err != nil {
		unlockSessions()
		return nil, err
	}
	e.evictMachines(func(m store.Machine) bool { return m.Namespace == namespace })
	late := e.sessionsRemovedLocked(namespace, removed, sessionIDs)
	unlockSessions()
	e.sessionsRemoved(namespace, late)

	logger.Infof("[sync] purged namespace %s (%d sessions)", namespace, len(removed))
	return removed, nil
}

// sessionsRemovedLocked evicts and announces the removed sessions whose
// locks the caller holds. It returns the rest: sessions that joined the
// cascade after the caller listed it.
func (e *Engine) sessionsRemovedLocked(namespace string, removed, locked []string) []string {
	held := make(map[string]struct{}, len(locked))
	for _, id := range locked {
		held[id] = struct{}{}
	}
	var late []string
	for _, id := range removed {
		if _, ok := held[id]; !ok {
			late = append(late, id)
			continue
		}
		e.evictSession(id)
		e.emit(SyncEvent{Type: EventSessionRemoved, Namespace: namespace, SessionID: id})
	}
	return late
}

// sessionsRemoved evicts and announces removed sessions one lock at a time.
func (e *Engine) sessionsRemoved(namespace string, ids []string) {
	for _, id := range ids {
		unlock := e.sessionLocks.lock(id)
		e.evictSession(id)
		e.emit(SyncEvent{Type: EventSessionRemoved, Namespace: namespace, SessionID: id})
		unlock()
	}
}
