package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/delight/hub/internal/database"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLStore) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewSQLStore(db.DB)
	return New(st), st
}

// recorder collects events from a subscription.
type recorder struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (r *recorder) listen(evt SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func TestSubscribe_OrderAndUnsubscribe(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var order []string
	unsubA := e.Subscribe(func(SyncEvent) { order = append(order, "a") })
	e.Subscribe(func(SyncEvent) { order = append(order, "b") })
	e.Subscribe(func(SyncEvent) { order = append(order, "c") })

	_, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)

	unsubA()
	unsubA()
	order = nil
	_, _, err = e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, order)
}

func TestEmit_ListenerPanicIsIsolated(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := &recorder{}
	e.Subscribe(func(SyncEvent) { panic("boom") })
	e.Subscribe(rec.listen)

	_, _, err := e.GetOrCreateSession(context.Background(), "t1", nil, nil, "alpha")
	require.NoError(t, err)
	require.Equal(t, []EventType{EventSessionAdded}, rec.types())
}

func TestGetOrCreateSession_Events(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	rec := &recorder{}
	e.Subscribe(rec.listen)

	s, created, err := e.GetOrCreateSession(ctx, "t1", json.RawMessage(`{"path":"/p"}`), nil, "alpha")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, s.ID, again.ID)

	require.Equal(t, []EventType{EventSessionAdded, EventSessionUpdated}, rec.types())
	require.Equal(t, "alpha", rec.events[0].Namespace)
	require.Equal(t, s.ID, rec.events[0].SessionID)
}

func TestAddMessage_EmitsOncePerInsert(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	local := "l1"
	msg, created, err := e.AddMessage(ctx, s.ID, "alpha", json.RawMessage(`{"x":1}`), &local)
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := e.AddMessage(ctx, s.ID, "alpha", json.RawMessage(`{"x":2}`), &local)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, msg.ID, replay.ID)

	require.Len(t, rec.events, 1)
	require.Equal(t, EventMessageReceived, rec.events[0].Type)
	require.NotNil(t, rec.events[0].Message)
	require.Equal(t, int64(1), rec.events[0].Message.Seq)

	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Seq)

	_, _, err = e.AddMessage(ctx, s.ID, "beta", json.RawMessage(`{}`), nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddMessage_EventsFollowStoreOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []int64
	)
	e.Subscribe(func(evt SyncEvent) {
		if evt.Type != EventMessageReceived {
			return
		}
		mu.Lock()
		seen = append(seen, evt.Message.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := e.AddMessage(ctx, s.ID, "alpha", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, 20)
	for i, seq := range seen {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestMergeSessions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	from, _, err := e.GetOrCreateSession(ctx, "from", nil, nil, "alpha")
	require.NoError(t, err)
	to, _, err := e.GetOrCreateSession(ctx, "to", nil, nil, "alpha")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := e.AddMessage(ctx, from.ID, "alpha", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		_, _, err = e.AddMessage(ctx, to.ID, "alpha", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	rec := &recorder{}
	e.Subscribe(rec.listen)

	_, err = e.MergeSessions(ctx, from.ID, to.ID, "beta")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, rec.types())

	moved, err := e.MergeSessions(ctx, from.ID, to.ID, "alpha")
	require.NoError(t, err)
	require.Equal(t, 3, moved)
	require.Equal(t, []EventType{EventSessionRemoved, EventSessionUpdated}, rec.types())
	require.Equal(t, from.ID, rec.events[0].SessionID)
	require.Equal(t, to.ID, rec.events[1].SessionID)

	_, err = e.GetSession(ctx, from.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	merged, err := e.GetSession(ctx, to.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), merged.Seq)

	msgs, err := e.GetMessages(ctx, to.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
}

func TestResolveSessionAccess(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	tests := []struct {
		name      string
		id        string
		namespace string
		want      AccessResult
	}{
		{name: "ok", id: s.ID, namespace: "alpha", want: AccessResult{OK: true}},
		{name: "missing namespace", id: s.ID, namespace: "", want: AccessResult{Reason: AccessNamespaceMissing}},
		{name: "other namespace", id: s.ID, namespace: "beta", want: AccessResult{Reason: AccessDenied}},
		{name: "unknown session", id: "nope", namespace: "alpha", want: AccessResult{Reason: AccessNotFound}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.ResolveSessionAccess(ctx, tc.id, tc.namespace)
			require.NoError(t, err)
			require.Equal(t, tc.want.OK, got.OK)
			require.Equal(t, tc.want.Reason, got.Reason)
			if got.OK {
				require.Equal(t, s.ID, got.Session.ID)
			}
		})
	}
}

func TestUpdateSessionAgentState_EventsOnlyOnSuccess(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	state := &store.AgentState{Requests: map[string]store.AgentRequest{"r1": {Tool: "Bash"}}}
	res, err := e.UpdateSessionAgentState(ctx, s.ID, state, 0, "alpha")
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = e.UpdateSessionAgentState(ctx, s.ID, state, 0, "alpha")
	require.NoError(t, err)
	require.Equal(t, store.ReasonVersionMismatch, res.Reason)

	require.Equal(t, []EventType{EventSessionUpdated}, rec.types())

	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, got.PendingRequestIDs())
}

func TestUpdateSessionAgentStateWith_AppliesFn(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	addRequest := func(id string) func(*store.AgentState) (*store.AgentState, error) {
		return func(state *store.AgentState) (*store.AgentState, error) {
			if state == nil {
				state = &store.AgentState{}
			}
			if state.Requests == nil {
				state.Requests = map[string]store.AgentRequest{}
			}
			state.Requests[id] = store.AgentRequest{Tool: "Edit"}
			return state, nil
		}
	}

	_, err = e.UpdateSessionAgentStateWith(ctx, s.ID, "alpha", addRequest("r1"))
	require.NoError(t, err)
	got, err := e.UpdateSessionAgentStateWith(ctx, s.ID, "alpha", addRequest("r2"))
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, got.PendingRequestIDs())
	require.Equal(t, int64(2), got.AgentStateVersion)
}

// staleStore rejects every agent-state write as stale.
type staleStore struct {
	store.Store
	attempts int
}

func (s *staleStore) UpdateSessionAgentState(ctx context.Context, id string, state *store.AgentState, expected int64, namespace string) (store.UpdateResult[*store.AgentState], error) {
	s.attempts++
	return store.UpdateResult[*store.AgentState]{
		Version: expected + 1,
		Reason:  store.ReasonVersionMismatch,
	}, nil
}

func TestUpdateSessionAgentStateWith_GivesUpWhenStale(t *testing.T) {
	_, st := newTestEngine(t)
	ctx := context.Background()

	stale := &staleStore{Store: st}
	e := New(stale)
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	_, err = e.UpdateSessionAgentStateWith(ctx, s.ID, "alpha", func(state *store.AgentState) (*store.AgentState, error) {
		return &store.AgentState{}, nil
	})
	require.ErrorIs(t, err, ErrStaleWrite)
	require.Equal(t, maxStaleRetries, stale.attempts)
}

func TestSessionAliveAndEnd(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	s, _, err := e.GetOrCreateSession(ctx, "t1", nil, nil, "alpha")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	alive, err := e.SessionAlive(ctx, s.ID, "alpha", true)
	require.NoError(t, err)
	require.True(t, alive.Active)
	require.True(t, alive.Thinking)

	cached, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, cached.Active)

	ended, err := e.SessionEnd(ctx, s.ID, "alpha")
	require.NoError(t, err)
	require.False(t, ended.Active)

	require.Equal(t, []EventType{EventSessionUpdated, EventSessionUpdated}, rec.types())

	_, err = e.SessionAlive(ctx, s.ID, "beta", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMachines(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	rec := &recorder{}
	e.Subscribe(rec.listen)

	m, created, err := e.GetOrCreateMachine(ctx, "m1", json.RawMessage(`{"host":"box"}`), nil, "alpha")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), m.MetadataVersion)

	_, _, err = e.GetOrCreateMachine(ctx, "m1", nil, nil, "beta")
	require.ErrorIs(t, err, store.ErrNamespaceConflict)

	res, err := e.UpdateMachineDaemonState(ctx, "m1", json.RawMessage(`{"pid":1}`), 0, "alpha")
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = e.MachineAlive(ctx, "m1", "alpha")
	require.NoError(t, err)

	got, err := e.GetMachine(ctx, "m1")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, int64(1), got.DaemonStateVersion)

	require.Equal(t, []EventType{EventMachineUpdated, EventMachineUpdated, EventMachineUpdated}, rec.types())

	sess, _, err := e.GetOrCreateSession(ctx, "t", json.RawMessage(`{"machineId":"m1"}`), nil, "alpha")
	require.NoError(t, err)
	rec.reset()

	removed, err := e.DeleteMachine(ctx, "m1", "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, removed)
	require.Equal(t, []EventType{EventSessionRemoved, EventMachineUpdated}, rec.types())

	_, err = e.GetMachine(ctx, "m1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurgeNamespace(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, _, err := e.GetOrCreateSession(ctx, "a", nil, nil, "alpha")
	require.NoError(t, err)
	b, _, err := e.GetOrCreateSession(ctx, "b", nil, nil, "beta")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	removed, err := e.PurgeNamespace(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, removed)
	require.Equal(t, []EventType{EventSessionRemoved}, rec.types())

	list, err := e.GetSessionsByNamespace(ctx, "beta")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)
}

// gate parks the first call that takes it until release is closed.
type gate struct {
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gate) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gate) wait() {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	entered, release := g.entered, g.release
	g.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
}

// gatedStore parks one GetSession or GetOrCreateSession call after the
// underlying store has answered.
type gatedStore struct {
	store.Store
	reads   gate
	creates gate
}

func (s *gatedStore) GetSession(ctx context.Context, id string) (store.Session, error) {
	sess, err := s.Store.GetSession(ctx, id)
	s.reads.wait()
	return sess, err
}

func (s *gatedStore) GetOrCreateSession(ctx context.Context, tag string, metadata json.RawMessage, agentState *store.AgentState, namespace string) (store.Session, bool, error) {
	sess, created, err := s.Store.GetOrCreateSession(ctx, tag, metadata, agentState, namespace)
	s.creates.wait()
	return sess, created, err
}

func requireBlocked(t *testing.T, done <-chan error, what string) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("%s finished early: %v", what, err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteMachine_WaitsForSessionMutation(t *testing.T) {
	_, st := newTestEngine(t)
	gs := &gatedStore{Store: st}
	e := New(gs)
	ctx := context.Background()

	_, _, err := e.GetOrCreateMachine(ctx, "m1", nil, nil, "alpha")
	require.NoError(t, err)
	s, _, err := e.GetOrCreateSession(ctx, "t", json.RawMessage(`{"machineId":"m1"}`), nil, "alpha")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	// The metadata update parks between its write and its cache refresh.
	gs.reads.arm()
	updated := make(chan error, 1)
	go func() {
		_, err := e.UpdateSessionMetadata(ctx, s.ID, json.RawMessage(`{"machineId":"m1","name":"x"}`), s.MetadataVersion, "alpha")
		updated <- err
	}()
	<-gs.reads.entered

	deleted := make(chan error, 1)
	go func() {
		_, err := e.DeleteMachine(ctx, "m1", "alpha")
		deleted <- err
	}()
	requireBlocked(t, deleted, "DeleteMachine")

	close(gs.reads.release)
	require.NoError(t, <-updated)
	require.NoError(t, <-deleted)

	require.Equal(t, []EventType{EventSessionUpdated, EventSessionRemoved, EventMachineUpdated}, rec.types())
	_, err = e.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	access, err := e.ResolveSessionAccess(ctx, s.ID, "alpha")
	require.NoError(t, err)
	require.Equal(t, AccessNotFound, access.Reason)
}

func TestPurgeNamespace_WaitsForSessionMutation(t *testing.T) {
	_, st := newTestEngine(t)
	gs := &gatedStore{Store: st}
	e := New(gs)
	ctx := context.Background()

	s, _, err := e.GetOrCreateSession(ctx, "t", nil, nil, "alpha")
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	gs.reads.arm()
	updated := make(chan error, 1)
	go func() {
		_, err := e.UpdateSessionMetadata(ctx, s.ID, json.RawMessage(`{"name":"x"}`), s.MetadataVersion, "alpha")
		updated <- err
	}()
	<-gs.reads.entered

	purged := make(chan error, 1)
	go func() {
		_, err := e.PurgeNamespace(ctx, "alpha")
		purged <- err
	}()
	requireBlocked(t, purged, "PurgeNamespace")

	close(gs.reads.release)
	require.NoError(t, <-updated)
	require.NoError(t, <-purged)

	require.Equal(t, []EventType{EventSessionUpdated, EventSessionRemoved}, rec.types())
	_, err = e.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetSession_ReadRacingDeleteIsNotCached(t *testing.T) {
	_, st := newTestEngine(t)
	gs := &gatedStore{Store: st}
	e := New(gs)
	ctx := context.Background()

	s, _, err := st.GetOrCreateSession(ctx, "t", nil, nil, "alpha")
	require.NoError(t, err)

	gs.reads.arm()
	read := make(chan error, 1)
	go func() {
		_, err := e.GetSession(ctx, s.ID)
		read <- err
	}()
	<-gs.reads.entered

	require.NoError(t, e.DeleteSession(ctx, s.ID, "alpha"))
	close(gs.reads.release)
	require.NoError(t, <-read)

	_, err = e.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetOrCreateSession_AddedIsFirstEvent(t *testing.T) {
	_, st := newTestEngine(t)
	gs := &gatedStore{Store: st}
	e := New(gs)
	ctx := context.Background()

	rec := &recorder{}
	e.Subscribe(rec.listen)

	// The creator parks after the row exists but before it announces it.
	gs.creates.arm()
	type result struct {
		created bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		_, created, err := e.GetOrCreateSession(ctx, "t", nil, nil, "alpha")
		first <- result{created, err}
	}()
	<-gs.creates.entered

	second := make(chan error, 1)
	go func() {
		_, _, err := e.GetOrCreateSession(ctx, "t", nil, nil, "alpha")
		second <- err
	}()
	requireBlocked(t, second, "concurrent GetOrCreateSession")

	close(gs.creates.release)
	r := <-first
	require.NoError(t, r.err)
	require.True(t, r.created)
	require.NoError(t, <-second)

	require.Equal(t, []EventType{EventSessionAdded, EventSessionUpdated}, rec.types())
	require.Zero(t, e.tagLocks.size())
}

func TestKeyedLocks_DropIdleEntries(t *testing.T) {
	k := newKeyedLocks()

	unlock := k.lock("b", "a", "b")
	require.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		u := k.lock("a")
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("lock on a held key was granted")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
