package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/delight/hub/internal/store"
	"github.com/stretchr/testify/require"
)

type pushoverServer struct {
	mu     sync.Mutex
	forms  []url.Values
	status int
}

func (s *pushoverServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pushoverContentType, r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.forms = append(s.forms, r.PostForm)
		status := s.status
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"status":0,"errors":["user key is invalid"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":1}`))
	}
}

func (s *pushoverServer) form(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[i]
}

func (s *pushoverServer) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *pushoverServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forms)
}

func newPushoverFixture(t *testing.T, cooldown time.Duration) (*PushoverChannel, *pushoverServer) {
	t.Helper()
	srv := &pushoverServer{}
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	ch, err := NewPushoverChannel(PushoverConfig{
		Token:    "app-token",
		UserKey:  "user-key",
		Priority: 1,
		Cooldown: cooldown,
		Endpoint: ts.URL,
	})
	require.NoError(t, err)
	return ch, srv
}

func activeSession() store.Session {
	return store.Session{
		ID:        "sess-1",
		Namespace: "alpha",
		Active:    true,
		Metadata:  json.RawMessage(`{"flavor":"claude","name":"Refactor","host":"box","path":"/src"}`),
		AgentState: &store.AgentState{Requests: map[string]store.AgentRequest{
			"req1": {Tool: "Bash", CreatedAt: 1},
		}},
	}
}

func TestNewPushoverChannel_Validates(t *testing.T) {
	_, err := NewPushoverChannel(PushoverConfig{UserKey: "u"})
	require.Error(t, err)
	_, err = NewPushoverChannel(PushoverConfig{Token: "t"})
	require.Error(t, err)
	_, err = NewPushoverChannel(PushoverConfig{Token: "t", UserKey: "u", Cooldown: -time.Second})
	require.Error(t, err)
}

func TestPushoverChannel_SendPermissionRequest(t *testing.T) {
	ch, srv := newPushoverFixture(t, 0)

	require.NoError(t, ch.SendPermissionRequest(context.Background(), activeSession()))
	require.Equal(t, 1, srv.count())

	form := srv.form(0)
	require.Equal(t, "app-token", form.Get("token"))
	require.Equal(t, "user-key", form.Get("user"))
	require.Equal(t, "1", form.Get("priority"))
	require.Equal(t, "Delight: Claude needs permission", form.Get("title"))
	require.Equal(t, "Refactor wants to use Bash in /src on box.", form.Get("message"))
}

func TestPushoverChannel_InactiveIsNoop(t *testing.T) {
	ch, srv := newPushoverFixture(t, 0)

	s := activeSession()
	s.Active = false
	require.NoError(t, ch.SendPermissionRequest(context.Background(), s))
	require.NoError(t, ch.SendReady(context.Background(), s))
	require.Zero(t, srv.count())
}

func TestPushoverChannel_CooldownPerAlertKey(t *testing.T) {
	ch, srv := newPushoverFixture(t, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	ch.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, ch.SendReady(ctx, activeSession()))
	require.NoError(t, ch.SendReady(ctx, activeSession()))
	require.Equal(t, 1, srv.count())

	// A different alert key is not affected.
	require.NoError(t, ch.SendPermissionRequest(ctx, activeSession()))
	require.Equal(t, 2, srv.count())

	now = now.Add(time.Minute)
	require.NoError(t, ch.SendReady(ctx, activeSession()))
	require.Equal(t, 3, srv.count())
}

func TestPushoverChannel_ErrorIsRecorded(t *testing.T) {
	ch, srv := newPushoverFixture(t, time.Minute)
	srv.setStatus(http.StatusBadRequest)

	err := ch.SendReady(context.Background(), activeSession())
	require.Error(t, err)
	require.Contains(t, err.Error(), "user key is invalid")
	require.Equal(t, err, ch.LastError())

	// Failed sends do not start the cooldown.
	srv.setStatus(0)
	require.NoError(t, ch.SendReady(context.Background(), activeSession()))
	require.NoError(t, ch.LastError())
	require.Equal(t, 2, srv.count())
}

func TestPushoverChannel_StatusZeroIsAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":0,"errors":["application token is invalid","user is disabled"]}`))
	}))
	defer ts.Close()

	ch, err := NewPushoverChannel(PushoverConfig{Token: "t", UserKey: "u", Endpoint: ts.URL})
	require.NoError(t, err)

	err = ch.SendReady(context.Background(), activeSession())
	require.ErrorContains(t, err, "application token is invalid; user is disabled")
}
