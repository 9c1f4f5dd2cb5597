package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/bhandras/delight/hub/internal/crypto"
	"github.com/bhandras/delight/hub/internal/database"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	t      *testing.T
	router *gin.Engine
	engine *syncengine.Engine
	jwt    *crypto.JWTManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewSQLStore(db.DB)
	engine := syncengine.New(st)
	jwt, err := crypto.NewJWTManager("secret")
	require.NoError(t, err)

	f := &apiFixture{t: t, engine: engine, jwt: jwt}
	f.router = NewRouter(Deps{Engine: engine, Store: st, Verifier: jwt})
	return f
}

// do performs a request as subject "user-1" of namespace ns and decodes
// the JSON response into out when it is non-nil.
func (f *apiFixture) do(ns, method, path string, body any, out any) int {
	f.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if ns != "" {
		token, err := f.jwt.CreateToken("user-1", ns, 0)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if out != nil {
		require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

type sessionBody struct {
	Session store.Session `json:"session"`
	Created bool          `json:"created"`
}

func (f *apiFixture) createSession(ns, tag string) store.Session {
	f.t.Helper()
	var out sessionBody
	code := f.do(ns, http.MethodPost, "/v1/sessions", map[string]any{
		"tag":      tag,
		"metadata": map[string]any{"path": "/src", "flavor": "claude"},
	}, &out)
	require.Contains(f.t, []int{http.StatusOK, http.StatusCreated}, code)
	return out.Session
}

func TestRouter_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusUnauthorized, f.do("", http.MethodGet, "/v1/sessions", nil, nil))
}

func TestSessions_CreateIsFindOrCreate(t *testing.T) {
	f := newAPIFixture(t)

	var first, second sessionBody
	require.Equal(t, http.StatusCreated, f.do("alpha", http.MethodPost, "/v1/sessions",
		map[string]any{"tag": "t1", "metadata": map[string]any{"path": "/a"}}, &first))
	require.True(t, first.Created)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/sessions",
		map[string]any{"tag": "t1"}, &second))
	require.False(t, second.Created)
	require.Equal(t, first.Session.ID, second.Session.ID)

	var list struct {
		Sessions []store.Session `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, "/v1/sessions", nil, &list))
	require.Len(t, list.Sessions, 1)

	require.Equal(t, http.StatusOK, f.do("beta", http.MethodGet, "/v1/sessions", nil, &list))
	require.Empty(t, list.Sessions)
}

func TestSessions_AccessMapping(t *testing.T) {
	f := newAPIFixture(t)
	s := f.createSession("alpha", "t1")

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, "/v1/sessions/"+s.ID, nil, nil))
	require.Equal(t, http.StatusForbidden, f.do("beta", http.MethodGet, "/v1/sessions/"+s.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodGet, "/v1/sessions/missing", nil, nil))
	require.Equal(t, http.StatusForbidden, f.do("beta", http.MethodPost, "/v1/sessions/"+s.ID+"/messages",
		map[string]any{"content": map[string]any{"role": "user"}}, nil))
}

func TestSessions_Messages(t *testing.T) {
	f := newAPIFixture(t)
	s := f.createSession("alpha", "t1")
	path := "/v1/sessions/" + s.ID + "/messages"

	var msg struct {
		Message store.Message `json:"message"`
	}
	body := map[string]any{"content": map[string]any{"role": "user", "text": "hi"}, "localId": "l1"}
	require.Equal(t, http.StatusCreated, f.do("alpha", http.MethodPost, path, body, &msg))
	require.Equal(t, int64(1), msg.Message.Seq)

	// Replays return the original message.
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, path, body, &msg))
	require.Equal(t, int64(1), msg.Message.Seq)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, f.do("alpha", http.MethodPost, path,
			map[string]any{"content": map[string]any{"n": i}}, nil))
	}

	var page struct {
		Messages []store.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, path+"?limit=2", nil, &page))
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(3), page.Messages[0].Seq)
	require.Equal(t, int64(4), page.Messages[1].Seq)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, path+"?before=3", nil, &page))
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(1), page.Messages[0].Seq)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, path+"/after?seq=2", nil, &page))
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(3), page.Messages[0].Seq)

	require.Equal(t, http.StatusBadRequest, f.do("alpha", http.MethodGet, path+"?before=x", nil, nil))
}

func TestSessions_AgentStateCAS(t *testing.T) {
	f := newAPIFixture(t)
	s := f.createSession("alpha", "t1")
	path := "/v1/sessions/" + s.ID + "/state"

	state := map[string]any{"requests": map[string]any{"r1": map[string]any{"tool": "Bash", "createdAt": 1}}}

	var res struct {
		Result  string            `json:"result"`
		Version int64             `json:"version"`
		Value   *store.AgentState `json:"value"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, path,
		map[string]any{"agentState": state, "expectedVersion": s.AgentStateVersion}, &res))
	require.Equal(t, "success", res.Result)
	require.Equal(t, s.AgentStateVersion+1, res.Version)

	require.Equal(t, http.StatusConflict, f.do("alpha", http.MethodPost, path,
		map[string]any{"agentState": nil, "expectedVersion": s.AgentStateVersion}, &res))
	require.Equal(t, "version-mismatch", res.Result)
	require.Equal(t, s.AgentStateVersion+1, res.Version)
	require.Contains(t, res.Value.Requests, "r1")
}

func TestSessions_MetadataAliveEndMerge(t *testing.T) {
	f := newAPIFixture(t)
	a := f.createSession("alpha", "a")
	b := f.createSession("alpha", "b")

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/metadata",
		map[string]any{"metadata": map[string]any{"name": "x"}, "expectedVersion": a.MetadataVersion}, nil))
	require.Equal(t, http.StatusConflict, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/metadata",
		map[string]any{"metadata": map[string]any{"name": "y"}, "expectedVersion": a.MetadataVersion}, nil))

	var out sessionBody
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/alive",
		map[string]any{"thinking": true}, &out))
	require.True(t, out.Session.Active)
	require.True(t, out.Session.Thinking)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/end", nil, &out))
	require.False(t, out.Session.Active)

	require.Equal(t, http.StatusCreated, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/messages",
		map[string]any{"content": map[string]any{"n": 1}}, nil))

	var merged struct {
		Moved int `json:"moved"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/sessions/"+a.ID+"/merge",
		map[string]any{"into": b.ID}, &merged))
	require.Equal(t, 1, merged.Moved)
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodGet, "/v1/sessions/"+a.ID, nil, nil))

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodDelete, "/v1/sessions/"+b.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodGet, "/v1/sessions/"+b.ID, nil, nil))
}

func TestMachines(t *testing.T) {
	f := newAPIFixture(t)

	var out struct {
		Machine store.Machine `json:"machine"`
	}
	require.Equal(t, http.StatusCreated, f.do("alpha", http.MethodPost, "/v1/machines",
		map[string]any{"id": "m1", "metadata": map[string]any{"host": "box"}}, &out))
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/machines",
		map[string]any{"id": "m1"}, nil))
	require.Equal(t, http.StatusConflict, f.do("beta", http.MethodPost, "/v1/machines",
		map[string]any{"id": "m1"}, nil))
	require.Equal(t, http.StatusNotFound, f.do("beta", http.MethodGet, "/v1/machines/m1", nil, nil))

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/machines/m1/state",
		map[string]any{"daemonState": map[string]any{"pid": 1}, "expectedVersion": out.Machine.DaemonStateVersion}, nil))
	require.Equal(t, http.StatusConflict, f.do("alpha", http.MethodPost, "/v1/machines/m1/state",
		map[string]any{"daemonState": map[string]any{"pid": 2}, "expectedVersion": out.Machine.DaemonStateVersion}, nil))
	// Metadata is versioned independently of the daemon state.
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/machines/m1/metadata",
		map[string]any{"metadata": map[string]any{"host": "box2"}, "expectedVersion": out.Machine.MetadataVersion}, nil))

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/machines/m1/alive", nil, &out))
	require.True(t, out.Machine.Active)

	var list struct {
		Machines []store.Machine `json:"machines"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, "/v1/machines", nil, &list))
	require.Len(t, list.Machines, 1)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodDelete, "/v1/machines/m1", nil, nil))
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodGet, "/v1/machines/m1", nil, nil))
}

func TestUsersAndPushSubscriptions(t *testing.T) {
	f := newAPIFixture(t)

	var me struct {
		User store.User `json:"user"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, "/v1/me?name=Ada", nil, &me))
	require.Equal(t, "user-1", me.User.ID)
	require.Equal(t, "Ada", me.User.Name)
	require.Equal(t, http.StatusConflict, f.do("beta", http.MethodGet, "/v1/me", nil, nil))

	sub := map[string]any{"endpoint": "https://push.example/1", "keys": map[string]any{"p256dh": "k", "auth": "a"}}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/push-subscriptions", sub, nil))
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodPost, "/v1/push-subscriptions", sub, nil))

	var subs struct {
		Subscriptions []store.PushSubscription `json:"subscriptions"`
	}
	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodGet, "/v1/push-subscriptions", nil, &subs))
	require.Len(t, subs.Subscriptions, 1)
	require.Equal(t, "k", subs.Subscriptions[0].P256dh)

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodDelete, "/v1/push-subscriptions",
		map[string]any{"endpoint": "https://push.example/1"}, nil))
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodDelete, "/v1/push-subscriptions",
		map[string]any{"endpoint": "https://push.example/1"}, nil))

	require.Equal(t, http.StatusOK, f.do("alpha", http.MethodDelete, "/v1/users/user-1", nil, nil))
	require.Equal(t, http.StatusNotFound, f.do("alpha", http.MethodDelete, "/v1/users/user-1", nil, nil))
}
