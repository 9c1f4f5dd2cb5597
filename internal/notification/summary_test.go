package notification

import (
	"encoding/json"
	"testing"

	"github.com/bhandras/delight/hub/internal/store"
	"github.com/stretchr/testify/require"
)

func TestBuildSummary_Names(t *testing.T) {
	tests := []struct {
		name      string
		metadata  string
		wantAgent string
		wantName  string
	}{
		{name: "explicit name", metadata: `{"flavor":"claude","name":"Refactor","path":"/src/app"}`, wantAgent: "Claude", wantName: "Refactor"},
		{name: "summary text", metadata: `{"flavor":"Codex","summary":{"text":"Fix tests"},"path":"/src/app"}`, wantAgent: "Codex", wantName: "Fix tests"},
		{name: "path base", metadata: `{"flavor":"gemini","path":"/src/app/"}`, wantAgent: "Gemini", wantName: "app"},
		{name: "short id", metadata: `{"flavor":"other"}`, wantAgent: "Agent", wantName: "0123abcd"},
		{name: "malformed metadata", metadata: `{"flavor":12}`, wantAgent: "Agent", wantName: "0123abcd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sum := BuildSummary(store.Session{
				ID:       "0123abcdef",
				Metadata: json.RawMessage(tc.metadata),
			})
			require.Equal(t, tc.wantAgent, sum.Agent)
			require.Equal(t, tc.wantName, sum.SessionName)
		})
	}
}

func TestBuildSummary_RepresentativeRequest(t *testing.T) {
	sum := BuildSummary(store.Session{
		ID:       "s1",
		Metadata: json.RawMessage(`{"host":"box","path":"/w"}`),
		AgentState: &store.AgentState{Requests: map[string]store.AgentRequest{
			"old":  {Tool: "Read", CreatedAt: 10},
			"newA": {Tool: "Edit", CreatedAt: 20},
			"newB": {Tool: "Bash", CreatedAt: 20},
		}},
	})
	require.Equal(t, "newB", sum.RequestID)
	require.Equal(t, "Bash", sum.Tool)
	require.Equal(t, "box", sum.Host)
	require.Equal(t, "s1 wants to use Bash in /w on box.", sum.PermissionBody())
	require.Equal(t, "Agent needs permission", sum.PermissionTitle())
}

func TestBuildSummary_Defaults(t *testing.T) {
	sum := BuildSummary(store.Session{ID: "s1"})
	require.Equal(t, "unknown-host", sum.Host)
	require.Equal(t, "unknown-path", sum.Path)
	require.Empty(t, sum.Tool)
	require.Equal(t, "s1 needs attention in unknown-path on unknown-host.", sum.PermissionBody())
	require.Equal(t, "s1 is waiting for input in unknown-path on unknown-host.", sum.ReadyBody())
}
