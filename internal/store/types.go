package store

import (
	"encoding/json"
	"sort"
)

// Session is one coding-agent conversation.
type Session struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               string          `json:"tag,omitempty"`
	Seq               int64           `json:"seq"`
	Active            bool            `json:"active"`
	ActiveAt          int64           `json:"activeAt"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        *AgentState     `json:"agentState"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Thinking          bool            `json:"thinking"`
	ThinkingAt        int64           `json:"thinkingAt"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         int64           `json:"updatedAt"`
}

// PendingRequestIDs returns the ids of the session's pending permission
// requests in sorted order.
func (s Session) PendingRequestIDs() []string {
	if s.AgentState == nil || len(s.AgentState.Requests) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.AgentState.Requests))
	for id := range s.AgentState.Requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentState is the structured state an agent publishes for its session.
type AgentState struct {
	// ControlledByUser reports whether the desktop currently controls the
	// session's agent loop.
	ControlledByUser bool `json:"controlledByUser"`

	// Requests holds permission prompts awaiting a user decision, keyed by
	// request id.
	Requests map[string]AgentRequest `json:"requests,omitempty"`

	// CompletedRequests contains a best-effort history of resolved
	// permission requests keyed by request id.
	CompletedRequests map[string]CompletedRequest `json:"completedRequests,omitempty"`
}

// AgentRequest is a pending permission request.
type AgentRequest struct {
	// Tool is the tool being requested (e.g. "Bash").
	Tool string `json:"tool"`
	// Arguments is the tool input as sent by the agent.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// CreatedAt is the wall-clock timestamp (ms since epoch) when the
	// request was first observed.
	CreatedAt int64 `json:"createdAt"`
}

// CompletedRequest is a resolved permission request.
type CompletedRequest struct {
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	CompletedAt int64           `json:"completedAt"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
}

// Machine is a host running one or more CLI agent processes.
type Machine struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataVersion    int64           `json:"metadataVersion"`
	DaemonState        json.RawMessage `json:"daemonState"`
	DaemonStateVersion int64           `json:"daemonStateVersion"`
	Active             bool            `json:"active"`
	ActiveAt           int64           `json:"activeAt"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
}

// Message is one immutable conversation turn.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Content   json.RawMessage `json:"content"`
	LocalID   *string         `json:"localId,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// User is a namespaced account record.
type User struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// PushSubscription is a push endpoint registered by a client of a namespace.
type PushSubscription struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"`
}

// UpdateFailure names why a compare-and-swap update was rejected.
type UpdateFailure string

const (
	// ReasonVersionMismatch means the caller's expected version is stale.
	ReasonVersionMismatch UpdateFailure = "version-mismatch"
	// ReasonNotFound means the entity does not exist in the namespace.
	ReasonNotFound UpdateFailure = "not-found"
)

// UpdateResult is the outcome of a compare-and-swap update. On success
// Version and Value are the new stored values; on a version mismatch they
// are the current stored values so the caller can retry.
type UpdateResult[T any] struct {
	OK      bool          `json:"ok"`
	Version int64         `json:"version"`
	Value   T             `json:"value"`
	Reason  UpdateFailure `json:"reason,omitempty"`
}
