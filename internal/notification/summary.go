package notification

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bhandras/delight/hub/internal/store"
)

const shortIDLen = 8

// Summary is the human-readable context of a notification.
type Summary struct {
	// Agent is the display name of the agent flavor (e.g. "Claude").
	Agent string
	// SessionName is the best available label for the session.
	SessionName string
	Host        string
	Path        string

	// RequestID and Tool identify the representative pending permission
	// request, if any.
	RequestID string
	Tool      string
}

// BuildSummary derives a Summary from a session's metadata and agent state.
func BuildSummary(s store.Session) Summary {
	meta := store.ParseMetadata(s.Metadata)

	sum := Summary{
		Agent:       agentName(meta.Flavor),
		SessionName: sessionName(s.ID, meta),
		Host:        strings.TrimSpace(meta.Host),
		Path:        strings.TrimSpace(meta.Path),
	}
	if sum.Host == "" {
		sum.Host = "unknown-host"
	}
	if sum.Path == "" {
		sum.Path = "unknown-path"
	}
	if id, req, ok := representativeRequest(s.AgentState); ok {
		sum.RequestID = id
		sum.Tool = strings.TrimSpace(req.Tool)
	}
	return sum
}

func agentName(flavor string) string {
	switch strings.ToLower(strings.TrimSpace(flavor)) {
	case "claude":
		return "Claude"
	case "codex":
		return "Codex"
	case "gemini":
		return "Gemini"
	default:
		return "Agent"
	}
}

func sessionName(id string, meta store.SessionMetadata) string {
	if name := strings.TrimSpace(meta.Name); name != "" {
		return name
	}
	if text := strings.TrimSpace(meta.SummaryText()); text != "" {
		return text
	}
	if p := strings.TrimRight(strings.TrimSpace(meta.Path), "/"); p != "" {
		return path.Base(p)
	}
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// representativeRequest picks the most recently created pending request;
// ties go to the greatest id so the choice is stable.
func representativeRequest(state *store.AgentState) (string, store.AgentRequest, bool) {
	if state == nil || len(state.Requests) == 0 {
		return "", store.AgentRequest{}, false
	}
	ids := make([]string, 0, len(state.Requests))
	for id := range state.Requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := state.Requests[ids[i]], state.Requests[ids[j]]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return ids[i] > ids[j]
	})
	return ids[0], state.Requests[ids[0]], true
}

// PermissionTitle is the title of a permission-request notification.
func (s Summary) PermissionTitle() string {
	return fmt.Sprintf("%s needs permission", s.Agent)
}

// PermissionBody is the body of a permission-request notification.
func (s Summary) PermissionBody() string {
	if s.Tool != "" {
		return fmt.Sprintf("%s wants to use %s in %s on %s.", s.SessionName, s.Tool, s.Path, s.Host)
	}
	return fmt.Sprintf("%s needs attention in %s on %s.", s.SessionName, s.Path, s.Host)
}

// ReadyTitle is the title of a ready notification.
func (s Summary) ReadyTitle() string {
	return fmt.Sprintf("%s is ready", s.Agent)
}

// ReadyBody is the body of a ready notification.
func (s Summary) ReadyBody() string {
	return fmt.Sprintf("%s is waiting for input in %s on %s.", s.SessionName, s.Path, s.Host)
}
