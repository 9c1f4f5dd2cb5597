package store

import "encoding/json"

// SessionMetadata holds the metadata fields the hub understands. Clients may
// store anything else alongside them.
type SessionMetadata struct {
	Path      string `json:"path,omitempty"`
	Host      string `json:"host,omitempty"`
	Name      string `json:"name,omitempty"`
	Flavor    string `json:"flavor,omitempty"`
	MachineID string `json:"machineId,omitempty"`
	Summary   *struct {
		Text      string `json:"text,omitempty"`
		UpdatedAt int64  `json:"updatedAt,omitempty"`
	} `json:"summary,omitempty"`
}

// ParseMetadata decodes the known fields of raw. Malformed or mistyped
// metadata yields the zero value.
func ParseMetadata(raw json.RawMessage) SessionMetadata {
	var meta SessionMetadata
	if len(raw) == 0 {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return SessionMetadata{}
	}
	return meta
}

// SummaryText returns the summary text, if any.
func (m SessionMetadata) SummaryText() string {
	if m.Summary == nil {
		return ""
	}
	return m.Summary.Text
}
