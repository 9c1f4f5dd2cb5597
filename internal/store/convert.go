package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bhandras/delight/hub/internal/models"
)

func sessionFromRow(row models.Session) (Session, error) {
	s := Session{
		ID:                row.ID,
		Namespace:         row.Namespace,
		Tag:               row.Tag.String,
		Seq:               row.Seq,
		Active:            row.Active != 0,
		ActiveAt:          row.ActiveAt,
		Metadata:          rawFromText(row.Metadata),
		MetadataVersion:   row.MetadataVersion,
		AgentStateVersion: row.AgentStateVersion,
		Thinking:          row.Thinking != 0,
		ThinkingAt:        row.ThinkingAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if row.AgentState.Valid {
		state, err := decodeAgentState(row.AgentState.String)
		if err != nil {
			return Session{}, fmt.Errorf("session %s: %w", row.ID, err)
		}
		s.AgentState = state
	}
	return s, nil
}

func machineFromRow(row models.Machine) Machine {
	m := Machine{
		ID:                 row.ID,
		Namespace:          row.Namespace,
		Metadata:           rawFromText(row.Metadata),
		MetadataVersion:    row.MetadataVersion,
		DaemonStateVersion: row.DaemonStateVersion,
		Active:             row.Active != 0,
		ActiveAt:           row.ActiveAt,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.DaemonState.Valid {
		m.DaemonState = rawFromText(row.DaemonState.String)
	}
	return m
}

func messageFromRow(row models.Message) Message {
	m := Message{
		ID:        row.ID,
		SessionID: row.SessionID,
		Seq:       row.Seq,
		Content:   json.RawMessage(row.Content),
		CreatedAt: row.CreatedAt,
	}
	if row.LocalID.Valid {
		v := row.LocalID.String
		m.LocalID = &v
	}
	return m
}

func messagesFromRows(rows []models.Message) []Message {
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, messageFromRow(row))
	}
	return out
}

func userFromRow(row models.User) User {
	return User{ID: row.ID, Namespace: row.Namespace, Name: row.Name, CreatedAt: row.CreatedAt}
}

func pushSubscriptionFromRow(row models.PushSubscription) PushSubscription {
	return PushSubscription{
		ID:        row.ID,
		Namespace: row.Namespace,
		Endpoint:  row.Endpoint,
		P256dh:    row.P256dh,
		Auth:      row.Auth,
		CreatedAt: row.CreatedAt,
	}
}

// rawFromText maps a stored JSON column to a RawMessage; SQL "null" and the
// empty string both become nil.
func rawFromText(text string) json.RawMessage {
	if text == "" || text == "null" {
		return nil
	}
	return json.RawMessage(text)
}

func textFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func nullTextFromRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func encodeAgentState(state *AgentState) (sql.NullString, error) {
	if state == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode agent state: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeAgentState(text string) (*AgentState, error) {
	if text == "" || text == "null" {
		return nil, nil
	}
	var state AgentState
	if err := json.Unmarshal([]byte(text), &state); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	return &state, nil
}

func validJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	return nil
}
