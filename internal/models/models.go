package models

import "database/sql"

type Session struct {
	ID                string
	Namespace         string
	Tag               sql.NullString
	Seq               int64
	Active            int64
	ActiveAt          int64
	Metadata          string
	MetadataVersion   int64
	AgentState        sql.NullString
	AgentStateVersion int64
	Thinking          int64
	ThinkingAt        int64
	CreatedAt         int64
	UpdatedAt         int64
}

type Machine struct {
	ID                 string
	Namespace          string
	Metadata           string
	MetadataVersion    int64
	DaemonState        sql.NullString
	DaemonStateVersion int64
	Active             int64
	ActiveAt           int64
	CreatedAt          int64
	UpdatedAt          int64
}

type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Content   string
	LocalID   sql.NullString
	CreatedAt int64
}

type User struct {
	ID        string
	Namespace string
	Name      string
	CreatedAt int64
}

type PushSubscription struct {
	ID        string
	Namespace string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt int64
}
