package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/delight/hub/internal/models"
	"github.com/bhandras/delight/hub/pkg/types"
)

// SQLStore implements Store on top of the SQLite query layer.
//
// The database is opened with a single connection, so every statement
// issued while a transaction is open must go through that transaction's
// Queries.
type SQLStore struct {
	db      *sql.DB
	queries *models.Queries
	now     func() time.Time
	newID   func() string
}

// Option customizes a SQLStore.
type Option func(*SQLStore)

// WithNow overrides the wall clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the entity id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *SQLStore) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewSQLStore returns a store backed by db.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:      db,
		queries: models.New(db),
		now:     time.Now,
		newID:   types.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) nowMs() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(q *models.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(s.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func initialVersion(present bool) int64 {
	if present {
		return 1
	}
	return 0
}

// --- Sessions ---

func (s *SQLStore) GetOrCreateSession(ctx context.Context, tag string, metadata json.RawMessage, agentState *AgentState, namespace string) (Session, bool, error) {
	if strings.TrimSpace(namespace) == "" {
		return Session{}, false, fmt.Errorf("%w: namespace is required", ErrInvalidArgument)
	}
	if err := validJSON(metadata); err != nil {
		return Session{}, false, err
	}
	stateText, err := encodeAgentState(agentState)
	if err != nil {
		return Session{}, false, err
	}

	var (
		row     models.Session
		created bool
	)
	err = s.withTx(ctx, func(q *models.Queries) error {
		if tag != "" {
			existing, err := q.GetSessionByTag(ctx, models.GetSessionByTagParams{
				Namespace: namespace,
				Tag:       tag,
			})
			if err == nil {
				row = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup session by tag: %w", err)
			}
		}

		id := s.newID()
		hasMetadata := len(metadata) > 0 && string(metadata) != "null"
		if err := q.CreateSession(ctx, models.CreateSessionParams{
			ID:                id,
			Namespace:         namespace,
			Tag:               sql.NullString{String: tag, Valid: tag != ""},
			Metadata:          textFromRaw(metadata),
			MetadataVersion:   initialVersion(hasMetadata),
			AgentState:        stateText,
			AgentStateVersion: initialVersion(stateText.Valid),
			CreatedAt:         s.nowMs(),
		}); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		created = true

		row, err = q.GetSessionByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}

	session, err := sessionFromRow(row)
	if err != nil {
		return Session{}, false, err
	}
	return session, created, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (Session, error) {
	row, err := s.queries.GetSessionByID(ctx, id)
	if err != nil {
		return Session{}, notFound(err, "get session %s", id)
	}
	return sessionFromRow(row)
}

func (s *SQLStore) GetSessionByNamespace(ctx context.Context, id, namespace string) (Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if session.Namespace != namespace {
		return Session{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, namespace string) ([]Session, error) {
	rows, err := s.queries.ListSessionsByNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		session, err := sessionFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SQLStore) UpdateSessionMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error) {
	if err := validJSON(metadata); err != nil {
		return UpdateResult[json.RawMessage]{}, err
	}

	var result UpdateResult[json.RawMessage]
	err := s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetSessionByID(ctx, id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && row.Namespace != namespace) {
			result = UpdateResult[json.RawMessage]{Reason: ReasonNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if row.MetadataVersion != expectedVersion {
			result = UpdateResult[json.RawMessage]{
				Version: row.MetadataVersion,
				Value:   rawFromText(row.Metadata),
				Reason:  ReasonVersionMismatch,
			}
			return nil
		}

		next := expectedVersion + 1
		n, err := q.UpdateSessionMetadata(ctx, models.UpdateSessionMetadataParams{
			Metadata:        textFromRaw(metadata),
			MetadataVersion: next,
			UpdatedAt:       s.nowMs(),
			ID:              id,
			ExpectedVersion: expectedVersion,
		})
		if err != nil {
			return fmt.Errorf("update session metadata: %w", err)
		}
		if n == 0 {
			result = UpdateResult[json.RawMessage]{
				Version: row.MetadataVersion,
				Value:   rawFromText(row.Metadata),
				Reason:  ReasonVersionMismatch,
			}
			return nil
		}
		result = UpdateResult[json.RawMessage]{OK: true, Version: next, Value: rawFromText(textFromRaw(metadata))}
		return nil
	})
	return result, err
}

func (s *SQLStore) UpdateSessionAgentState(ctx context.Context, id string, agentState *AgentState, expectedVersion int64, namespace string) (UpdateResult[*AgentState], error) {
	stateText, err := encodeAgentState(agentState)
	if err != nil {
		return UpdateResult[*AgentState]{}, err
	}

	var result UpdateResult[*AgentState]
	err = s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetSessionByID(ctx, id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && row.Namespace != namespace) {
			result = UpdateResult[*AgentState]{Reason: ReasonNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		mismatch := func() error {
			current, err := decodeAgentState(row.AgentState.String)
			if err != nil {
				return err
			}
			result = UpdateResult[*AgentState]{
				Version: row.AgentStateVersion,
				Value:   current,
				Reason:  ReasonVersionMismatch,
			}
			return nil
		}
		if row.AgentStateVersion != expectedVersion {
			return mismatch()
		}

		next := expectedVersion + 1
		n, err := q.UpdateSessionAgentState(ctx, models.UpdateSessionAgentStateParams{
			AgentState:        stateText,
			AgentStateVersion: next,
			UpdatedAt:         s.nowMs(),
			ID:                id,
			ExpectedVersion:   expectedVersion,
		})
		if err != nil {
			return fmt.Errorf("update session agent state: %w", err)
		}
		if n == 0 {
			return mismatch()
		}
		result = UpdateResult[*AgentState]{OK: true, Version: next, Value: agentState}
		return nil
	})
	return result, err
}

func (s *SQLStore) SetSessionActive(ctx context.Context, id, namespace string, active, thinking bool, atMs int64) (Session, error) {
	var row models.Session
	err := s.withTx(ctx, func(q *models.Queries) error {
		current, err := q.GetSessionByID(ctx, id)
		if err != nil {
			return notFound(err, "set session active %s", id)
		}
		if current.Namespace != namespace {
			return fmt.Errorf("set session active %s: %w", id, ErrNotFound)
		}
		if _, err := q.UpdateSessionActivity(ctx, models.UpdateSessionActivityParams{
			Active:     boolToInt(active),
			ActiveAt:   atMs,
			Thinking:   boolToInt(active && thinking),
			ThinkingAt: atMs,
			UpdatedAt:  s.nowMs(),
			ID:         id,
		}); err != nil {
			return fmt.Errorf("update session activity: %w", err)
		}
		row, err = q.GetSessionByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sessionFromRow(row)
}

func (s *SQLStore) DeleteSession(ctx context.Context, id, namespace string) error {
	return s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetSessionByID(ctx, id)
		if err != nil {
			return notFound(err, "delete session %s", id)
		}
		if row.Namespace != namespace {
			return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
		}
		if _, err := q.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// --- Machines ---

func (s *SQLStore) GetOrCreateMachine(ctx context.Context, id string, metadata, daemonState json.RawMessage, namespace string) (Machine, bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(namespace) == "" {
		return Machine{}, false, fmt.Errorf("%w: machine id and namespace are required", ErrInvalidArgument)
	}
	if err := validJSON(metadata); err != nil {
		return Machine{}, false, err
	}
	if err := validJSON(daemonState); err != nil {
		return Machine{}, false, err
	}

	var (
		row     models.Machine
		created bool
	)
	err := s.withTx(ctx, func(q *models.Queries) error {
		existing, err := q.GetMachineByID(ctx, id)
		if err == nil {
			if existing.Namespace != namespace {
				return fmt.Errorf("machine %s: %w", id, ErrNamespaceConflict)
			}
			row = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup machine: %w", err)
		}

		daemon := nullTextFromRaw(daemonState)
		hasMetadata := len(metadata) > 0 && string(metadata) != "null"
		if err := q.CreateMachine(ctx, models.CreateMachineParams{
			ID:                 id,
			Namespace:          namespace,
			Metadata:           textFromRaw(metadata),
			MetadataVersion:    initialVersion(hasMetadata),
			DaemonState:        daemon,
			DaemonStateVersion: initialVersion(daemon.Valid),
			CreatedAt:          s.nowMs(),
		}); err != nil {
			return fmt.Errorf("create machine: %w", err)
		}
		created = true

		row, err = q.GetMachineByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload machine: %w", err)
		}
		return nil
	})
	if err != nil {
		return Machine{}, false, err
	}
	return machineFromRow(row), created, nil
}

func (s *SQLStore) GetMachine(ctx context.Context, id string) (Machine, error) {
	row, err := s.queries.GetMachineByID(ctx, id)
	if err != nil {
		return Machine{}, notFound(err, "get machine %s", id)
	}
	return machineFromRow(row), nil
}

func (s *SQLStore) GetMachineByNamespace(ctx context.Context, id, namespace string) (Machine, error) {
	machine, err := s.GetMachine(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	if machine.Namespace != namespace {
		return Machine{}, fmt.Errorf("get machine %s: %w", id, ErrNotFound)
	}
	return machine, nil
}

func (s *SQLStore) ListMachines(ctx context.Context, namespace string) ([]Machine, error) {
	rows, err := s.queries.ListMachinesByNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	out := make([]Machine, 0, len(rows))
	for _, row := range rows {
		out = append(out, machineFromRow(row))
	}
	return out, nil
}

func (s *SQLStore) UpdateMachineMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error) {
	if err := validJSON(metadata); err != nil {
		return UpdateResult[json.RawMessage]{}, err
	}

	var result UpdateResult[json.RawMessage]
	err := s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetMachineByID(ctx, id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && row.Namespace != namespace) {
			result = UpdateResult[json.RawMessage]{Reason: ReasonNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load machine: %w", err)
		}
		mismatch := UpdateResult[json.RawMessage]{
			Version: row.MetadataVersion,
			Value:   rawFromText(row.Metadata),
			Reason:  ReasonVersionMismatch,
		}
		if row.MetadataVersion != expectedVersion {
			result = mismatch
			return nil
		}

		next := expectedVersion + 1
		n, err := q.UpdateMachineMetadata(ctx, models.UpdateMachineMetadataParams{
			Metadata:        textFromRaw(metadata),
			MetadataVersion: next,
			UpdatedAt:       s.nowMs(),
			ID:              id,
			ExpectedVersion: expectedVersion,
		})
		if err != nil {
			return fmt.Errorf("update machine metadata: %w", err)
		}
		if n == 0 {
			result = mismatch
			return nil
		}
		result = UpdateResult[json.RawMessage]{OK: true, Version: next, Value: rawFromText(textFromRaw(metadata))}
		return nil
	})
	return result, err
}

func (s *SQLStore) UpdateMachineDaemonState(ctx context.Context, id string, daemonState json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error) {
	if err := validJSON(daemonState); err != nil {
		return UpdateResult[json.RawMessage]{}, err
	}

	var result UpdateResult[json.RawMessage]
	err := s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetMachineByID(ctx, id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && row.Namespace != namespace) {
			result = UpdateResult[json.RawMessage]{Reason: ReasonNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load machine: %w", err)
		}
		mismatch := UpdateResult[json.RawMessage]{
			Version: row.DaemonStateVersion,
			Value:   rawFromText(row.DaemonState.String),
			Reason:  ReasonVersionMismatch,
		}
		if row.DaemonStateVersion != expectedVersion {
			result = mismatch
			return nil
		}

		next := expectedVersion + 1
		daemon := nullTextFromRaw(daemonState)
		n, err := q.UpdateMachineDaemonState(ctx, models.UpdateMachineDaemonStateParams{
			DaemonState:        daemon,
			DaemonStateVersion: next,
			UpdatedAt:          s.nowMs(),
			ID:                 id,
			ExpectedVersion:    expectedVersion,
		})
		if err != nil {
			return fmt.Errorf("update machine daemon state: %w", err)
		}
		if n == 0 {
			result = mismatch
			return nil
		}
		result = UpdateResult[json.RawMessage]{OK: true, Version: next, Value: rawFromText(daemon.String)}
		return nil
	})
	return result, err
}

func (s *SQLStore) SetMachineActive(ctx context.Context, id, namespace string, active bool, atMs int64) (Machine, error) {
	var row models.Machine
	err := s.withTx(ctx, func(q *models.Queries) error {
		current, err := q.GetMachineByID(ctx, id)
		if err != nil {
			return notFound(err, "set machine active %s", id)
		}
		if current.Namespace != namespace {
			return fmt.Errorf("set machine active %s: %w", id, ErrNotFound)
		}
		if _, err := q.UpdateMachineActivity(ctx, models.UpdateMachineActivityParams{
			Active:    boolToInt(active),
			ActiveAt:  atMs,
			UpdatedAt: s.nowMs(),
			ID:        id,
		}); err != nil {
			return fmt.Errorf("update machine activity: %w", err)
		}
		row, err = q.GetMachineByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload machine: %w", err)
		}
		return nil
	})
	if err != nil {
		return Machine{}, err
	}
	return machineFromRow(row), nil
}

func (s *SQLStore) DeleteMachine(ctx context.Context, id, namespace string) ([]string, error) {
	var removed []string
	err := s.withTx(ctx, func(q *models.Queries) error {
		row, err := q.GetMachineByID(ctx, id)
		if err != nil {
			return notFound(err, "delete machine %s", id)
		}
		if row.Namespace != namespace {
			return fmt.Errorf("delete machine %s: %w", id, ErrNotFound)
		}

		ids, err := q.ListSessionIDsByMachine(ctx, models.ListSessionIDsByMachineParams{
			Namespace: namespace,
			MachineID: id,
		})
		if err != nil {
			return fmt.Errorf("list machine sessions: %w", err)
		}
		for _, sessionID := range ids {
			if _, err := q.DeleteSession(ctx, sessionID); err != nil {
				return fmt.Errorf("delete session %s: %w", sessionID, err)
			}
		}
		if _, err := q.DeleteMachine(ctx, id); err != nil {
			return fmt.Errorf("delete machine: %w", err)
		}
		removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLStore) ListMachineSessionIDs(ctx context.Context, id, namespace string) ([]string, error) {
	ids, err := s.queries.ListSessionIDsByMachine(ctx, models.ListSessionIDsByMachineParams{
		Namespace: namespace,
		MachineID: id,
	})
	if err != nil {
		return nil, fmt.Errorf("list machine sessions: %w", err)
	}
	return ids, nil
}

// --- Messages ---

func (s *SQLStore) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (Message, bool, error) {
	if len(content) == 0 {
		return Message{}, false, fmt.Errorf("%w: message content is required", ErrInvalidArgument)
	}
	if err := validJSON(content); err != nil {
		return Message{}, false, err
	}

	var (
		row     models.Message
		created bool
	)
	err := s.withTx(ctx, func(q *models.Queries) error {
		if _, err := q.GetSessionByID(ctx, sessionID); err != nil {
			return notFound(err, "add message to session %s", sessionID)
		}

		local := sql.NullString{}
		if localID != nil {
			local = sql.NullString{String: *localID, Valid: true}
			existing, err := q.GetMessageByLocalID(ctx, models.GetMessageByLocalIDParams{
				SessionID: sessionID,
				LocalID:   *localID,
			})
			if err == nil {
				row = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup message by local id: %w", err)
			}
		}

		latest, err := q.GetLatestMessageSeq(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("latest message seq: %w", err)
		}
		now := s.nowMs()
		row = models.Message{
			ID:        s.newID(),
			SessionID: sessionID,
			Seq:       latest + 1,
			Content:   string(content),
			LocalID:   local,
			CreatedAt: now,
		}
		if err := q.CreateMessage(ctx, models.CreateMessageParams{
			ID:        row.ID,
			SessionID: row.SessionID,
			Seq:       row.Seq,
			Content:   row.Content,
			LocalID:   row.LocalID,
			CreatedAt: row.CreatedAt,
		}); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if _, err := q.UpdateSessionSeq(ctx, models.UpdateSessionSeqParams{
			UpdatedAt: now,
			ID:        sessionID,
		}); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Message{}, false, err
	}
	return messageFromRow(row), created, nil
}

func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]Message, error) {
	before := int64(1<<63 - 1)
	if beforeSeq != nil {
		before = *beforeSeq
	}
	rows, err := s.queries.ListMessagesBefore(ctx, models.ListMessagesBeforeParams{
		SessionID: sessionID,
		BeforeSeq: before,
		Limit:     int64(ClampLimit(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// Rows come newest first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return messagesFromRows(rows), nil
}

func (s *SQLStore) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.queries.ListMessagesAfter(ctx, models.ListMessagesAfterParams{
		SessionID: sessionID,
		AfterSeq:  afterSeq,
		Limit:     int64(ClampLimit(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages after: %w", err)
	}
	return messagesFromRows(rows), nil
}

func (s *SQLStore) MergeSessionMessages(ctx context.Context, fromID, toID string) (int, error) {
	if fromID == "" || toID == "" || fromID == toID {
		return 0, fmt.Errorf("%w: merge needs two distinct sessions", ErrInvalidArgument)
	}

	var moved int
	err := s.withTx(ctx, func(q *models.Queries) error {
		if _, err := q.GetSessionByID(ctx, fromID); err != nil {
			return notFound(err, "merge source %s", fromID)
		}
		if _, err := q.GetSessionByID(ctx, toID); err != nil {
			return notFound(err, "merge target %s", toID)
		}

		base, err := q.GetLatestMessageSeq(ctx, toID)
		if err != nil {
			return fmt.Errorf("latest target seq: %w", err)
		}
		msgs, err := q.ListAllMessages(ctx, fromID)
		if err != nil {
			return fmt.Errorf("list source messages: %w", err)
		}

		for i, msg := range msgs {
			if msg.LocalID.Valid {
				_, err := q.GetMessageByLocalID(ctx, models.GetMessageByLocalIDParams{
					SessionID: toID,
					LocalID:   msg.LocalID.String,
				})
				switch {
				case err == nil:
					if err := q.ClearMessageLocalID(ctx, msg.ID); err != nil {
						return fmt.Errorf("clear local id of %s: %w", msg.ID, err)
					}
				case !errors.Is(err, sql.ErrNoRows):
					return fmt.Errorf("lookup target local id: %w", err)
				}
			}
			if _, err := q.MoveMessage(ctx, models.MoveMessageParams{
				SessionID: toID,
				Seq:       base + int64(i) + 1,
				ID:        msg.ID,
			}); err != nil {
				return fmt.Errorf("move message %s: %w", msg.ID, err)
			}
		}

		if len(msgs) > 0 {
			if err := q.IncrementSessionSeq(ctx, models.IncrementSessionSeqParams{
				By:        int64(len(msgs)),
				UpdatedAt: s.nowMs(),
				ID:        toID,
			}); err != nil {
				return fmt.Errorf("bump target seq: %w", err)
			}
		}
		moved = len(msgs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// --- Users ---

func (s *SQLStore) GetOrCreateUser(ctx context.Context, id, namespace, name string) (User, bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(namespace) == "" {
		return User{}, false, fmt.Errorf("%w: user id and namespace are required", ErrInvalidArgument)
	}

	var (
		row     models.User
		created bool
	)
	err := s.withTx(ctx, func(q *models.Queries) error {
		existing, err := q.GetUser(ctx, id)
		if err == nil {
			if existing.Namespace != namespace {
				return fmt.Errorf("user %s: %w", id, ErrNamespaceConflict)
			}
			row = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup user: %w", err)
		}
		row = models.User{ID: id, Namespace: namespace, Name: name, CreatedAt: s.nowMs()}
		if err := q.CreateUser(ctx, row); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return User{}, false, err
	}
	return userFromRow(row), created, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id, namespace string) (User, error) {
	row, err := s.queries.GetUser(ctx, id)
	if err != nil {
		return User{}, notFound(err, "get user %s", id)
	}
	if row.Namespace != namespace {
		return User{}, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	return userFromRow(row), nil
}

func (s *SQLStore) ListUsers(ctx context.Context, namespace string) ([]User, error) {
	rows, err := s.queries.ListUsersByNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]User, 0, len(rows))
	for _, row := range rows {
		out = append(out, userFromRow(row))
	}
	return out, nil
}

func (s *SQLStore) DeleteUser(ctx context.Context, id, namespace string) error {
	n, err := s.queries.DeleteUser(ctx, models.DeleteUserParams{ID: id, Namespace: namespace})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete user %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Push subscriptions ---

func (s *SQLStore) AddPushSubscription(ctx context.Context, sub PushSubscription) (PushSubscription, error) {
	if strings.TrimSpace(sub.Namespace) == "" || strings.TrimSpace(sub.Endpoint) == "" {
		return PushSubscription{}, fmt.Errorf("%w: namespace and endpoint are required", ErrInvalidArgument)
	}
	row, err := s.queries.UpsertPushSubscription(ctx, models.PushSubscription{
		ID:        s.newID(),
		Namespace: sub.Namespace,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
		CreatedAt: s.nowMs(),
	})
	if err != nil {
		return PushSubscription{}, fmt.Errorf("upsert push subscription: %w", err)
	}
	return pushSubscriptionFromRow(row), nil
}

func (s *SQLStore) ListPushSubscriptions(ctx context.Context, namespace string) ([]PushSubscription, error) {
	rows, err := s.queries.ListPushSubscriptionsByNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	out := make([]PushSubscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, pushSubscriptionFromRow(row))
	}
	return out, nil
}

func (s *SQLStore) RemovePushSubscription(ctx context.Context, namespace, endpoint string) error {
	n, err := s.queries.DeletePushSubscription(ctx, models.DeletePushSubscriptionParams{
		Namespace: namespace,
		Endpoint:  endpoint,
	})
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("push subscription %q: %w", endpoint, ErrNotFound)
	}
	return nil
}

// --- Namespaces ---

func (s *SQLStore) DeleteNamespace(ctx context.Context, namespace string) ([]string, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrInvalidArgument)
	}

	var removed []string
	err := s.withTx(ctx, func(q *models.Queries) error {
		rows, err := q.ListSessionsByNamespace(ctx, namespace)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, row := range rows {
			removed = append(removed, row.ID)
		}
		if _, err := q.DeleteSessionsByNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if _, err := q.DeleteMachinesByNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete machines: %w", err)
		}
		if _, err := q.DeleteUsersByNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete users: %w", err)
		}
		if _, err := q.DeletePushSubscriptionsByNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete push subscriptions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
