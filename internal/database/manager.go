package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	dbconfig "roomsync/pkg/database"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.DatabaseManager on SQLite. Reads run
// concurrently on the pool; every write goes through one writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(db, config.MigrationsPath)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	log.Printf("Database ready: path=%s", config.DatabasePath)
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && m.config.WriteRetryDelay > 0 {
				log.Printf("Database write failed, retrying in %v: %v", m.config.WriteRetryDelay, err)
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
					if err != nil {
						log.Printf("Database write failed after retry: %v", err)
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Rooms

// CreateRoom inserts a new room
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	studentIDs, err := json.Marshal(nonNil(room.StudentIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal student IDs: %w", err)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, name, teacher_id, student_ids, scheduled_start, duration_ns, status, created_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			room.ID, room.Name, room.TeacherID, string(studentIDs),
			room.ScheduledStart, int64(room.Duration), room.Status, room.CreatedAt, room.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
}

const roomColumns = `id, name, teacher_id, student_ids, scheduled_start, duration_ns, status, created_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*types.Room, error) {
	var room types.Room
	var studentIDs string
	var durationNS int64
	var endedAt sql.NullTime

	if err := row.Scan(&room.ID, &room.Name, &room.TeacherID, &studentIDs, &room.ScheduledStart,
		&durationNS, &room.Status, &room.CreatedAt, &endedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(studentIDs), &room.StudentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal student IDs: %w", err)
	}
	room.Duration = time.Duration(durationNS)
	if endedAt.Valid {
		room.EndedAt = &endedAt.Time
	}
	return &room, nil
}

// GetRoom retrieves a room by ID
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, roomID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return room, nil
}

// UpdateRoom updates the mutable fields of a room
func (m *Manager) UpdateRoom(ctx context.Context, room *types.Room) error {
	studentIDs, err := json.Marshal(nonNil(room.StudentIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal student IDs: %w", err)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE rooms
			SET name = ?, student_ids = ?, scheduled_start = ?, duration_ns = ?, status = ?, ended_at = ?
			WHERE id = ?`,
			room.Name, string(studentIDs), room.ScheduledStart, int64(room.Duration), room.Status, room.EndedAt, room.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrRoomNotFound
		}
		return nil
	})
}

// ListRooms returns rooms in status (all when empty), soonest start first
func (m *Manager) ListRooms(ctx context.Context, status types.RoomStatus) ([]*types.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_start ASC, id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rooms := []*types.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	return rooms, nil
}

// Interaction states

// SaveInteractionState upserts the state of one (session, slide)
func (m *Manager) SaveInteractionState(ctx context.Context, state *types.InteractionState) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO interaction_states (session_id, slide_id, kind, phase, version, revealed, correct_answer, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, slide_id) DO UPDATE SET
				kind = excluded.kind,
				phase = excluded.phase,
				version = excluded.version,
				revealed = excluded.revealed,
				correct_answer = excluded.correct_answer,
				updated_at = excluded.updated_at`,
			state.SessionID, state.SlideID, state.Kind, state.Phase, state.Version,
			state.Revealed, state.CorrectAnswer, state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save interaction state: %w", err)
		}
		return nil
	})
}

const stateColumns = `session_id, slide_id, kind, phase, version, revealed, correct_answer, updated_at`

func scanState(row scanner) (*types.InteractionState, error) {
	var st types.InteractionState
	if err := row.Scan(&st.SessionID, &st.SlideID, &st.Kind, &st.Phase, &st.Version,
		&st.Revealed, &st.CorrectAnswer, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetInteractionState retrieves the state of one slide
func (m *Manager) GetInteractionState(ctx context.Context, sessionID, slideID string) (*types.InteractionState, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM interaction_states WHERE session_id = ? AND slide_id = ?`, sessionID, slideID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query interaction state: %w", err)
	}
	return st, nil
}

// ListInteractionStates returns every slide state of a session
func (m *Manager) ListInteractionStates(ctx context.Context, sessionID string) ([]*types.InteractionState, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM interaction_states WHERE session_id = ? ORDER BY slide_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interaction states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := []*types.InteractionState{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interaction states: %w", err)
	}
	return states, nil
}

// Responses

// UpsertResponse stores a response, replacing any earlier one with the same
// (session, slide, participant, version) key
func (m *Manager) UpsertResponse(ctx context.Context, r *types.Response) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO responses (id, session_id, slide_id, participant_id, version, value, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, slide_id, participant_id, version) DO UPDATE SET
				id = excluded.id,
				value = excluded.value,
				submitted_at = excluded.submitted_at`,
			r.ID, r.SessionID, r.SlideID, r.ParticipantID, r.Version, r.Value, r.SubmittedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert response: %w", err)
		}
		return nil
	})
}

// ListResponses returns every stored response for a slide
func (m *Manager) ListResponses(ctx context.Context, sessionID, slideID string) ([]*types.Response, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, slide_id, participant_id, version, value, submitted_at
		FROM responses
		WHERE session_id = ? AND slide_id = ?
		ORDER BY participant_id, version`, sessionID, slideID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	responses := []*types.Response{}
	for rows.Next() {
		var r types.Response
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SlideID, &r.ParticipantID, &r.Version, &r.Value, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		responses = append(responses, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating responses: %w", err)
	}
	return responses, nil
}

// DeleteResponses removes every response for a slide
func (m *Manager) DeleteResponses(ctx context.Context, sessionID, slideID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM responses WHERE session_id = ? AND slide_id = ?`, sessionID, slideID); err != nil {
			return fmt.Errorf("failed to delete responses: %w", err)
		}
		return nil
	})
}

// Artifacts

// StoreArtifact appends a chat line or whiteboard stroke to room history
func (m *Manager) StoreArtifact(ctx context.Context, a *types.Artifact) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO artifacts (id, room_id, kind, sender_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.RoomID, a.Kind, a.SenderID, string(a.Payload), a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}
		return nil
	})
}

// GetArtifactHistory returns a room's artifacts in chronological order
func (m *Manager) GetArtifactHistory(ctx context.Context, roomID string) ([]*types.Artifact, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, kind, sender_id, payload, created_at
		FROM artifacts
		WHERE room_id = ?
		ORDER BY created_at ASC, rowid ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	artifacts := []*types.Artifact{}
	for rows.Next() {
		var a types.Artifact
		var payload string
		if err := rows.Scan(&a.ID, &a.RoomID, &a.Kind, &a.SenderID, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		artifacts = append(artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
