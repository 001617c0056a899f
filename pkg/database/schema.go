package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// tableSpec is the expected column layout of one table
type tableSpec struct {
	name    string
	columns map[string]string
}

// requiredSchema lists the tables the engine reads and writes
var requiredSchema = []tableSpec{
	{"rooms", map[string]string{
		"id":              "TEXT",
		"name":            "TEXT",
		"teacher_id":      "TEXT",
		"student_ids":     "TEXT",
		"scheduled_start": "DATETIME",
		"duration_ns":     "INTEGER",
		"status":          "TEXT",
		"created_at":      "DATETIME",
		"ended_at":        "DATETIME",
	}},
	{"interaction_states", map[string]string{
		"session_id":     "TEXT",
		"slide_id":       "TEXT",
		"kind":           "TEXT",
		"phase":          "TEXT",
		"version":        "INTEGER",
		"revealed":       "INTEGER",
		"correct_answer": "TEXT",
		"updated_at":     "DATETIME",
	}},
	{"responses", map[string]string{
		"id":             "TEXT",
		"session_id":     "TEXT",
		"slide_id":       "TEXT",
		"participant_id": "TEXT",
		"version":        "INTEGER",
		"value":          "TEXT",
		"submitted_at":   "DATETIME",
	}},
	{"artifacts", map[string]string{
		"id":         "TEXT",
		"room_id":    "TEXT",
		"kind":       "TEXT",
		"sender_id":  "TEXT",
		"payload":    "TEXT",
		"created_at": "DATETIME",
	}},
}

// requiredIndexes back the status scan on startup and artifact history
var requiredIndexes = []string{"idx_rooms_status", "idx_artifacts_room"}

// rejectedRows must each violate a CHECK constraint
var rejectedRows = []struct {
	constraint string
	insert     string
}{
	{"rooms.status", `INSERT INTO rooms (id, name, teacher_id, scheduled_start, duration_ns, status, created_at)
		VALUES ('schema-check', 'x', 't', CURRENT_TIMESTAMP, 1, 'paused', CURRENT_TIMESTAMP)`},
	{"rooms.duration_ns", `INSERT INTO rooms (id, name, teacher_id, scheduled_start, duration_ns, status, created_at)
		VALUES ('schema-check', 'x', 't', CURRENT_TIMESTAMP, 0, 'waiting', CURRENT_TIMESTAMP)`},
	{"interaction_states.phase", `INSERT INTO interaction_states (session_id, slide_id, phase, version, updated_at)
		VALUES ('schema-check', 's', 'open', 0, CURRENT_TIMESTAMP)`},
	{"interaction_states.version", `INSERT INTO interaction_states (session_id, slide_id, phase, version, updated_at)
		VALUES ('schema-check', 's', 'idle', -1, CURRENT_TIMESTAMP)`},
	{"artifacts.kind", `INSERT INTO artifacts (id, room_id, kind, sender_id, payload, created_at)
		VALUES ('schema-check', 'r', 'presence_joined', 'p', '{}', CURRENT_TIMESTAMP)`},
}

// SchemaValidator checks a migrated database against what the engine expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check and stops at the first failure
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist reports every missing table at once
func (v *SchemaValidator) ValidateTablesExist() error {
	var missing []string
	for _, table := range requiredSchema {
		exists, err := v.exists("table", table.name)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table.name, err)
		}
		if !exists {
			missing = append(missing, table.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing tables: " + strings.Join(missing, ", "))
	}
	return nil
}

// ValidateTableStructure compares declared column types
func (v *SchemaValidator) ValidateTableStructure() error {
	for _, table := range requiredSchema {
		if err := v.validateColumns(table); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table.name, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints tries each invalid row inside a transaction that is
// always rolled back, so the database is left untouched.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rejectedRows {
		if _, err := tx.Exec(row.insert); err == nil {
			return fmt.Errorf("check constraint not enforced: %s", row.constraint)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table tableSpec) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table.name))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	names := make([]string, 0, len(table.columns))
	for name := range table.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		foundType, ok := found[name]
		if !ok {
			return fmt.Errorf("column %s not found", name)
		}
		if want := table.columns[name]; foundType != want {
			return fmt.Errorf("column %s has type %s, expected %s", name, foundType, want)
		}
	}
	return nil
}
