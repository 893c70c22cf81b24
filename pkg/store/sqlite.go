// Package store persists finished calls to SQLite. Grounded on
// original_source/app/database.py's Conversation table and
// end_call_and_save upsert, and on the teacher pack's
// NeboLoop-nebo/internal/db/sqlite.go for the modernc.org/sqlite
// connection setup (WAL mode, single connection — SQLite doesn't handle
// concurrent writers well).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	session_id           TEXT PRIMARY KEY,
	caller_id            TEXT,
	started_at           TEXT NOT NULL,
	ended_at             TEXT,
	status               TEXT NOT NULL,
	turns_json           TEXT NOT NULL,
	total_turns          INTEGER NOT NULL,
	greeting             TEXT,
	first_user_response  TEXT,
	patient_name         TEXT,
	medical_conditions   TEXT,
	last_visit_date      TEXT,
	interested           INTEGER,
	extra_facts_json     TEXT
);
`

// Store is a SQLite-backed CallStore (pkg/agentserver.CallStore).
type Store struct {
	db *sql.DB
}

// Open creates the database file's parent directory if needed, opens a
// single-connection WAL-mode SQLite database, and ensures the calls table
// exists.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type turnRow struct {
	TurnNumber int    `json:"turn_number"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp_iso"`
}

// SaveCall upserts one call's persistence record (spec.md §6), flattening
// list-valued facts to comma-joined strings the way
// end_call_and_save's ", ".join(value) does.
func (s *Store) SaveCall(snapshot orchestrator.Snapshot) error {
	turns := make([]turnRow, 0, len(snapshot.Turns))
	var greeting, firstUserResponse string
	for i, t := range snapshot.Turns {
		turns = append(turns, turnRow{
			TurnNumber: i + 1,
			Role:       t.Role,
			Content:    t.Content,
			Timestamp:  t.Timestamp.UTC().Format(time.RFC3339),
		})
		if t.Role == "agent" && greeting == "" {
			greeting = t.Content
		}
		if t.Role == "user" && firstUserResponse == "" {
			firstUserResponse = t.Content
		}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("store: marshal turns: %w", err)
	}

	var patientName, lastVisitDate sql.NullString
	if snapshot.Patient.PatientName != nil {
		patientName = sql.NullString{String: *snapshot.Patient.PatientName, Valid: true}
	}
	if snapshot.Patient.LastVisitDate != nil {
		lastVisitDate = sql.NullString{String: *snapshot.Patient.LastVisitDate, Valid: true}
	}
	var interested sql.NullInt64
	if snapshot.Patient.Interested != nil {
		v := int64(0)
		if *snapshot.Patient.Interested {
			v = 1
		}
		interested = sql.NullInt64{Int64: v, Valid: true}
	}
	var medicalConditions sql.NullString
	if len(snapshot.Patient.MedicalConditions) > 0 {
		medicalConditions = sql.NullString{String: strings.Join(snapshot.Patient.MedicalConditions, ", "), Valid: true}
	}

	var extraJSON sql.NullString
	if len(snapshot.Patient.Extra) > 0 {
		b, err := json.Marshal(snapshot.Patient.Extra)
		if err != nil {
			return fmt.Errorf("store: marshal extra facts: %w", err)
		}
		extraJSON = sql.NullString{String: string(b), Valid: true}
	}

	var endedAt sql.NullString
	if !snapshot.EndedAt.IsZero() {
		endedAt = sql.NullString{String: snapshot.EndedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	callerID := callerIDString(snapshot.CallerID)

	_, err = s.db.Exec(`
		INSERT INTO calls (
			session_id, caller_id, started_at, ended_at, status,
			turns_json, total_turns, greeting, first_user_response,
			patient_name, medical_conditions, last_visit_date, interested, extra_facts_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			caller_id=excluded.caller_id,
			ended_at=excluded.ended_at,
			status=excluded.status,
			turns_json=excluded.turns_json,
			total_turns=excluded.total_turns,
			greeting=excluded.greeting,
			first_user_response=excluded.first_user_response,
			patient_name=excluded.patient_name,
			medical_conditions=excluded.medical_conditions,
			last_visit_date=excluded.last_visit_date,
			interested=excluded.interested,
			extra_facts_json=excluded.extra_facts_json
	`,
		snapshot.SessionID, callerID, snapshot.StartedAt.UTC().Format(time.RFC3339), endedAt, string(snapshot.Status),
		string(turnsJSON), len(snapshot.Turns), nullIfEmpty(greeting), nullIfEmpty(firstUserResponse),
		patientName, medicalConditions, lastVisitDate, interested, extraJSON,
	)
	if err != nil {
		return fmt.Errorf("store: upsert call: %w", err)
	}
	return nil
}

func callerIDString(id [16]byte) string {
	if id == ([16]byte{}) {
		return ""
	}
	return uuid.UUID(id).String()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
