package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveCall_InsertsNewRow(t *testing.T) {
	s := openTestStore(t)

	name := "Jane Doe"
	interested := true
	snapshot := orchestrator.Snapshot{
		SessionID: "call-1",
		StartedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC),
		Status:    orchestrator.StatusCompleted,
		Turns: []orchestrator.TurnRecord{
			{Role: "agent", Content: "Hello, this is Nationwide Screening.", Timestamp: time.Now()},
			{Role: "user", Content: "Hi there.", Timestamp: time.Now()},
		},
		Patient: orchestrator.PatientInfo{
			PatientName:       &name,
			MedicalConditions: []string{"diabetes", "hypertension"},
			Interested:        &interested,
		},
	}

	if err := s.SaveCall(snapshot); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	var status, greeting, firstUser, conditions string
	var totalTurns int
	row := s.db.QueryRow(`SELECT status, total_turns, greeting, first_user_response, medical_conditions FROM calls WHERE session_id = ?`, "call-1")
	if err := row.Scan(&status, &totalTurns, &greeting, &firstUser, &conditions); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "completed" {
		t.Errorf("expected status completed, got %q", status)
	}
	if totalTurns != 2 {
		t.Errorf("expected total_turns 2, got %d", totalTurns)
	}
	if greeting != "Hello, this is Nationwide Screening." {
		t.Errorf("unexpected greeting: %q", greeting)
	}
	if firstUser != "Hi there." {
		t.Errorf("unexpected first_user_response: %q", firstUser)
	}
	if conditions != "diabetes, hypertension" {
		t.Errorf("expected comma-joined conditions, got %q", conditions)
	}
}

func TestSaveCall_UpsertsOnSecondCall(t *testing.T) {
	s := openTestStore(t)

	snapshot := orchestrator.Snapshot{
		SessionID: "call-2",
		StartedAt: time.Now(),
		Status:    orchestrator.StatusRunning,
		Turns:     []orchestrator.TurnRecord{{Role: "agent", Content: "Hi", Timestamp: time.Now()}},
	}
	if err := s.SaveCall(snapshot); err != nil {
		t.Fatalf("first SaveCall: %v", err)
	}

	snapshot.Status = orchestrator.StatusCompleted
	snapshot.EndedAt = time.Now()
	snapshot.Turns = append(snapshot.Turns, orchestrator.TurnRecord{Role: "user", Content: "Bye", Timestamp: time.Now()})
	if err := s.SaveCall(snapshot); err != nil {
		t.Fatalf("second SaveCall: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calls WHERE session_id = ?`, "call-2").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row per session_id, got %d", count)
	}

	var status string
	var totalTurns int
	if err := s.db.QueryRow(`SELECT status, total_turns FROM calls WHERE session_id = ?`, "call-2").Scan(&status, &totalTurns); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "completed" || totalTurns != 2 {
		t.Errorf("expected updated row (completed, 2 turns), got (%s, %d)", status, totalTurns)
	}
}

func TestSaveCall_ZeroCallerIDStoredAsEmpty(t *testing.T) {
	s := openTestStore(t)

	snapshot := orchestrator.Snapshot{
		SessionID: "call-3",
		StartedAt: time.Now(),
		Status:    orchestrator.StatusCompleted,
	}
	if err := s.SaveCall(snapshot); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	var callerID sql.NullString
	if err := s.db.QueryRow(`SELECT caller_id FROM calls WHERE session_id = ?`, "call-3").Scan(&callerID); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if callerID.Valid && callerID.String != "" {
		t.Errorf("expected empty caller_id for zero-value UUID, got %q", callerID.String)
	}
}
