package orchestrator

import (
	"sync"
	"time"
)

// CallStatus is the lifecycle state of a CallSession.
type CallStatus string

const (
	StatusRunning      CallStatus = "running"
	StatusCompleted    CallStatus = "completed"
	StatusDisconnected CallStatus = "disconnected"
	StatusError        CallStatus = "error"
)

// TurnRecord is one entry in a call's persisted turn log.
type TurnRecord struct {
	Role      string // "user" or "agent"
	Content   string
	Timestamp time.Time
}

// PatientInfo is the extracted-fact schema a conversational tool call can
// populate over the lifetime of a call. The minimal form is canonical (see
// SPEC_FULL.md §9 / DESIGN.md Open Questions). Extra holds any
// forward-compatible keys a tool call supplies that aren't one of the
// named fields; only string-valued extra keys are kept, values of other
// types are dropped.
type PatientInfo struct {
	PatientName       *string
	MedicalConditions []string
	LastVisitDate     *string
	Interested        *bool
	Extra             map[string]string
}

// MergeUpdate applies a tool call's partial update, overwriting only the
// keys present in the update — absent keys leave the existing value alone.
func (p *PatientInfo) MergeUpdate(update map[string]interface{}) {
	if v, ok := update["patient_name"]; ok {
		if s, ok := v.(string); ok {
			p.PatientName = &s
		}
	}
	if v, ok := update["medical_conditions"]; ok {
		switch vv := v.(type) {
		case []string:
			p.MedicalConditions = vv
		case []interface{}:
			conds := make([]string, 0, len(vv))
			for _, c := range vv {
				if s, ok := c.(string); ok {
					conds = append(conds, s)
				}
			}
			p.MedicalConditions = conds
		}
	}
	if v, ok := update["last_visit_date"]; ok {
		if s, ok := v.(string); ok {
			p.LastVisitDate = &s
		}
	}
	if v, ok := update["interested"]; ok {
		if b, ok := v.(bool); ok {
			p.Interested = &b
		}
	}
	for k, v := range update {
		switch k {
		case "patient_name", "medical_conditions", "last_visit_date", "interested":
			continue
		}
		if s, ok := v.(string); ok {
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[k] = s
		}
	}
}

// CallSession is the full record of one telephony call: identity,
// lifecycle, the ordered turn log, and the facts extracted from it. It is
// mutated only by the session's orchestrator goroutine and is snapshotted
// for persistence at teardown — see spec.md §3 "Call session".
type CallSession struct {
	mu sync.Mutex

	SessionID string
	CallerID  [16]byte
	StartedAt time.Time
	EndedAt   time.Time
	Status    CallStatus
	Turns     []TurnRecord
	Patient   PatientInfo

	// Conv is the bounded LLM-facing context window fed to the policy.
	Conv *ConversationSession
}

// NewCallSession creates a running session for a freshly accepted call.
func NewCallSession(sessionID string, callerID [16]byte) *CallSession {
	return &CallSession{
		SessionID: sessionID,
		CallerID:  callerID,
		StartedAt: time.Now(),
		Status:    StatusRunning,
		Conv:      NewConversationSession(sessionID),
	}
}

// RecordTurn appends a turn to the log and mirrors it into the LLM context
// window used for the next policy invocation.
func (c *CallSession) RecordTurn(role, content string) {
	c.mu.Lock()
	c.Turns = append(c.Turns, TurnRecord{Role: role, Content: content, Timestamp: time.Now()})
	c.mu.Unlock()
	c.Conv.AddMessage(role, content)
}

// ApplyPatientUpdate merges a tool call's partial patient_info update.
func (c *CallSession) ApplyPatientUpdate(update map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Patient.MergeUpdate(update)
}

// Finish marks the session ended with the given status and records the end
// timestamp. Idempotent beyond the first call.
func (c *CallSession) Finish(status CallStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.EndedAt.IsZero() {
		return
	}
	c.EndedAt = time.Now()
	c.Status = status
}

// Snapshot is an immutable copy of a CallSession suitable for handing to
// persistence once teardown begins.
type Snapshot struct {
	SessionID string
	CallerID  [16]byte
	StartedAt time.Time
	EndedAt   time.Time
	Status    CallStatus
	Turns     []TurnRecord
	Patient   PatientInfo
}

// Snapshot copies the session's current state. Safe to call concurrently
// with RecordTurn/ApplyPatientUpdate/Finish.
func (c *CallSession) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := make([]TurnRecord, len(c.Turns))
	copy(turns, c.Turns)
	return Snapshot{
		SessionID: c.SessionID,
		CallerID:  c.CallerID,
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
		Status:    c.Status,
		Turns:     turns,
		Patient:   c.Patient,
	}
}
