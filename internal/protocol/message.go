package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags every message on the wire. Dispatch is keyed on this enum;
// adding a type means adding a constant here and registering a handler.
type MessageType string

const (
	MsgTaskAssignment       MessageType = "task_assignment"
	MsgTaskUpdate           MessageType = "task_update"
	MsgTaskCompletion       MessageType = "task_completion"
	MsgTaskFailure          MessageType = "task_failure"
	MsgTaskDelegation       MessageType = "task_delegation"
	MsgCoordinationRequest  MessageType = "coordination_request"
	MsgCoordinationResponse MessageType = "coordination_response"
	MsgCollaborationRequest MessageType = "collaboration_request"
	MsgStatusRequest        MessageType = "status_request"
	MsgStatusResponse       MessageType = "status_response"
	MsgAgentOnline          MessageType = "agent_online"
	MsgAgentOffline         MessageType = "agent_offline"
	MsgSystemAlert          MessageType = "system_alert"
	MsgHeartbeat            MessageType = "heartbeat"
	MsgEmergencyStop        MessageType = "emergency_stop"
	MsgSystemShutdown       MessageType = "system_shutdown"
)

// Priority orders message processing within one inbox. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityMedium:    "medium",
	PriorityHigh:      "high",
	PriorityCritical:  "critical",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Message is the unit written to direct, team and system inbox keys.
type Message struct {
	ID                   string          `json:"id"`
	Type                 MessageType     `json:"type"`
	From                 string          `json:"from"`
	To                   string          `json:"to,omitempty"`
	Team                 string          `json:"team,omitempty"`
	Priority             Priority        `json:"priority"`
	Timestamp            time.Time       `json:"timestamp"`
	TTLMs                int64           `json:"ttl_ms,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	CorrelationID        string          `json:"correlation_id,omitempty"`
}

// Validate rejects malformed or stale messages. staleAfter guards against
// replays of old inbox values.
func (m *Message) Validate(now time.Time, staleAfter time.Duration) error {
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	if m.Type == "" {
		return fmt.Errorf("message %s missing type", m.ID)
	}
	if m.From == "" {
		return fmt.Errorf("message %s missing sender", m.ID)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s missing timestamp", m.ID)
	}
	if now.Sub(m.Timestamp) > staleAfter {
		return fmt.Errorf("message %s stale: sent %s", m.ID, m.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Expired reports whether the message outlived its TTL. Messages without a
// TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLMs <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTLMs) * time.Millisecond))
}

// ConfirmStatus is the delivery acknowledgement state for one message at one
// receiver. received is intermediate; processed and failed are terminal.
type ConfirmStatus string

const (
	ConfirmReceived  ConfirmStatus = "received"
	ConfirmProcessed ConfirmStatus = "processed"
	ConfirmFailed    ConfirmStatus = "failed"
)

// Confirmation is written to the sender's confirmation key by a receiver when
// the originating message asked for one.
type Confirmation struct {
	MessageID string        `json:"message_id"`
	AgentID   string        `json:"agent_id"`
	Status    ConfirmStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}
