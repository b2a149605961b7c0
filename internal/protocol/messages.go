package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders synthesis tasks; a lower value is more urgent. The
// numeric values are part of the wire contract and must not be renumbered.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the lowercase wire names; anything else defaults to
// normal so a sloppy client degrades instead of failing.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	default:
		return PriorityNormal, false
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParsePriority(s)
	if !ok {
		return fmt.Errorf("unknown priority %q", s)
	}
	*p = parsed
	return nil
}

// Client to server message types.
const (
	TypeSynthesize   = "synthesize"
	TypeInterrupt    = "interrupt"
	TypeConfigUpdate = "config_update"
	TypePing         = "ping"
)

// Server to client message types.
const (
	TypeSynthesisStart    = "synthesis_start"
	TypeAudioChunk        = "audio_chunk"
	TypeSynthesisComplete = "synthesis_complete"
	TypeSynthesisError    = "synthesis_error"
	TypeInterrupted       = "interrupted"
	TypeConfigUpdated     = "config_updated"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is the per-connection envelope. Timestamp is seconds since the
// epoch with fractional precision, matching what clients send back in pings.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// NewMessage builds an envelope around a payload. Marshal failures are
// programmer errors on our own payload types, so they surface as an error
// reply rather than a panic.
func NewMessage(msgType, sessionID string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{
		Type:      msgType,
		Data:      data,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}, nil
}

type SynthesizeRequest struct {
	Text     string   `json:"text"`
	Priority Priority `json:"priority"`
}

type ConfigUpdateRequest struct {
	Config SynthesisConfig `json:"config"`
}

type SynthesisStart struct {
	Text     string   `json:"text"`
	Priority Priority `json:"priority"`
	TaskID   string   `json:"task_id"`
}

// AudioChunkMessage carries one transport-encoded audio chunk. Data is hex
// encoded to keep the envelope valid JSON.
type AudioChunkMessage struct {
	Data        string  `json:"data"`
	Index       int     `json:"index"`
	TotalChunks int     `json:"total_chunks"`
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	DurationMS  float64 `json:"duration_ms"`
	SizeBytes   int     `json:"size_bytes"`
}

type SynthesisComplete struct {
	Text            string  `json:"text"`
	TotalChunks     int     `json:"total_chunks"`
	SynthesisTimeMS float64 `json:"synthesis_time_ms"`
	AudioBytes      int64   `json:"audio_bytes"`
	Engine          string  `json:"engine"`
}

type Interrupted struct {
	InterruptedTasks int     `json:"interrupted_tasks"`
	LatencyMS        float64 `json:"latency_ms"`
}

type ConfigUpdated struct {
	Config    SynthesisConfig `json:"config"`
	SessionID string          `json:"session_id,omitempty"`
	Status    string          `json:"status,omitempty"`
}

type Pong struct {
	Timestamp float64 `json:"timestamp"`
}

type ErrorMessage struct {
	Error string `json:"error"`
}

type SynthesisError struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id"`
}

// SynthesisConfig is the per-session synthesis configuration. A copy is
// frozen into every task at enqueue time.
type SynthesisConfig struct {
	Voice      string  `json:"voice"`
	Language   string  `json:"language"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Speed      float64 `json:"speed"`
	ChunkBytes int     `json:"chunk_bytes"`
}

// Bus subjects for synthesis lifecycle events.
const (
	SubjectTaskEnqueued    = "tts.event.task.enqueued"
	SubjectTaskCompleted   = "tts.event.task.completed"
	SubjectTaskInterrupted = "tts.event.task.interrupted"
	SubjectTaskFailed      = "tts.event.task.failed"
	SubjectSessionOpened   = "tts.event.session.opened"
	SubjectSessionClosed   = "tts.event.session.closed"
)

// TaskEvent is published on the bus for every task lifecycle transition.
type TaskEvent struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Priority   Priority  `json:"priority"`
	Reason     string    `json:"reason,omitempty"`
	AudioBytes int64     `json:"audio_bytes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent is published on the bus when a session opens or closes.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Address   string    `json:"address"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
