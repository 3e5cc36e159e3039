package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags a frame received over the live feed.
type MessageType string

// Supported live feed message types.
const (
	TypeHeartbeat MessageType = "heartbeat"
	TypeProgress  MessageType = "progress"
)

// Stage denotes the analysis milestone a progress message reports.
type Stage string

// Analysis stages in the order the service moves through them.
const (
	StageInitializing          Stage = "initializing"
	StageAnalyzingCooccurrence Stage = "analyzing_cooccurrence"
	StageCalculatingVolume     Stage = "calculating_volume"
	StageAnalyzingCompetitors  Stage = "analyzing_competitors"
	StageCompleted             Stage = "completed"
	StageError                 Stage = "error"
)

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInitializing, StageAnalyzingCooccurrence, StageCalculatingVolume,
		StageAnalyzingCompetitors, StageCompleted, StageError:
		return true
	default:
		return false
	}
}

var (
	// ErrMalformedMessage is returned for frames that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed progress message")
	// ErrUnknownMessage is returned for frames with an unknown type or stage.
	ErrUnknownMessage = errors.New("unknown progress message")
)

// ProgressMessage is a single frame of the live feed. Heartbeats carry only
// the type; progress frames carry the remaining fields.
type ProgressMessage struct {
	Type    MessageType     `json:"type"`
	Stage   Stage           `json:"stage,omitempty"`
	Percent float64         `json:"percent"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// IsHeartbeat reports whether the message is a liveness signal.
func (m ProgressMessage) IsHeartbeat() bool {
	return m.Type == TypeHeartbeat
}

// Terminal reports whether the message ends the job.
func (m ProgressMessage) Terminal() bool {
	return m.Type == TypeProgress && m.Stage.Terminal()
}

// ParseMessage decodes and validates a live feed frame. Frames without a type
// but with a stage are treated as progress frames.
func ParseMessage(raw []byte) (ProgressMessage, error) {
	var msg ProgressMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ProgressMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" && msg.Stage != "" {
		msg.Type = TypeProgress
	}
	switch msg.Type {
	case TypeHeartbeat:
		return msg, nil
	case TypeProgress:
	default:
		return ProgressMessage{}, fmt.Errorf("%w: type %q", ErrUnknownMessage, msg.Type)
	}
	if !msg.Stage.Valid() {
		return ProgressMessage{}, fmt.Errorf("%w: stage %q", ErrUnknownMessage, msg.Stage)
	}
	if msg.Percent < 0 || msg.Percent > 100 {
		return ProgressMessage{}, fmt.Errorf("%w: percent %v out of range", ErrMalformedMessage, msg.Percent)
	}
	return msg, nil
}

// InitializingDetails accompanies StageInitializing.
type InitializingDetails struct {
	Keyword string `json:"keyword"`
}

// CooccurrenceDetails accompanies StageAnalyzingCooccurrence.
type CooccurrenceDetails struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	FoundWords int `json:"found_words"`
}

// VolumeDetails accompanies StageCalculatingVolume.
type VolumeDetails struct {
	Current        int `json:"current"`
	Total          int `json:"total"`
	ProcessedWords int `json:"processed_words"`
}

// CompetitorDetails accompanies StageAnalyzingCompetitors.
type CompetitorDetails struct {
	Current          int `json:"current"`
	Total            int `json:"total"`
	FoundCompetitors int `json:"found_competitors"`
}

// CompletedDetails accompanies StageCompleted.
type CompletedDetails struct {
	TotalVolume int64 `json:"total_volume"`
	SeedVolume  int64 `json:"seed_volume"`
}

// ErrorDetails accompanies StageError.
type ErrorDetails struct {
	Error string `json:"error"`
}

// DecodeDetails returns the typed details payload for the message stage.
// Missing details decode to the zero value of the stage's type.
func (m ProgressMessage) DecodeDetails() (any, error) {
	switch m.Stage {
	case StageInitializing:
		return decodeAs[InitializingDetails](m)
	case StageAnalyzingCooccurrence:
		return decodeAs[CooccurrenceDetails](m)
	case StageCalculatingVolume:
		return decodeAs[VolumeDetails](m)
	case StageAnalyzingCompetitors:
		return decodeAs[CompetitorDetails](m)
	case StageCompleted:
		return decodeAs[CompletedDetails](m)
	case StageError:
		return decodeAs[ErrorDetails](m)
	default:
		return nil, fmt.Errorf("%w: stage %q", ErrUnknownMessage, m.Stage)
	}
}

func decodeAs[T any](m ProgressMessage) (any, error) {
	var out T
	if len(m.Details) == 0 || string(m.Details) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(m.Details, &out); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", m.Stage, err)
	}
	return out, nil
}

// NewProgress builds a progress message with the details marshaled to JSON.
func NewProgress(stage Stage, percent float64, message string, details any) (ProgressMessage, error) {
	msg := ProgressMessage{
		Type:    TypeProgress,
		Stage:   stage,
		Percent: percent,
		Message: message,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return ProgressMessage{}, fmt.Errorf("marshal %s details: %w", stage, err)
		}
		msg.Details = raw
	}
	return msg, nil
}

// FailureReason extracts the human-readable failure of an error-stage message.
func (m ProgressMessage) FailureReason() string {
	if m.Stage != StageError {
		return ""
	}
	var d ErrorDetails
	if len(m.Details) > 0 {
		if err := json.Unmarshal(m.Details, &d); err == nil && d.Error != "" {
			return d.Error
		}
	}
	return m.Message
}
