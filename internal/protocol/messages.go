package protocol

import "time"

// StartRequest opens a transcription session.
type StartRequest struct {
	SessionID string         `json:"session_id"`
	Config    map[string]any `json:"config,omitempty"`
}

// AudioSubmission carries one base64-encoded PCM16 chunk for a session.
// Binary transports can skip the base64 layer and feed PCM directly.
type AudioSubmission struct {
	SessionID string  `json:"session_id"`
	Audio     string  `json:"audio"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// StopRequest closes a transcription session.
type StopRequest struct {
	SessionID string `json:"session_id"`
}

// TranscriptMessage is recognizer output broadcast on the bus.
type TranscriptMessage struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// ErrorReply reports a rejected request back to the caller.
type ErrorReply struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	SubjectSessionStart      = "session.control.start"
	SubjectSessionStop       = "session.control.stop"
	SubjectSessionAudio      = "session.audio"
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
)

// Error codes carried in ErrorReply.
const (
	CodeInvalidSessionID = "invalid_session_id"
	CodeAlreadyActive    = "session_already_active"
	CodeNotFound         = "session_not_found"
	CodeBadAudio         = "bad_audio"
	CodeInternal         = "internal"
)
