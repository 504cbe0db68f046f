// Package engine defines the recognition backend contract consumed by the
// session coordinator.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means no recognition backend is configured or reachable.
var ErrUnavailable = errors.New("recognition engine unavailable")

// ErrStreamNotFound means no stream was started for the given session.
// Distinct from ErrUnavailable: the backend exists but was never told
// about this session.
var ErrStreamNotFound = errors.New("recognition stream not found")

// ErrInit wraps backend failures while initializing a stream.
var ErrInit = errors.New("recognition engine init failed")

// WordInfo carries word-level timing and confidence for one recognized word.
type WordInfo struct {
	Word       string  `json:"word"`
	Confidence float64 `json:"confidence"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

// Result is the per-submission recognizer output. A non-final Result may be
// revised by a later call; only final results are persisted downstream. Err
// carries degraded-mode diagnostics as data rather than a returned error.
type Result struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	IsFinal    bool       `json:"is_final"`
	Words      []WordInfo `json:"words,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Err        string     `json:"error,omitempty"`
}

// StreamConfig is the per-call recognition descriptor. Engines rebuild it on
// every submission; the only state they keep across calls is the
// session-to-config association. True duplex streaming is a deferred
// extension, so each submission is self-contained request/response.
type StreamConfig struct {
	Encoding              string
	SampleRate            int
	Channels              int
	Language              string
	EnableWordTimeOffsets bool
	EnableWordConfidence  bool
	EnableAutoPunctuation bool
}

// Engine abstracts speech-recognition backends.
//
// StartStream is idempotent per session. StopStream reports false, not an
// error, when no stream existed. SubmitAudio fails with ErrStreamNotFound
// when StartStream was never called for the session.
type Engine interface {
	Available() bool
	StartStream(ctx context.Context, sessionID, language string) error
	SubmitAudio(ctx context.Context, sessionID string, pcm []byte) (Result, error)
	StopStream(ctx context.Context, sessionID string) bool
	ActiveStreams() []string
}
