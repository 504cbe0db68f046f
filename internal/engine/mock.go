package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
)

// mockEngine fabricates final transcripts describing the submitted audio.
// Useful for wiring tests and for running the daemon without a backend.
type mockEngine struct {
	cfg     config.STTConfig
	log     *slog.Logger
	mu      sync.Mutex
	streams map[string]StreamConfig
}

func NewMockEngine(cfg config.STTConfig, log *slog.Logger) Engine {
	return &mockEngine{
		cfg:     cfg,
		log:     log.With(slog.String("component", "mock-engine")),
		streams: make(map[string]StreamConfig),
	}
}

func (m *mockEngine) Available() bool { return true }

func (m *mockEngine) StartStream(_ context.Context, sessionID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[sessionID]; ok {
		m.log.Warn("stream already exists", slog.String("session_id", sessionID))
		return nil
	}
	m.streams[sessionID] = m.streamConfig(language)
	return nil
}

func (m *mockEngine) SubmitAudio(_ context.Context, sessionID string, pcm []byte) (Result, error) {
	m.mu.Lock()
	sc, ok := m.streams[sessionID]
	if ok {
		// Stateless across calls: the descriptor is rebuilt per submission.
		sc = m.streamConfig(sc.Language)
		m.streams[sessionID] = sc
	}
	m.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: session %s", ErrStreamNotFound, sessionID)
	}

	text := fmt.Sprintf("[transcript length=%d]", len(pcm))
	return Result{
		Text:       text,
		Confidence: 1,
		IsFinal:    true,
		Words: []WordInfo{
			{Word: text, Confidence: 1, StartTime: 0, EndTime: float64(len(pcm)/2) / float64(sc.SampleRate)},
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (m *mockEngine) StopStream(_ context.Context, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[sessionID]; !ok {
		return false
	}
	delete(m.streams, sessionID)
	return true
}

func (m *mockEngine) ActiveStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockEngine) streamConfig(language string) StreamConfig {
	if language == "" {
		language = m.cfg.Language
	}
	return StreamConfig{
		Encoding:              "LINEAR16",
		SampleRate:            m.cfg.SampleRate,
		Channels:              m.cfg.Channels,
		Language:              language,
		EnableWordTimeOffsets: true,
		EnableWordConfidence:  m.cfg.EnableWordConfidence,
		EnableAutoPunctuation: m.cfg.EnableAutoPunctuation,
	}
}
