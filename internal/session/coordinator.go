// Package session coordinates transcription session lifecycles: start and
// stop, audio submission, transcript persistence, and idle-timeout sweeps.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/engine"
	"github.com/scribelabs/scribe-core/internal/registry"
	"github.com/scribelabs/scribe-core/internal/store"
)

// ErrInvalidSessionID means the supplied id is not a UUID.
var ErrInvalidSessionID = errors.New("session id must be a UUID")

// ErrAlreadyActive means a session with the same id is currently running.
var ErrAlreadyActive = errors.New("session already active")

// ErrNotFound means no active session exists for the id.
var ErrNotFound = errors.New("no active session")

// StartSummary is the reply for a successful session start.
type StartSummary struct {
	Status          string `json:"status"`
	SessionID       string `json:"session_id"`
	Language        string `json:"language"`
	EngineAvailable bool   `json:"engine_available"`
}

// StopSummary is the reply for a successful session stop.
type StopSummary struct {
	Status          string  `json:"status"`
	SessionID       string  `json:"session_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	TranscriptCount int     `json:"transcript_count"`
}

// Coordinator owns the session state machine. Operations on one session id
// are serialized through a keyed lock; unrelated sessions proceed in
// parallel. The registry lock is never held across repository or engine
// calls.
type Coordinator struct {
	cfg        config.SessionConfig
	repo       store.Repository
	eng        engine.Engine
	reg        *registry.Registry
	log        *slog.Logger
	clock      func() time.Time
	timeout    time.Duration
	language   string
	sampleRate int
	channels   int

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	meter            metric.Meter
	transcriptsSaved metric.Int64Counter
	sessionsExpired  metric.Int64Counter
}

func NewCoordinator(cfg config.SessionConfig, sttCfg config.STTConfig, repo store.Repository, eng engine.Engine, reg *registry.Registry, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		repo:       repo,
		eng:        eng,
		reg:        reg,
		log:        log.With(slog.String("component", "session-coordinator")),
		clock:      time.Now,
		timeout:    time.Duration(cfg.TimeoutMinutes) * time.Minute,
		language:   sttCfg.Language,
		sampleRate: sttCfg.SampleRate,
		channels:   sttCfg.Channels,
		locks:      make(map[string]*sync.Mutex),
		meter:      otel.Meter("github.com/scribelabs/scribe-core/session"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

func (c *Coordinator) initMetrics() error {
	gauge, err := c.meter.Int64ObservableGauge("scribe.sessions.active", metric.WithDescription("Number of active transcription sessions"))
	if err != nil {
		return err
	}
	saved, err := c.meter.Int64Counter("scribe.transcripts.saved", metric.WithDescription("Finalized transcripts persisted"))
	if err != nil {
		return err
	}
	expired, err := c.meter.Int64Counter("scribe.sessions.expired", metric.WithDescription("Sessions closed by the idle sweep"))
	if err != nil {
		return err
	}
	c.transcriptsSaved = saved
	c.sessionsExpired = expired
	_, err = c.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(c.reg.Count()))
		return nil
	}, gauge)
	return err
}

// sessionLock returns the serialization lock for one session id.
func (c *Coordinator) sessionLock(sessionID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}

func (c *Coordinator) dropLock(sessionID string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	delete(c.locks, sessionID)
}

// Start validates the id, persists the session record, starts an engine
// stream when one is available, and registers the in-memory state.
//
// The durable row is written before the engine stream starts. If the stream
// fails to start, a compensating end with status error is attempted for the
// already-committed row and the failure propagates; no registry entry is
// made.
func (c *Coordinator) Start(ctx context.Context, sessionID string, cfg map[string]any) (StartSummary, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return StartSummary{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if c.reg.Get(sessionID) != nil {
		return StartSummary{}, fmt.Errorf("%w: %s", ErrAlreadyActive, sessionID)
	}

	language := c.language
	if v, ok := cfg["language"].(string); ok && v != "" {
		language = v
	}

	now := c.clock().UTC()
	if err := c.repo.CreateSession(ctx, sessionID, now, language, cfg); err != nil {
		return StartSummary{}, fmt.Errorf("persist session start: %w", err)
	}

	if c.eng.Available() {
		if err := c.eng.StartStream(ctx, sessionID, language); err != nil {
			// Compensate for the committed row so it cannot linger active.
			if endErr := c.repo.EndSession(ctx, sessionID, c.clock().UTC(), store.StatusError); endErr != nil {
				c.log.Error("failed to abandon session after stream start failure",
					slog.String("session_id", sessionID), slog.String("error", endErr.Error()))
			}
			return StartSummary{}, fmt.Errorf("start recognition stream: %w", err)
		}
	} else {
		c.log.Warn("recognition engine not available", slog.String("session_id", sessionID))
	}

	c.reg.Put(&registry.State{
		SessionID:    sessionID,
		StartedAt:    now,
		LastActivity: now,
		Language:     language,
		Config:       cfg,
	})

	c.log.Info("session started",
		slog.String("session_id", sessionID),
		slog.String("language", language),
		slog.Bool("engine_available", c.eng.Available()))

	return StartSummary{
		Status:          "started",
		SessionID:       sessionID,
		Language:        language,
		EngineAvailable: c.eng.Available(),
	}, nil
}

// SubmitAudio decodes a base64 payload and processes it. Transports with
// binary framing use SubmitPCM directly.
func (c *Coordinator) SubmitAudio(ctx context.Context, sessionID, audioBase64 string, clientTS float64) (engine.Result, error) {
	raw, err := audio.DecodeBase64(audioBase64)
	if err != nil {
		return engine.Result{}, err
	}
	return c.SubmitPCM(ctx, sessionID, raw, clientTS)
}

// SubmitPCM routes one audio chunk through validation and the recognition
// engine, refreshing the session's activity clock. Final non-empty results
// are persisted; a persistence failure there is logged, not surfaced, so a
// lost write cannot fail an otherwise-successful submission.
//
// Engine-side failures never surface as errors here: the caller receives a
// synthetic non-final empty result carrying the error string, keeping the
// audio flow to a well-defined response shape under degraded conditions.
func (c *Coordinator) SubmitPCM(ctx context.Context, sessionID string, pcm []byte, _ float64) (engine.Result, error) {
	if err := audio.Validate(pcm, c.cfg.MaxAudioBytes); err != nil {
		return engine.Result{}, err
	}

	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if c.reg.Get(sessionID) == nil {
		return engine.Result{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	c.reg.Touch(sessionID, c.clock().UTC())
	c.log.Debug("audio received",
		slog.String("session_id", sessionID),
		slog.Int("bytes", len(pcm)),
		slog.Float64("seconds", audio.Duration(pcm, c.sampleRate, 16, c.channels)))

	if !c.eng.Available() {
		return degradedResult(c.clock(), "recognition engine not available"), nil
	}

	result, err := c.eng.SubmitAudio(ctx, sessionID, pcm)
	if err != nil {
		c.log.Warn("recognition failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return degradedResult(c.clock(), err.Error()), nil
	}

	if result.IsFinal && result.Text != "" {
		c.saveTranscript(ctx, sessionID, result)
	}
	return result, nil
}

func (c *Coordinator) saveTranscript(ctx context.Context, sessionID string, result engine.Result) {
	transcript := store.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Confidence: result.Confidence,
		IsFinal:    result.IsFinal,
		Words:      result.Words,
		Timestamp:  result.Timestamp,
	}
	if err := c.repo.SaveTranscript(ctx, transcript); err != nil {
		c.log.Error("failed to save transcript",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	if c.transcriptsSaved != nil {
		c.transcriptsSaved.Add(ctx, 1)
	}
	c.log.Debug("saved transcript",
		slog.String("session_id", sessionID), slog.Int("chars", len(result.Text)))
}

// Stop finalizes the session record, stops the engine stream, and removes
// the in-memory state. The returned summary carries the session duration
// and stored transcript count.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) (StopSummary, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state := c.reg.Get(sessionID)
	if state == nil {
		return StopSummary{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	endedAt := c.clock().UTC()
	if err := c.repo.EndSession(ctx, sessionID, endedAt, store.StatusStopped); err != nil {
		return StopSummary{}, fmt.Errorf("persist session stop: %w", err)
	}

	c.eng.StopStream(ctx, sessionID)
	c.reg.Remove(sessionID)
	c.dropLock(sessionID)

	count, err := c.repo.CountTranscripts(ctx, sessionID)
	if err != nil {
		c.log.Warn("failed to count transcripts",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	duration := endedAt.Sub(state.StartedAt).Seconds()
	c.log.Info("session stopped",
		slog.String("session_id", sessionID),
		slog.Float64("duration_seconds", duration),
		slog.Int("transcript_count", count))

	return StopSummary{
		Status:          "stopped",
		SessionID:       sessionID,
		DurationSeconds: duration,
		TranscriptCount: count,
	}, nil
}

// SweepExpired closes every session idle longer than the configured
// timeout. Per-session cleanup failures are logged and do not abort the
// rest of the sweep. A sweep racing a concurrent Stop loses gracefully:
// whichever takes the session lock first wins and the other sees the
// registry miss.
func (c *Coordinator) SweepExpired(ctx context.Context) {
	now := c.clock().UTC()
	expired := c.reg.ExpiredBefore(now.Add(-c.timeout))
	if len(expired) == 0 {
		return
	}

	var cleaned int
	for _, sessionID := range expired {
		if c.expireSession(ctx, sessionID) {
			cleaned++
		}
	}
	if cleaned > 0 {
		if c.sessionsExpired != nil {
			c.sessionsExpired.Add(ctx, int64(cleaned))
		}
		c.log.Info("cleaned up expired sessions", slog.Int("count", cleaned))
	}
}

func (c *Coordinator) expireSession(ctx context.Context, sessionID string) bool {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state := c.reg.Get(sessionID)
	if state == nil {
		// Stopped concurrently; nothing to do.
		return false
	}
	// Re-check under the lock: activity may have arrived since the scan.
	if c.clock().UTC().Sub(state.LastActivity) <= c.timeout {
		return false
	}

	c.log.Warn("session expired", slog.String("session_id", sessionID))
	if err := c.repo.EndSession(ctx, sessionID, c.clock().UTC(), store.StatusTimeout); err != nil {
		c.log.Error("failed to mark session timeout",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return false
	}
	c.eng.StopStream(ctx, sessionID)
	c.reg.Remove(sessionID)
	c.dropLock(sessionID)
	return true
}

// Shutdown stops all engine streams best-effort. Buffered but unrecognized
// audio is not flushed.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, sessionID := range c.reg.IDs() {
		c.eng.StopStream(ctx, sessionID)
	}
}

// Session fetches the durable session record.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	return c.repo.GetSession(ctx, sessionID)
}

// Transcripts lists stored transcripts for a session, oldest first.
func (c *Coordinator) Transcripts(ctx context.Context, sessionID string) ([]store.Transcript, error) {
	return c.repo.ListTranscripts(ctx, sessionID)
}

// ActiveCount reports the number of active sessions.
func (c *Coordinator) ActiveCount() int {
	return c.reg.Count()
}

// ActiveIDs lists the active session ids.
func (c *Coordinator) ActiveIDs() []string {
	return c.reg.IDs()
}

func degradedResult(now time.Time, msg string) engine.Result {
	return engine.Result{
		Text:       "",
		Confidence: 0,
		IsFinal:    false,
		Timestamp:  now.UTC(),
		Err:        msg,
	}
}
