package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/engine"
	"github.com/scribelabs/scribe-core/internal/registry"
	"github.com/scribelabs/scribe-core/internal/store"
)

const (
	testSessionID  = "6fa459ea-ee8a-3ca4-894e-db77e160355e"
	otherSessionID = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

// fakeEngine replays scripted results and records stream lifecycle calls.
type fakeEngine struct {
	available   bool
	startErr    error
	results     []engine.Result
	submitErr   error
	streams     map[string]bool
	stopped     []string
	submissions int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{available: true, streams: make(map[string]bool)}
}

func (f *fakeEngine) Available() bool { return f.available }

func (f *fakeEngine) StartStream(_ context.Context, sessionID, _ string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.streams[sessionID] = true
	return nil
}

func (f *fakeEngine) SubmitAudio(_ context.Context, sessionID string, _ []byte) (engine.Result, error) {
	f.submissions++
	if f.submitErr != nil {
		return engine.Result{}, f.submitErr
	}
	if !f.streams[sessionID] {
		return engine.Result{}, engine.ErrStreamNotFound
	}
	if len(f.results) == 0 {
		return engine.Result{IsFinal: false, Timestamp: time.Now().UTC()}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeEngine) StopStream(_ context.Context, sessionID string) bool {
	f.stopped = append(f.stopped, sessionID)
	if !f.streams[sessionID] {
		return false
	}
	delete(f.streams, sessionID)
	return true
}

func (f *fakeEngine) ActiveStreams() []string {
	ids := make([]string, 0, len(f.streams))
	for id := range f.streams {
		ids = append(ids, id)
	}
	return ids
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "sessions.db")}
	s, err := store.Open(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCoordinator(t *testing.T, eng engine.Engine) (*Coordinator, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default()
	c := NewCoordinator(cfg.Session, cfg.STT, s, eng, registry.New(), log)
	return c, s
}

func pcm(n int) []byte { return make([]byte, n) }

func TestStartSession(t *testing.T) {
	eng := newFakeEngine()
	c, s := newCoordinator(t, eng)

	summary, err := c.Start(context.Background(), testSessionID, map[string]any{"language": "sv-SE"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if summary.Status != "started" || summary.Language != "sv-SE" || !summary.EngineAvailable {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", c.ActiveCount())
	}
	if !eng.streams[testSessionID] {
		t.Fatal("expected engine stream started")
	}

	sess, err := s.GetSession(context.Background(), testSessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess == nil || sess.Status != store.StatusActive {
		t.Fatalf("expected active session row, got %+v", sess)
	}
	if sess.Language != "sv-SE" {
		t.Fatalf("unexpected language: %s", sess.Language)
	}
}

func TestStartRejectsMalformedID(t *testing.T) {
	eng := newFakeEngine()
	c, s := newCoordinator(t, eng)

	_, err := c.Start(context.Background(), "not-a-uuid", nil)
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
	if c.ActiveCount() != 0 {
		t.Fatal("expected no registry entry")
	}
	sess, _ := s.GetSession(context.Background(), "not-a-uuid")
	if sess != nil {
		t.Fatal("expected no session row")
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)

	if _, err := c.Start(context.Background(), testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := c.Start(context.Background(), testSessionID, nil)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("expected existing session untouched, got %d active", c.ActiveCount())
	}
}

func TestStartStreamFailureRollsBack(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = errors.New("backend exploded")
	c, s := newCoordinator(t, eng)

	_, err := c.Start(context.Background(), testSessionID, nil)
	if err == nil {
		t.Fatal("expected stream start failure to propagate")
	}
	if c.ActiveCount() != 0 {
		t.Fatal("expected no registry entry after stream failure")
	}
	// The committed row is abandoned with status error, not left active.
	sess, getErr := s.GetSession(context.Background(), testSessionID)
	if getErr != nil {
		t.Fatalf("get session: %v", getErr)
	}
	if sess == nil || sess.Status != store.StatusError {
		t.Fatalf("expected abandoned row with error status, got %+v", sess)
	}
}

func TestSubmitAudioValidation(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := c.SubmitPCM(ctx, testSessionID, nil, 0); !errors.Is(err, audio.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty audio, got %v", err)
	}
	if _, err := c.SubmitPCM(ctx, testSessionID, pcm(101), 0); !errors.Is(err, audio.ErrValidation) {
		t.Fatalf("expected ErrValidation for odd length, got %v", err)
	}
	if eng.submissions != 0 {
		t.Fatal("invalid audio must not reach the engine")
	}
}

func TestSubmitAudioUnknownSession(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)

	_, err := c.SubmitPCM(context.Background(), testSessionID, pcm(3200), 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitAudioBase64(t *testing.T) {
	eng := newFakeEngine()
	eng.results = []engine.Result{{Text: "hello", Confidence: 0.9, IsFinal: true, Timestamp: time.Now().UTC()}}
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := c.SubmitAudio(ctx, testSessionID, "!!!", 0); !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	result, err := c.SubmitAudio(ctx, testSessionID, audio.EncodeBase64(pcm(3200)), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Text != "hello" || !result.IsFinal {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitAudioEngineUnavailable(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.available = false

	result, err := c.SubmitPCM(ctx, testSessionID, pcm(3200), 0)
	if err != nil {
		t.Fatalf("degraded submission must not error: %v", err)
	}
	if result.IsFinal || result.Text != "" || result.Err == "" {
		t.Fatalf("expected synthetic degraded result, got %+v", result)
	}
}

func TestSubmitAudioEngineFailureDowngraded(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.submitErr = engine.ErrStreamNotFound

	result, err := c.SubmitPCM(ctx, testSessionID, pcm(3200), 0)
	if err != nil {
		t.Fatalf("engine failure must not error: %v", err)
	}
	if result.Err == "" || result.IsFinal {
		t.Fatalf("expected error-carrying non-final result, got %+v", result)
	}
}

func TestFinalTranscriptsPersistInOrder(t *testing.T) {
	eng := newFakeEngine()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.results = []engine.Result{
		{Text: "first utterance", Confidence: 0.91, IsFinal: true,
			Words:     []engine.WordInfo{{Word: "first", Confidence: 0.9, StartTime: 0, EndTime: 0.4}},
			Timestamp: base},
		{Text: "provisional", Confidence: 0.5, IsFinal: false, Timestamp: base.Add(time.Second)},
		{Text: "", Confidence: 0, IsFinal: true, Timestamp: base.Add(2 * time.Second)},
		{Text: "second utterance", Confidence: 0.87, IsFinal: true, Timestamp: base.Add(3 * time.Second)},
	}
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := c.SubmitPCM(ctx, testSessionID, pcm(3200), 0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	transcripts, err := c.Transcripts(ctx, testSessionID)
	if err != nil {
		t.Fatalf("transcripts: %v", err)
	}
	// Interim and empty-final results never persist.
	if len(transcripts) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(transcripts))
	}
	if transcripts[0].Text != "first utterance" || transcripts[1].Text != "second utterance" {
		t.Fatalf("unexpected order: %q, %q", transcripts[0].Text, transcripts[1].Text)
	}
	if transcripts[0].Confidence != 0.91 {
		t.Fatalf("unexpected confidence: %f", transcripts[0].Confidence)
	}
	if len(transcripts[0].Words) != 1 || transcripts[0].Words[0].Word != "first" {
		t.Fatalf("unexpected words: %v", transcripts[0].Words)
	}
}

func TestStopSession(t *testing.T) {
	eng := newFakeEngine()
	eng.results = []engine.Result{{Text: "only transcript", Confidence: 0.9, IsFinal: true, Timestamp: time.Now().UTC()}}
	c, s := newCoordinator(t, eng)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return start }

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SubmitPCM(ctx, testSessionID, pcm(3200), 0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.clock = func() time.Time { return start.Add(90 * time.Second) }
	summary, err := c.Stop(ctx, testSessionID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if summary.Status != "stopped" || summary.TranscriptCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %f", summary.DurationSeconds)
	}
	if c.ActiveCount() != 0 {
		t.Fatal("expected registry cleared")
	}
	if len(eng.stopped) != 1 || eng.stopped[0] != testSessionID {
		t.Fatalf("expected engine stream stopped, got %v", eng.stopped)
	}

	sess, err := s.GetSession(ctx, testSessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.StatusStopped || sess.EndedAt == nil {
		t.Fatalf("unexpected session row: %+v", sess)
	}

	// Second stop observes the absent session.
	if _, err := c.Stop(ctx, testSessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	eng := newFakeEngine()
	c, s := newCoordinator(t, eng)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return start }

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Start(ctx, otherSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Keep the second session busy past the first one's idle window.
	c.clock = func() time.Time { return start.Add(30 * time.Minute) }
	if _, err := c.SubmitPCM(ctx, otherSessionID, pcm(3200), 0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 59 minutes after last activity: nothing expires.
	c.clock = func() time.Time { return start.Add(59 * time.Minute) }
	c.SweepExpired(ctx)
	if c.ActiveCount() != 2 {
		t.Fatalf("expected both sessions active at 59min, got %d", c.ActiveCount())
	}

	// 61 minutes: only the idle session expires.
	c.clock = func() time.Time { return start.Add(61 * time.Minute) }
	c.SweepExpired(ctx)
	if c.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session after sweep, got %d", c.ActiveCount())
	}
	for _, id := range c.ActiveIDs() {
		if id == testSessionID {
			t.Fatal("expected idle session removed from registry")
		}
	}

	sess, err := s.GetSession(ctx, testSessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.StatusTimeout || sess.EndedAt == nil {
		t.Fatalf("expected timeout status, got %+v", sess)
	}
}

func TestShutdownStopsStreams(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newCoordinator(t, eng)
	ctx := context.Background()

	if _, err := c.Start(ctx, testSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Start(ctx, otherSessionID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	c.Shutdown(ctx)
	if len(eng.streams) != 0 {
		t.Fatalf("expected all streams stopped, got %v", eng.ActiveStreams())
	}
}
