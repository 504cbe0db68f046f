package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/scribelabs/scribe-core/internal/config"
)

// execEngine shells out to an external recognizer per submission. The
// command receives a WAV file and prints a JSON result on stdout:
//
//	{"text": "...", "confidence": 0.92, "words": [{"word": "...", ...}]}
type execEngine struct {
	cmd     []string
	cfg     config.STTConfig
	log     *slog.Logger
	mu      sync.Mutex
	streams map[string]StreamConfig
}

type execResult struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Words      []WordInfo `json:"words"`
}

func NewExecEngine(cfg config.STTConfig, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse stt command: %v", ErrInit, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: stt command is empty", ErrInit)
	}
	return &execEngine{
		cmd:     args,
		cfg:     cfg,
		log:     log.With(slog.String("component", "exec-engine")),
		streams: make(map[string]StreamConfig),
	}, nil
}

func (e *execEngine) Available() bool { return len(e.cmd) > 0 }

func (e *execEngine) StartStream(_ context.Context, sessionID, language string) error {
	if !e.Available() {
		return ErrUnavailable
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.streams[sessionID]; ok {
		e.log.Warn("stream already exists", slog.String("session_id", sessionID))
		return nil
	}
	e.streams[sessionID] = e.streamConfig(language)
	e.log.Info("started recognition stream", slog.String("session_id", sessionID))
	return nil
}

func (e *execEngine) SubmitAudio(ctx context.Context, sessionID string, pcm []byte) (Result, error) {
	e.mu.Lock()
	sc, ok := e.streams[sessionID]
	if ok {
		sc = e.streamConfig(sc.Language)
		e.streams[sessionID] = sc
	}
	e.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: session %s", ErrStreamNotFound, sessionID)
	}

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sc.SampleRate, sc.Channels); err != nil {
		return Result{}, err
	}

	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if sc.Language != "" {
		cmdArgs = append(cmdArgs, "--language", sc.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		IsFinal:    true,
		Words:      resp.Words,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (e *execEngine) StopStream(_ context.Context, sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.streams[sessionID]; !ok {
		return false
	}
	delete(e.streams, sessionID)
	e.log.Info("stopped recognition stream", slog.String("session_id", sessionID))
	return true
}

func (e *execEngine) ActiveStreams() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	return ids
}

func (e *execEngine) streamConfig(language string) StreamConfig {
	if language == "" {
		language = e.cfg.Language
	}
	return StreamConfig{
		Encoding:              "LINEAR16",
		SampleRate:            e.cfg.SampleRate,
		Channels:              e.cfg.Channels,
		Language:              language,
		EnableWordTimeOffsets: true,
		EnableWordConfidence:  e.cfg.EnableWordConfidence,
		EnableAutoPunctuation: e.cfg.EnableAutoPunctuation,
	}
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
