// Package transport exposes the session coordinator over the NATS bus.
// Requests arrive as JSON, replies go back on the request's reply subject,
// and recognizer output is additionally broadcast on transcript subjects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/session"
)

const handlerTimeout = 30 * time.Second

type Service struct {
	bus    *bus.Client
	coord  *session.Coordinator
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, coord *session.Coordinator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		coord:  coord,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "transport")),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectSessionStart: s.handleStart,
		protocol.SubjectSessionStop:  s.handleStop,
		protocol.SubjectSessionAudio: s.handleAudio,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 3
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode start request", slogError(err))
		s.respondError(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
		defer cancel()

		summary, err := s.coord.Start(ctx, req.SessionID, req.Config)
		if err != nil {
			s.respondError(msg, err)
			return
		}
		s.respond(msg, summary)
	}()
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stop request", slogError(err))
		s.respondError(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
		defer cancel()

		summary, err := s.coord.Stop(ctx, req.SessionID)
		if err != nil {
			s.respondError(msg, err)
			return
		}
		s.respond(msg, summary)
	}()
}

func (s *Service) handleAudio(msg *nats.Msg) {
	var req protocol.AudioSubmission
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode audio submission", slogError(err))
		s.respondError(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
		defer cancel()

		result, err := s.coord.SubmitAudio(ctx, req.SessionID, req.Audio, req.Timestamp)
		if err != nil {
			s.respondError(msg, err)
			return
		}
		transcript := protocol.TranscriptMessage{
			SessionID:  req.SessionID,
			Text:       result.Text,
			Partial:    !result.IsFinal,
			Confidence: result.Confidence,
			Timestamp:  result.Timestamp,
			Error:      result.Err,
		}
		s.respond(msg, transcript)
		s.publishTranscript(transcript)
	}()
}

func (s *Service) publishTranscript(transcript protocol.TranscriptMessage) {
	if transcript.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if !transcript.Partial {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func (s *Service) respondError(msg *nats.Msg, err error) {
	s.respond(msg, protocol.ErrorReply{Error: err.Error(), Code: errorCode(err)})
}

// errorCode maps coordinator faults to protocol rejection codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return protocol.CodeInvalidSessionID
	case errors.Is(err, session.ErrAlreadyActive):
		return protocol.CodeAlreadyActive
	case errors.Is(err, session.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, audio.ErrDecode), errors.Is(err, audio.ErrValidation):
		return protocol.CodeBadAudio
	default:
		return protocol.CodeInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
