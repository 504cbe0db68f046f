package engine

import "context"

// disabledEngine stands in when no recognition backend is configured. The
// coordinator checks Available and degrades audio submissions to synthetic
// empty results instead of calling it.
type disabledEngine struct{}

func NewDisabledEngine() Engine {
	return disabledEngine{}
}

func (disabledEngine) Available() bool { return false }

func (disabledEngine) StartStream(context.Context, string, string) error {
	return ErrUnavailable
}

func (disabledEngine) SubmitAudio(context.Context, string, []byte) (Result, error) {
	return Result{}, ErrUnavailable
}

func (disabledEngine) StopStream(context.Context, string) bool { return false }

func (disabledEngine) ActiveStreams() []string { return nil }
