package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/session"
)

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: %q", session.ErrInvalidSessionID, "nope"), protocol.CodeInvalidSessionID},
		{fmt.Errorf("%w: abc", session.ErrAlreadyActive), protocol.CodeAlreadyActive},
		{fmt.Errorf("%w: abc", session.ErrNotFound), protocol.CodeNotFound},
		{fmt.Errorf("%w: bad payload", audio.ErrDecode), protocol.CodeBadAudio},
		{fmt.Errorf("%w: empty", audio.ErrValidation), protocol.CodeBadAudio},
		{errors.New("disk on fire"), protocol.CodeInternal},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.code {
			t.Fatalf("errorCode(%v) = %q, want %q", tc.err, got, tc.code)
		}
	}
}
