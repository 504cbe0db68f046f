package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeBase64RoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04}
	decoded, err := DecodeBase64(EncodeBase64(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("round trip mismatch: %v", decoded)
	}
}

func TestDecodeBase64Malformed(t *testing.T) {
	_, err := DecodeBase64("not!!base64@@")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		raw     []byte
		maxSize int
		wantErr bool
	}{
		{"valid", make([]byte, 3200), 10485760, false},
		{"empty", nil, 10485760, true},
		{"oversized", make([]byte, 64), 32, true},
		{"odd length", make([]byte, 101), 10485760, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.raw, tc.maxSize)
			if tc.wantErr && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestChunkExactWindow(t *testing.T) {
	// 1 second of 16kHz 16-bit mono is 32000 bytes.
	raw := make([]byte, 32000)
	chunks := Chunk(raw, 1000, 16000, 16, 1)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != 32000 {
		t.Fatalf("expected 32000-byte chunk, got %d", len(chunks[0]))
	}
}

func TestChunkShortTail(t *testing.T) {
	raw := make([]byte, 48000)
	chunks := Chunk(raw, 1000, 16000, 16, 1)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 32000 || len(chunks[1]) != 16000 {
		t.Fatalf("unexpected chunk sizes: %d, %d", len(chunks[0]), len(chunks[1]))
	}
}

func TestChunkEmptyInput(t *testing.T) {
	if chunks := Chunk(nil, 1000, 16000, 16, 1); chunks != nil {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestDuration(t *testing.T) {
	raw := make([]byte, 32000)
	if d := Duration(raw, 16000, 16, 1); d != 1.0 {
		t.Fatalf("expected 1.0s, got %f", d)
	}
	// Partial trailing frame is truncated.
	raw = make([]byte, 32001)
	if d := Duration(raw, 16000, 16, 1); d != 1.0 {
		t.Fatalf("expected 1.0s with truncated frame, got %f", d)
	}
	if d := Duration(nil, 16000, 16, 1); d != 0 {
		t.Fatalf("expected 0s for empty audio, got %f", d)
	}
}
