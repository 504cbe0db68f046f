// Package audio decodes, validates, and windows raw PCM audio on its way
// to the recognition engine.
//
// Validation here is deliberately shallow: size and PCM16 parity checks
// only. Clients are trusted to send PCM16 mono at the configured sample
// rate; format sniffing is a known limitation of this layer.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode reports malformed transport-encoded audio.
var ErrDecode = errors.New("audio decode failed")

// ErrValidation reports audio that fails size or format checks.
var ErrValidation = errors.New("audio validation failed")

// DecodeBase64 decodes transport-encoded audio into raw bytes.
func DecodeBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// EncodeBase64 encodes raw audio bytes for transports without binary framing.
func EncodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Validate checks raw PCM16 audio for emptiness, oversize, and sample parity.
func Validate(raw []byte, maxSize int) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if maxSize > 0 && len(raw) > maxSize {
		return fmt.Errorf("%w: payload is %d bytes (max %d)", ErrValidation, len(raw), maxSize)
	}
	// PCM16 uses 2 bytes per sample.
	if len(raw)%2 != 0 {
		return fmt.Errorf("%w: odd byte length %d is not valid PCM16", ErrValidation, len(raw))
	}
	return nil
}

// Chunk splits raw PCM into fixed-duration windows. The final chunk may be
// shorter than the nominal window. Chunks alias the input slice.
func Chunk(raw []byte, chunkMS, sampleRate, bitsPerSample, channels int) [][]byte {
	frameBytes := (bitsPerSample / 8) * channels
	if frameBytes <= 0 || chunkMS <= 0 || sampleRate <= 0 {
		return nil
	}
	chunkBytes := sampleRate * chunkMS / 1000 * frameBytes
	if chunkBytes <= 0 {
		return nil
	}

	var chunks [][]byte
	for off := 0; off < len(raw); off += chunkBytes {
		end := off + chunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[off:end])
	}
	return chunks
}

// Duration reports the playback length of raw PCM in seconds. Partial
// trailing frames are truncated.
func Duration(raw []byte, sampleRate, bitsPerSample, channels int) float64 {
	frameBytes := (bitsPerSample / 8) * channels
	if frameBytes <= 0 || sampleRate <= 0 {
		return 0
	}
	frames := len(raw) / frameBytes
	return float64(frames) / float64(sampleRate)
}
