// Package audio converts between the browser's Opus stream and the raw PCM
// the LLM speaks.
//
// Opus support needs libopus and is compiled in with `-tags opus`. Without
// the tag NewCodec returns ErrCodecUnavailable and the bot runs text-only.
package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// InputSampleRate is the rate of PCM sent to the LLM.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of PCM produced by the LLM.
	OutputSampleRate = 24000
	FrameDuration    = 20 * time.Millisecond

	InputMIMEType = "audio/pcm;rate=16000"
)

var ErrCodecUnavailable = errors.New("opus codec not compiled in (build with -tags opus)")

type Codec interface {
	// Decode turns one Opus packet into mono PCM at InputSampleRate.
	Decode(packet []byte) ([]int16, error)
	// Encode buffers mono PCM at OutputSampleRate and returns every complete
	// FrameDuration Opus packet.
	Encode(pcm []int16) ([][]byte, error)
	// Reset drops buffered PCM, e.g. when the model is interrupted.
	Reset()
}

// PCMToBytes encodes samples as 16-bit little-endian.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM decodes 16-bit little-endian samples. A trailing odd byte is
// ignored.
func BytesToPCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// samplesPerFrame is the number of mono samples in one frame at rate.
func samplesPerFrame(rate int) int {
	return rate * int(FrameDuration/time.Millisecond) / 1000
}
