//go:build opus

package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxPacketSamples covers the longest Opus packet (120ms) at InputSampleRate.
const maxPacketSamples = InputSampleRate * 120 / 1000

type opusCodec struct {
	dec *opus.Decoder
	enc *opus.Encoder

	pending []int16
	pcmBuf  []int16
	outBuf  []byte
}

func NewCodec() (Codec, error) {
	// libopus resamples internally, so the browser's 48kHz stream decodes
	// straight to the LLM input rate.
	dec, err := opus.NewDecoder(InputSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	enc, err := opus.NewEncoder(OutputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &opusCodec{
		dec:    dec,
		enc:    enc,
		pcmBuf: make([]int16, maxPacketSamples),
		outBuf: make([]byte, 4000),
	}, nil
}

func (c *opusCodec) Decode(packet []byte) ([]int16, error) {
	n, err := c.dec.Decode(packet, c.pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return append([]int16(nil), c.pcmBuf[:n]...), nil
}

func (c *opusCodec) Encode(pcm []int16) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	frame := samplesPerFrame(OutputSampleRate)

	var out [][]byte
	for len(c.pending) >= frame {
		n, err := c.enc.Encode(c.pending[:frame], c.outBuf)
		if err != nil {
			return out, fmt.Errorf("opus encode: %w", err)
		}
		out = append(out, append([]byte(nil), c.outBuf[:n]...))
		c.pending = c.pending[frame:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return out, nil
}

func (c *opusCodec) Reset() {
	c.pending = nil
}
