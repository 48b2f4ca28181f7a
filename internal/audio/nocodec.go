//go:build !opus

package audio

func NewCodec() (Codec, error) {
	return nil, ErrCodecUnavailable
}
