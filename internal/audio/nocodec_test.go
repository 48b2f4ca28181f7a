//go:build !opus

package audio

import (
	"errors"
	"testing"
)

func TestNewCodecUnavailable(t *testing.T) {
	c, err := NewCodec()
	if !errors.Is(err, ErrCodecUnavailable) || c != nil {
		t.Fatalf("NewCodec()=(%v, %v), want (nil, %v)", c, err, ErrCodecUnavailable)
	}
}
