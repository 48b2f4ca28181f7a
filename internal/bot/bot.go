// Package bot runs one voice-bot worker per session.
//
// A worker is driven by transport events delivered over a channel. The first
// Connected event opens an LLM conversation, issues the greeting turn and
// starts pumping audio; Disconnected (or any failure) tears the worker down.
// All goroutines of a worker share one errgroup scope, so the conversation is
// closed only after every goroutine has returned.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Event int

const (
	Connected Event = iota + 1
	Disconnected
)

func (e Event) String() string {
	switch e {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Media is the audio path between the browser and the worker.
type Media interface {
	// ReadAudio returns the next Opus packet from the browser.
	ReadAudio(ctx context.Context) ([]byte, error)
	// WriteAudio sends one Opus packet covering d of audio.
	WriteAudio(packet []byte, d time.Duration) error
}

// Agent opens conversations with the LLM backend.
type Agent interface {
	Connect(ctx context.Context, sessionID string, requestData json.RawMessage) (Conversation, error)
}

type Conversation interface {
	// Greet sends the initial conversational turn.
	Greet(ctx context.Context) error
	// Run pumps audio in both directions until ctx is done or the
	// conversation ends.
	Run(ctx context.Context, media Media) error
	Close() error
}

var (
	errDisconnected      = errors.New("client disconnected")
	errConversationEnded = errors.New("conversation ended")
)

// PanicError wraps a value recovered from a worker goroutine.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("bot worker panic: %v", e.Value)
}
