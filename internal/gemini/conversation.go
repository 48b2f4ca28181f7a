package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/bot"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/tools"
)

// outputQueueFrames holds one minute of encoded model speech.
const outputQueueFrames = int(time.Minute / audio.FrameDuration)

var errSessionEnded = errors.New("live session ended by server")

type conversation struct {
	id      string
	sess    *genai.Session
	codec   audio.Codec
	tools   *tools.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics

	// genai.Session writes are not safe for concurrent use.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	// Owned by the receive loop.
	userText strings.Builder
	botText  strings.Builder
}

var _ bot.Conversation = (*conversation)(nil)

func newConversation(id string, sess *genai.Session, codec audio.Codec, reg *tools.Registry, logger *slog.Logger, m *metrics.Metrics) *conversation {
	return &conversation{
		id:      id,
		sess:    sess,
		codec:   codec,
		tools:   reg,
		logger:  logger,
		metrics: m,
	}
}

func (c *conversation) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

func (c *conversation) Greet(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.write(func() error {
		return c.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(GreetingPrompt, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
	if err != nil {
		return fmt.Errorf("gemini: send greeting: %w", err)
	}
	return nil
}

// Run returns nil when ctx is cancelled or the server ends the session
// cleanly.
func (c *conversation) Run(ctx context.Context, media bot.Media) error {
	g, gctx := errgroup.WithContext(ctx)
	// Receive has no context of its own.
	stop := context.AfterFunc(gctx, c.closeSession)
	defer stop()

	var out chan []byte
	if c.codec != nil {
		out = make(chan []byte, outputQueueFrames)
		g.Go(func() error { return c.pumpMic(gctx, media) })
		g.Go(func() error { return c.pumpSpeaker(gctx, media, out) })
	}
	g.Go(func() error { return c.receive(gctx, g, out) })

	err := g.Wait()
	if errors.Is(err, errSessionEnded) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *conversation) pumpMic(ctx context.Context, media bot.Media) error {
	for {
		pkt, err := media.ReadAudio(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gemini: read browser audio: %w", err)
		}
		pcm, err := c.codec.Decode(pkt)
		if err != nil {
			c.metrics.Inc(metrics.AudioCodecError)
			c.logger.Debug("audio_decode_failed", "err", err)
			continue
		}
		if len(pcm) == 0 {
			continue
		}
		err = c.write(func() error {
			return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{Data: audio.PCMToBytes(pcm), MIMEType: audio.InputMIMEType},
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gemini: send audio: %w", err)
		}
	}
}

// pumpSpeaker writes at most one frame per FrameDuration so the browser's
// jitter buffer is not flooded by the model's faster-than-realtime output.
func (c *conversation) pumpSpeaker(ctx context.Context, media bot.Media, out <-chan []byte) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-out:
			if err := media.WriteAudio(pkt, audio.FrameDuration); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("gemini: write bot audio: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func (c *conversation) receive(ctx context.Context, g *errgroup.Group, out chan []byte) error {
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.flushTranscripts()
				return errSessionEnded
			}
			return fmt.Errorf("gemini: receive: %w", err)
		}
		c.handle(ctx, g, msg, out)
	}
}

func (c *conversation) handle(ctx context.Context, g *errgroup.Group, msg *genai.LiveServerMessage, out chan []byte) {
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			c.interrupt(out)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
					c.play(ctx, part.InlineData.Data, out)
				}
				if part.Text != "" {
					c.logger.Debug("bot_text", "text", part.Text)
				}
			}
		}
		if t := sc.InputTranscription; t != nil {
			c.userText.WriteString(t.Text)
		}
		if t := sc.OutputTranscription; t != nil {
			c.botText.WriteString(t.Text)
		}
		if sc.TurnComplete {
			c.flushTranscripts()
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			g.Go(func() error { return c.callTool(ctx, fc) })
		}
	}
	if msg.ToolCallCancellation != nil {
		c.logger.Debug("tool_call_cancelled", "ids", msg.ToolCallCancellation.IDs)
	}
	if msg.GoAway != nil {
		c.logger.Warn("live_go_away", "time_left", msg.GoAway.TimeLeft)
	}
}

func (c *conversation) play(ctx context.Context, data []byte, out chan<- []byte) {
	if c.codec == nil {
		return
	}
	frames, err := c.codec.Encode(audio.BytesToPCM(data))
	if err != nil {
		c.metrics.Inc(metrics.AudioCodecError)
		c.logger.Debug("audio_encode_failed", "err", err)
	}
	for _, f := range frames {
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

// interrupt drops queued speech after the user barged in.
func (c *conversation) interrupt(out chan []byte) {
	c.flushTranscripts()
	if c.codec != nil {
		c.codec.Reset()
	drain:
		for {
			select {
			case <-out:
			default:
				break drain
			}
		}
	}
	c.metrics.Inc(metrics.LiveInterruptions)
}

func (c *conversation) flushTranscripts() {
	if s := strings.TrimSpace(c.userText.String()); s != "" {
		c.logger.Info("user_transcript", "text", s)
	}
	if s := strings.TrimSpace(c.botText.String()); s != "" {
		c.logger.Info("bot_transcript", "text", s)
	}
	c.userText.Reset()
	c.botText.Reset()
}

func (c *conversation) callTool(ctx context.Context, fc *genai.FunctionCall) error {
	var res tools.Result
	if c.tools == nil {
		res = tools.Result{"error": "unknown_tool"}
	} else {
		res = c.tools.Call(ctx, fc.Name, fc.Args)
	}
	err := c.write(func() error {
		return c.sess.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{ID: fc.ID, Name: fc.Name, Response: res}},
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("gemini: send %s response: %w", fc.Name, err)
	}
	return nil
}

func (c *conversation) closeSession() {
	c.closeOnce.Do(func() { c.closeErr = c.sess.Close() })
}

func (c *conversation) Close() error {
	c.closeSession()
	if c.codec != nil {
		c.codec.Reset()
	}
	return c.closeErr
}
