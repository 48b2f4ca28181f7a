// Package gemini connects voice-bot workers to the Gemini Live API.
//
// One Live session is opened per browser session. Browser audio is decoded
// to 16kHz PCM and streamed as realtime input; model audio (24kHz PCM) is
// re-encoded to Opus and paced onto the outbound track. Function calls are
// dispatched through a tools.Registry.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/audio"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/bot"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/tools"
)

const (
	defaultAPIVersion   = "v1beta"
	defaultSetupTimeout = 10 * time.Second
)

var (
	ErrMissingAPIKey   = errors.New("gemini: missing API key")
	ErrSetupIncomplete = errors.New("gemini: live session did not confirm setup")
)

type Options struct {
	APIKey   string
	Model    string
	Voice    string
	ChildAge int

	// BaseURL overrides the API endpoint. A ws:// or wss:// scheme is used
	// as-is for the Live socket.
	BaseURL string
	// SetupTimeout bounds the wait for the server's setupComplete message.
	SetupTimeout time.Duration

	Tools *tools.Registry
	// NewCodec builds one Opus codec per conversation. When it fails the
	// conversation runs without audio and only logs transcripts.
	NewCodec func() (audio.Codec, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Agent implements bot.Agent on top of a shared genai client.
type Agent struct {
	client *genai.Client
	opts   Options
	logger *slog.Logger
}

var _ bot.Agent = (*Agent)(nil)

func NewAgent(ctx context.Context, opts Options) (*Agent, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCodec == nil {
		opts.NewCodec = audio.NewCodec
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = defaultSetupTimeout
	}

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    opts.BaseURL,
			APIVersion: defaultAPIVersion,
		},
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Agent{client: client, opts: opts, logger: opts.Logger}, nil
}

// Connect opens a Live session and waits for the server to accept the setup.
func (a *Agent) Connect(ctx context.Context, sessionID string, requestData json.RawMessage) (bot.Conversation, error) {
	logger := a.logger.With("session_id", sessionID)
	if len(requestData) > 0 {
		logger.Debug("bot_request_data", "bytes", len(requestData))
	}

	sess, err := a.client.Live.Connect(ctx, a.opts.Model, a.liveConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini: connect: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, a.opts.SetupTimeout)
	defer cancel()
	// Receive has no context; closing the socket is the only way to unblock it.
	stop := context.AfterFunc(setupCtx, func() { _ = sess.Close() })
	msg, err := sess.Receive()
	stop()
	if err != nil {
		_ = sess.Close()
		if ctxErr := setupCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("gemini: awaiting setup: %w", ctxErr)
		}
		return nil, fmt.Errorf("gemini: awaiting setup: %w", err)
	}
	if msg.SetupComplete == nil {
		_ = sess.Close()
		return nil, ErrSetupIncomplete
	}
	a.opts.Metrics.Inc(metrics.LiveSessionsOpened)

	codec, err := a.opts.NewCodec()
	if err != nil {
		logger.Warn("bot_audio_disabled", "err", err)
		codec = nil
	}

	logger.Info("live_session_open", "model", a.opts.Model, "voice", a.opts.Voice)
	return newConversation(sessionID, sess, codec, a.opts.Tools, logger, a.opts.Metrics), nil
}

func (a *Agent) liveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(SystemInstruction(a.opts.ChildAge, a.opts.Now()))},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if a.opts.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: a.opts.Voice},
			},
		}
	}
	if a.opts.Tools != nil {
		if decls := functionDeclarations(a.opts.Tools.Declarations()); len(decls) > 0 {
			cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}
	return cfg
}

func functionDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		props := make(map[string]*genai.Schema, len(d.Params))
		for name, p := range d.Params {
			props[name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   append([]string(nil), d.Required...),
			},
		})
	}
	return out
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
