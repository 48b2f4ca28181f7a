package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
)

type Option func(*apiOptions)

type apiOptions struct {
	net    transport.Net
	logger *slog.Logger
}

// WithNet runs ICE over the given network (e.g. a vnet.Net in tests).
func WithNet(n transport.Net) Option {
	return func(o *apiOptions) { o.net = n }
}

// WithLogger routes pion's internal logging into logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *apiOptions) { o.logger = logger }
}

// NewAPI builds the pion API shared by every session: default audio/video
// codecs, the default interceptor chain (NACK, RTCP reports, TWCC) and the
// configured network settings.
func NewAPI(cfg config.Config, opts ...Option) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if o.logger != nil {
		se.LoggerFactory = NewLoggerFactory(o.logger)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	return nil
}
