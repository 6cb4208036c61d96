package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ent0n29/tandem/internal/capture"
	"github.com/ent0n29/tandem/internal/config"
	"github.com/ent0n29/tandem/internal/httpapi"
	"github.com/ent0n29/tandem/internal/issuer"
	"github.com/ent0n29/tandem/internal/negotiate"
	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/playback"
	"github.com/ent0n29/tandem/internal/policy"
	"github.com/ent0n29/tandem/internal/realtime"
	"github.com/ent0n29/tandem/internal/session"
	"github.com/ent0n29/tandem/internal/transcript"
	"github.com/ent0n29/tandem/internal/transport"
)

type ServerResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Issuer   issuer.Issuer
	Metrics  *observability.Metrics
}

// BuildServer wires the negotiation backend. Without OPENAI_API_KEY it
// issues dev credentials for its own realtime peer.
func BuildServer(cfg config.Config, logger *zap.Logger) (*ServerResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	var iss issuer.Issuer
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		iss = issuer.NewOpenAIIssuer(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Model, cfg.Voice, logger.Named("issuer"))
	} else {
		host, err := advertisedHost(cfg.BindAddr)
		if err != nil {
			return nil, err
		}
		iss = issuer.DevIssuer{
			SocketURL: "ws://" + host + "/v1/realtime",
			Model:     cfg.Model,
			Voice:     cfg.Voice,
			TTL:       cfg.CredentialTTL,
		}
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, sessions, iss, metrics, observability.NewLatencyWindow(256), logger.Named("httpapi"))
	sessions.SetExpireHook(api.OnSessionExpired)

	return &ServerResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Issuer:   iss,
		Metrics:  metrics,
	}, nil
}

func advertisedHost(bindAddr string) (string, error) {
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("APP_BIND_ADDR %q: %w", bindAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}

// ClientOptions override where the talking client reads and writes audio.
type ClientOptions struct {
	UserID     string
	InputPath  string
	OutputPath string
	Pace       bool
}

type ClientResult struct {
	Controller *realtime.Controller
	Store      transcript.Store
	Metrics    *observability.Metrics
	Latency    *observability.LatencyWindow

	// Cleanup should be called after Disconnect to release the store.
	Cleanup func() error
}

// BuildController wires one realtime voice client.
func BuildController(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ClientOptions) (*ClientResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)
	latency := observability.NewLatencyWindow(256)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	observe := transport.Observer(metrics.ObserveMessage)
	opener := transport.Selector{
		Default: transport.Kind(cfg.Transport),
		Openers: map[transport.Kind]transport.Opener{
			transport.KindSocket: transport.SocketOpener{
				Dialer:   websocket.DefaultDialer,
				Timeout:  cfg.OpenTimeout,
				Logger:   logger.Named("socket"),
				Observer: observe,
			},
			transport.KindMedia: transport.MediaOpener{
				HTTPClient: &http.Client{Timeout: cfg.OpenTimeout},
				Timeout:    cfg.OpenTimeout,
				Logger:     logger.Named("media"),
				Observer:   observe,
			},
		},
	}

	var device capture.Device
	switch {
	case opts.InputPath != "":
		device = capture.NewFileDevice(opts.InputPath, opts.Pace)
	case strings.TrimSpace(cfg.CaptureCommand) != "":
		device = capture.NewCommandDevice(cfg.CaptureCommand)
	}

	sink := func() (playback.Sink, error) {
		switch {
		case opts.OutputPath != "":
			return playback.NewWAVSink(opts.OutputPath), nil
		case strings.TrimSpace(cfg.PlaybackCommand) != "":
			return playback.NewCommandSink(cfg.PlaybackCommand), nil
		default:
			return playback.WriterSink{W: io.Discard}, nil
		}
	}

	userID := opts.UserID
	if userID == "" {
		userID = "cli"
	}
	controller, err := realtime.New(realtime.Config{
		UserID:                userID,
		Voice:                 cfg.Voice,
		Instructions:          cfg.Instructions,
		TurnDetection:         cfg.TurnDetection,
		Transcribe:            true,
		SessionCreatedTimeout: cfg.SessionCreatedTimeout,
		FrameDuration:         cfg.CaptureFrameDuration,
		QueueSize:             cfg.PlaybackQueueSize,
	}, realtime.Deps{
		Negotiator:  negotiate.New(cfg.NegotiateURL, cfg.NegotiateTimeout, negotiate.WithLogger(logger.Named("negotiate"))),
		Opener:      opener,
		Device:      device,
		Sink:        sink,
		Transcripts: store,
		Redact:      policy.NewRedactor().Text,
		Metrics:     metrics,
		Latency:     latency,
		Logger:      logger.Named("realtime"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &ClientResult{
		Controller: controller,
		Store:      store,
		Metrics:    metrics,
		Latency:    latency,
		Cleanup:    store.Close,
	}, nil
}

// NewLogger builds the production zap logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("APP_LOG_LEVEL: %w", err)
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
