package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/bridge"
	"github.com/vango-go/vai-callbridge/pkg/callevents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/wsleg"
	"github.com/vango-go/vai-callbridge/pkg/realtime"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	events callevents.Publisher
	calls  *calls.Tracker
	ai     bridge.AIDialer
}

// Option customizes a Server.
type Option func(*Server)

// WithAIDialer replaces the OpenAI Realtime dialer built from config.
func WithAIDialer(d bridge.AIDialer) Option {
	return func(s *Server) { s.ai = d }
}

func New(cfg config.Config, logger *slog.Logger, events callevents.Publisher, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = callevents.Nop{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		events: events,
		calls:  calls.NewTracker(),
		ai: realtime.Dialer{
			URL:              cfg.OpenAIRealtimeURL,
			APIKey:           cfg.OpenAIAPIKey,
			Model:            cfg.OpenAIRealtimeModel,
			HandshakeTimeout: cfg.OpenAIHandshakeTimeout,
			Leg:              legConfig(cfg),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.RootHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Calls: s.calls})

	s.mux.Handle("/incoming-call", handlers.IncomingCallHandler{
		PublicHost:  s.cfg.PublicHost,
		Greeting:    s.cfg.Greeting,
		ReadyPrompt: s.cfg.ReadyPrompt,
		Logger:      s.logger,
	})
	s.mux.Handle(handlers.MediaStreamPath, handlers.MediaStreamHandler{
		Settings: s.settings(),
		AI:       s.ai,
		Leg:      legConfig(s.cfg),
		Events:   s.events,
		Calls:    s.calls,
		Logger:   s.logger,
	})
}

func (s *Server) settings() bridge.Settings {
	return bridge.Settings{
		Session:               s.cfg.SessionConfig(),
		ConfigDelay:           s.cfg.ConfigDelay,
		GateAudioOnConfigured: s.cfg.GateAudioOnConfigured,
		DialAttempts:          s.cfg.OpenAIDialAttempts,
		DialBackoff:           s.cfg.OpenAIDialBackoff,
	}
}

func legConfig(cfg config.Config) wsleg.Config {
	return wsleg.Config{
		WriteTimeout:    cfg.WSWriteTimeout,
		PingInterval:    cfg.WSPingInterval,
		QueueSize:       cfg.WSQueueSize,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new calls from being accepted and flips /readyz.
func (s *Server) SetDraining(draining bool) {
	s.calls.SetDraining(draining)
}

func (s *Server) ActiveCalls() int {
	return s.calls.Count()
}

// WaitCalls blocks until every active call ended or ctx is done.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CloseCalls hangs up every active call.
func (s *Server) CloseCalls() int {
	return s.calls.CloseAll()
}
