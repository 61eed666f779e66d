package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/handlers"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
	"github.com/vango-go/vai-phone/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
	"github.com/vango-go/vai-phone/pkg/gateway/twilio"
)

// Deps are the long-lived collaborators shared by every request.
type Deps struct {
	Registry *sessions.Registry
	// Hub feeds observer websockets. Publisher is what sessions publish to; it normally
	// includes Hub.
	Hub       *events.Hub
	Publisher session.Publisher
	Store     store.Store
	Twilio    *twilio.Client
	HoldAudio []byte

	// DialAI overrides the realtime dialer (tests).
	DialAI session.Dialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = sessions.New(sessions.Limits{MaxConcurrent: cfg.MaxConcurrentCalls}, sessions.WithLogger(logger))
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub()
	}
	if deps.Publisher == nil {
		deps.Publisher = deps.Hub
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	reg := s.deps.Registry

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Calls: reg})

	// Telephony provider callbacks.
	var provider handlers.CallProvider
	var dialer handlers.Dialer
	if s.deps.Twilio != nil && s.deps.Twilio.Configured() {
		provider = s.deps.Twilio
		dialer = s.deps.Twilio
	}
	var sessionStore session.Store
	if s.deps.Store != nil {
		sessionStore = s.deps.Store
	}
	s.mux.Handle("POST /twiml/voice", handlers.VoiceWebhookHandler{Config: s.cfg, Registry: reg, Logger: s.logger})
	s.mux.Handle("GET /v1/media-stream", handlers.MediaStreamHandler{
		Config:    s.cfg,
		Registry:  reg,
		Calls:     provider,
		Store:     sessionStore,
		Events:    s.deps.Publisher,
		HoldAudio: s.deps.HoldAudio,
		Logger:    s.logger,
		DialAI:    s.deps.DialAI,
	})

	// Operator control surface.
	calls := handlers.CallsHandler{
		Config:   s.cfg,
		Registry: reg,
		Dialer:   dialer,
		Store:    s.deps.Store,
		Logger:   s.logger,
	}
	s.mux.HandleFunc("POST /v1/calls", calls.Create)
	s.mux.HandleFunc("GET /v1/calls", calls.List)
	s.mux.HandleFunc("GET /v1/calls/{id}", calls.Get)
	s.mux.HandleFunc("GET /v1/calls/{id}/transcript", calls.Transcript)
	s.mux.HandleFunc("POST /v1/calls/{id}/hold", calls.Hold)
	s.mux.HandleFunc("POST /v1/calls/{id}/resume", calls.Resume)
	s.mux.HandleFunc("POST /v1/calls/{id}/hangup", calls.Hangup)
	s.mux.HandleFunc("POST /v1/calls/{id}/inject", calls.Inject)
	s.mux.HandleFunc("POST /v1/calls/{id}/digits", calls.Digits)
	s.mux.HandleFunc("POST /v1/calls/{id}/transfer", calls.Transfer)
	s.mux.HandleFunc("POST /v1/emergency-shutdown", calls.EmergencyShutdown)

	observer := handlers.ObserverHandler{Config: s.cfg, Registry: reg, Events: s.deps.Hub, Logger: s.logger}
	s.mux.Handle("GET /v1/calls/{id}/events", observer)
	s.mux.Handle("GET /v1/events", observer)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the call registry for shutdown orchestration.
func (s *Server) Registry() *sessions.Registry { return s.deps.Registry }
