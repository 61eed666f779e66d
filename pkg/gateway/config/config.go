package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the service is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// PublicURL is the externally reachable base URL (https://...). The media-stream
	// websocket URL handed to the telephony provider is derived from it.
	PublicURL string

	// Telephony provider.
	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioBaseURL         string
	TwilioFromNumber      string
	TwilioValidateWebhook bool

	// Realtime ai leg.
	RealtimeURL          string
	RealtimeAPIKey       string
	RealtimeModel        string
	RealtimeTranscriber  string
	RealtimeWriteTimeout time.Duration

	// Call defaults.
	DefaultVoice        string
	DefaultInstructions string
	HoldAudioPath       string
	RecordCalls         bool

	// Admission and lifetime limits.
	MaxConcurrentCalls  int
	MaxInboundCalls     int
	MaxOutboundCalls    int
	MaxInboundDuration  time.Duration
	MaxOutboundDuration time.Duration
	DialDedupWindow     time.Duration
	FinalizeGrace       time.Duration

	// Session timing.
	AIConnectTimeout  time.Duration
	AIReadyTimeout    time.Duration
	EndCallDrain      time.Duration
	MaxBufferedFrames int
	SummaryTurns      int
	SummaryRunes      int

	// Media-stream websocket (/v1/media-stream).
	MediaWSPingInterval   time.Duration
	MediaWSWriteTimeout   time.Duration
	MediaWSReadTimeout    time.Duration
	MediaMaxMessageBytes  int64
	MediaHandshakeTimeout time.Duration

	// Observer websocket (/v1/calls/{id}/events).
	ObserverBuffer int

	// Persistence. Empty DatabaseURL keeps call records in memory.
	DatabaseURL      string
	DatabaseMaxConns int
	AutoMigrate      bool
	PersistTimeout   time.Duration
	PersistRetries   int

	// Event fan-out. Empty RedisURL keeps events in-process.
	RedisURL           string
	RedisChannelPrefix string

	// In-memory limits (per principal) for the control API.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_PHONE_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_PHONE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VAI_PHONE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_PHONE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		PublicURL:                  strings.TrimRight(envOr("VAI_PHONE_PUBLIC_URL", ""), "/"),
		TwilioAccountSID:           envOr("VAI_PHONE_TWILIO_ACCOUNT_SID", os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:            envOr("VAI_PHONE_TWILIO_AUTH_TOKEN", os.Getenv("TWILIO_AUTH_TOKEN")),
		TwilioBaseURL:              envOr("VAI_PHONE_TWILIO_BASE_URL", "https://api.twilio.com"),
		TwilioFromNumber:           envOr("VAI_PHONE_TWILIO_FROM_NUMBER", ""),
		TwilioValidateWebhook:      envBoolOr("VAI_PHONE_TWILIO_VALIDATE_WEBHOOK", true),
		RealtimeURL:                envOr("VAI_PHONE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:             envOr("VAI_PHONE_REALTIME_API_KEY", os.Getenv("OPENAI_API_KEY")),
		RealtimeModel:              envOr("VAI_PHONE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeTranscriber:        envOr("VAI_PHONE_REALTIME_TRANSCRIBER", "whisper-1"),
		RealtimeWriteTimeout:       envDurationOr("VAI_PHONE_REALTIME_WRITE_TIMEOUT", 5*time.Second),
		DefaultVoice:               envOr("VAI_PHONE_DEFAULT_VOICE", "alloy"),
		DefaultInstructions:        envOr("VAI_PHONE_DEFAULT_INSTRUCTIONS", "You are a helpful voice assistant on a phone call. Keep replies short and conversational."),
		HoldAudioPath:              envOr("VAI_PHONE_HOLD_AUDIO_PATH", ""),
		RecordCalls:                envBoolOr("VAI_PHONE_RECORD_CALLS", false),
		MaxConcurrentCalls:         envIntOr("VAI_PHONE_MAX_CONCURRENT_CALLS", 10),
		MaxInboundCalls:            envIntOr("VAI_PHONE_MAX_INBOUND_CALLS", 0),
		MaxOutboundCalls:           envIntOr("VAI_PHONE_MAX_OUTBOUND_CALLS", 0),
		MaxInboundDuration:         envDurationOr("VAI_PHONE_MAX_INBOUND_DURATION", 30*time.Minute),
		MaxOutboundDuration:        envDurationOr("VAI_PHONE_MAX_OUTBOUND_DURATION", 30*time.Minute),
		DialDedupWindow:            envDurationOr("VAI_PHONE_DIAL_DEDUP_WINDOW", 15*time.Second),
		FinalizeGrace:              envDurationOr("VAI_PHONE_FINALIZE_GRACE", 5*time.Second),
		AIConnectTimeout:           envDurationOr("VAI_PHONE_AI_CONNECT_TIMEOUT", 10*time.Second),
		AIReadyTimeout:             envDurationOr("VAI_PHONE_AI_READY_TIMEOUT", 10*time.Second),
		EndCallDrain:               envDurationOr("VAI_PHONE_END_CALL_DRAIN", 5*time.Second),
		MaxBufferedFrames:          envIntOr("VAI_PHONE_MAX_BUFFERED_FRAMES", 1500),
		SummaryTurns:               envIntOr("VAI_PHONE_SUMMARY_TURNS", 12),
		SummaryRunes:               envIntOr("VAI_PHONE_SUMMARY_RUNES", 160),
		MediaWSPingInterval:        envDurationOr("VAI_PHONE_MEDIA_WS_PING_INTERVAL", 20*time.Second),
		MediaWSWriteTimeout:        envDurationOr("VAI_PHONE_MEDIA_WS_WRITE_TIMEOUT", 5*time.Second),
		MediaWSReadTimeout:         envDurationOr("VAI_PHONE_MEDIA_WS_READ_TIMEOUT", 0),
		MediaMaxMessageBytes:       envInt64Or("VAI_PHONE_MEDIA_MAX_MESSAGE_BYTES", 64*1024),
		MediaHandshakeTimeout:      envDurationOr("VAI_PHONE_MEDIA_HANDSHAKE_TIMEOUT", 5*time.Second),
		ObserverBuffer:             envIntOr("VAI_PHONE_OBSERVER_BUFFER", 64),
		DatabaseURL:                envOr("VAI_PHONE_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DatabaseMaxConns:           envIntOr("VAI_PHONE_DATABASE_MAX_CONNS", 8),
		AutoMigrate:                envBoolOr("VAI_PHONE_AUTO_MIGRATE", true),
		PersistTimeout:             envDurationOr("VAI_PHONE_PERSIST_TIMEOUT", 5*time.Second),
		PersistRetries:             envIntOr("VAI_PHONE_PERSIST_RETRIES", 3),
		RedisURL:                   envOr("VAI_PHONE_REDIS_URL", ""),
		RedisChannelPrefix:         envOr("VAI_PHONE_REDIS_CHANNEL_PREFIX", "vai-phone"),
		LimitRPS:                   envFloat64Or("VAI_PHONE_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VAI_PHONE_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_PHONE_MAX_CONCURRENT_REQUESTS", 20),
		ReadHeaderTimeout:          envDurationOr("VAI_PHONE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_PHONE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_PHONE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VAI_PHONE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VAI_PHONE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return Config{}, fmt.Errorf("VAI_PHONE_PUBLIC_URL must be an absolute http(s) url")
		}
	}
	if strings.TrimSpace(cfg.TwilioBaseURL) == "" {
		return Config{}, fmt.Errorf("VAI_PHONE_TWILIO_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("VAI_PHONE_REALTIME_URL must not be empty")
	}
	if cfg.RealtimeWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_REALTIME_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_CONCURRENT_CALLS must be > 0")
	}
	if cfg.MaxInboundCalls < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_INBOUND_CALLS must be >= 0")
	}
	if cfg.MaxOutboundCalls < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_OUTBOUND_CALLS must be >= 0")
	}
	if cfg.MaxInboundDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_INBOUND_DURATION must be > 0")
	}
	if cfg.MaxOutboundDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_OUTBOUND_DURATION must be > 0")
	}
	if cfg.DialDedupWindow < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_DIAL_DEDUP_WINDOW must be >= 0")
	}
	if cfg.FinalizeGrace < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_FINALIZE_GRACE must be >= 0")
	}
	if cfg.AIConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_AI_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.AIReadyTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_AI_READY_TIMEOUT must be > 0")
	}
	if cfg.EndCallDrain <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_END_CALL_DRAIN must be > 0")
	}
	if cfg.MaxBufferedFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_BUFFERED_FRAMES must be > 0")
	}
	if cfg.SummaryTurns <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_SUMMARY_TURNS must be > 0")
	}
	if cfg.SummaryRunes <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_SUMMARY_RUNES must be > 0")
	}
	if cfg.MediaWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MEDIA_WS_PING_INTERVAL must be > 0")
	}
	if cfg.MediaWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MEDIA_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MediaWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MEDIA_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MediaMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MEDIA_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MediaHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MEDIA_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ObserverBuffer <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_OBSERVER_BUFFER must be > 0")
	}
	if cfg.DatabaseMaxConns <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_DATABASE_MAX_CONNS must be > 0")
	}
	if cfg.PersistTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_PERSIST_TIMEOUT must be > 0")
	}
	if cfg.PersistRetries < 1 {
		return Config{}, fmt.Errorf("VAI_PHONE_PERSIST_RETRIES must be >= 1")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_PHONE_API_KEYS must be set when VAI_PHONE_AUTH_MODE=required")
	}

	return cfg, nil
}

// MediaStreamURL is the websocket URL the telephony provider connects media streams to.
func (c Config) MediaStreamURL() string {
	base := c.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return ""
	}
	return base + "/v1/media-stream"
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return strings.TrimSpace(def)
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
