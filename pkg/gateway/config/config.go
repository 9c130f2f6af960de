package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/realtime"
)

const (
	DefaultPort = "5050"

	DefaultGreeting    = "Please wait while we connect you to the A. I. voice assistant, powered by Twilio and Open-A. I. Realtime API."
	DefaultReadyPrompt = "O. K. you can start talking now!"
)

type Config struct {
	Addr string

	// AI leg.
	OpenAIAPIKey           string
	OpenAIRealtimeURL      string
	OpenAIRealtimeModel    string
	OpenAIDialAttempts     int
	OpenAIDialBackoff      time.Duration
	OpenAIHandshakeTimeout time.Duration

	// Session configuration sent once per call.
	Voice        string
	Instructions string
	Temperature  float64
	AudioFormat  string

	ConfigDelay           time.Duration
	GateAudioOnConfigured bool

	// Websocket legs (both directions).
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSQueueSize       int
	WSMaxMessageBytes int64

	// TwiML answer for /incoming-call. Empty PublicHost means the request Host.
	PublicHost  string
	Greeting    string
	ReadyPrompt string

	// Optional call lifecycle events. Empty URL disables publishing.
	CallEventsAMQPURL  string
	CallEventsExchange string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	env := &envReader{}
	cfg := Config{
		Addr:                   envOr("CALLBRIDGE_ADDR", ":"+envOr("PORT", DefaultPort)),
		OpenAIAPIKey:           strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIRealtimeURL:      envOr("OPENAI_REALTIME_URL", realtime.DefaultURL),
		OpenAIRealtimeModel:    envOr("OPENAI_REALTIME_MODEL", realtime.DefaultModel),
		OpenAIDialAttempts:     env.intOr("OPENAI_DIAL_ATTEMPTS", 1),
		OpenAIDialBackoff:      env.durationOr("OPENAI_DIAL_BACKOFF", 250*time.Millisecond),
		OpenAIHandshakeTimeout: env.durationOr("OPENAI_HANDSHAKE_TIMEOUT", 10*time.Second),
		Voice:                  envOr("BRIDGE_VOICE", realtime.DefaultVoice),
		Instructions:           envOr("BRIDGE_INSTRUCTIONS", realtime.DefaultInstructions),
		Temperature:            env.float64Or("BRIDGE_TEMPERATURE", realtime.DefaultTemperature),
		AudioFormat:            envOr("BRIDGE_AUDIO_FORMAT", realtime.AudioFormatG711ULaw),
		ConfigDelay:            env.durationOr("BRIDGE_CONFIG_DELAY", time.Second),
		GateAudioOnConfigured:  env.boolOr("BRIDGE_GATE_AUDIO_ON_CONFIGURED", false),
		WSWriteTimeout:         env.durationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:         env.durationOr("BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSQueueSize:            env.intOr("BRIDGE_WS_QUEUE_SIZE", 256),
		WSMaxMessageBytes:      env.int64Or("BRIDGE_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		PublicHost:             hostOnly(envOr("BRIDGE_PUBLIC_HOST", "")),
		Greeting:               envOr("BRIDGE_GREETING", DefaultGreeting),
		ReadyPrompt:            envOr("BRIDGE_READY_PROMPT", DefaultReadyPrompt),
		CallEventsAMQPURL:      envOr("CALL_EVENTS_AMQP_URL", ""),
		CallEventsExchange:     envOr("CALL_EVENTS_EXCHANGE", "calls"),
		ReadHeaderTimeout:      env.durationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    env.durationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	if env.err != nil {
		return Config{}, env.err
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.OpenAIRealtimeURL) == "" {
		return Config{}, fmt.Errorf("OPENAI_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(cfg.OpenAIRealtimeModel) == "" {
		return Config{}, fmt.Errorf("OPENAI_REALTIME_MODEL must not be empty")
	}
	if cfg.OpenAIDialAttempts <= 0 {
		return Config{}, fmt.Errorf("OPENAI_DIAL_ATTEMPTS must be > 0")
	}
	if cfg.OpenAIDialBackoff <= 0 {
		return Config{}, fmt.Errorf("OPENAI_DIAL_BACKOFF must be > 0")
	}
	if cfg.OpenAIHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("OPENAI_HANDSHAKE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return Config{}, fmt.Errorf("BRIDGE_VOICE must not be empty")
	}
	if cfg.Temperature < 0.6 || cfg.Temperature > 1.2 {
		return Config{}, fmt.Errorf("BRIDGE_TEMPERATURE must be between 0.6 and 1.2")
	}
	switch cfg.AudioFormat {
	case "g711_ulaw", "g711_alaw":
	default:
		return Config{}, fmt.Errorf("BRIDGE_AUDIO_FORMAT must be one of g711_ulaw|g711_alaw")
	}
	if cfg.ConfigDelay < 0 {
		return Config{}, fmt.Errorf("BRIDGE_CONFIG_DELAY must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSQueueSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_QUEUE_SIZE must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		return Config{}, fmt.Errorf("BRIDGE_GREETING must not be empty")
	}
	if strings.TrimSpace(cfg.ReadyPrompt) == "" {
		return Config{}, fmt.Errorf("BRIDGE_READY_PROMPT must not be empty")
	}
	if cfg.CallEventsAMQPURL != "" && strings.TrimSpace(cfg.CallEventsExchange) == "" {
		return Config{}, fmt.Errorf("CALL_EVENTS_EXCHANGE must not be empty when CALL_EVENTS_AMQP_URL is set")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// SessionConfig is the session.update body every call sends.
func (c Config) SessionConfig() realtime.SessionConfig {
	sc := realtime.DefaultSessionConfig()
	sc.Voice = c.Voice
	sc.Instructions = c.Instructions
	sc.Temperature = c.Temperature
	sc.InputAudioFormat = c.AudioFormat
	sc.OutputAudioFormat = c.AudioFormat
	return sc
}

func hostOnly(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"https://", "http://", "wss://", "ws://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	return strings.TrimRight(raw, "/")
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// envReader parses typed variables and keeps the first malformed one.
type envReader struct {
	err error
}

func (r *envReader) invalid(key, raw string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: invalid value %q", key, raw)
	}
}

func (r *envReader) int64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.invalid(key, raw)
		return def
	}
	return n
}

func (r *envReader) intOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.invalid(key, raw)
		return def
	}
	return n
}

func (r *envReader) float64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.invalid(key, raw)
		return def
	}
	return n
}

func (r *envReader) boolOr(key string, def bool) bool {
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
		r.invalid(key, raw)
		return def
	}
}

func (r *envReader) durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.invalid(key, raw)
		return def
	}
	return d
}
