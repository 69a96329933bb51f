package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "SIGNAL_RELAY_MODE"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"

	// Signaling hardening knobs.
	envVarMaxFrameBytes   = "SIGNAL_RELAY_MAX_FRAME_BYTES"
	envVarFramesPerSecond = "SIGNAL_RELAY_FRAMES_PER_SECOND"
	envVarSendQueueDepth  = "SIGNAL_RELAY_SEND_QUEUE_DEPTH"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxFrameBytes = int64(64 * 1024)
	// DefaultFramesPerSecond disables the per-connection frame budget: the
	// hub's contract is that bad input never terminates a connection, so the
	// budget is strictly opt-in.
	DefaultFramesPerSecond = 0
	DefaultSendQueueDepth  = 32
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// MaxFrameBytes caps one inbound signaling frame.
	MaxFrameBytes int64

	// FramesPerSecond is the per-connection inbound frame budget; <= 0
	// disables it.
	FramesPerSecond int

	// SendQueueDepth bounds each peer's outbound queue; overflow closes the
	// connection.
	SendQueueDepth int
}

// Load reads configuration from the environment with flag overrides.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormat := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode))
	logLevel := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode))
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	maxFrameBytes, err := envIntOrDefault(lookup, envVarMaxFrameBytes, int(DefaultMaxFrameBytes))
	if err != nil {
		return Config{}, err
	}
	framesPerSecond, err := envIntOrDefault(lookup, envVarFramesPerSecond, DefaultFramesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueDepth, err := envIntOrDefault(lookup, envVarSendQueueDepth, DefaultSendQueueDepth)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP address for the HTTP/WebSocket listener")
	fs.StringVar(&mode, "mode", mode, "deployment mode: dev or prod")
	fs.StringVar(&logFormat, "log-format", logFormat, "log output format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,
		MaxFrameBytes:   int64(maxFrameBytes),
		FramesPerSecond: framesPerSecond,
		SendQueueDepth:  sendQueueDepth,
	}

	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd:
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("unsupported mode %q", mode)
	}

	switch LogFormat(strings.ToLower(strings.TrimSpace(logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", logFormat)
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxFrameBytes)
	}
	if cfg.SendQueueDepth <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarSendQueueDepth)
	}

	return cfg, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unsupported log level %q", s)
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
