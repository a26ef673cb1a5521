package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarBackendBaseURL = "SIGNALING_CLIENT_BACKEND_BASE_URL"
	envVarServers        = "SIGNALING_CLIENT_SERVERS"
	envVarUserID         = "SIGNALING_CLIENT_USER_ID"
	envVarTicket         = "SIGNALING_CLIENT_TICKET"
	envVarRoomToken      = "SIGNALING_CLIENT_ROOM"
	envVarMode           = "SIGNALING_CLIENT_MODE"
	envVarLogFormat      = "SIGNALING_CLIENT_LOG_FORMAT"
	envVarLogLevel       = "SIGNALING_CLIENT_LOG_LEVEL"

	// Polling transport knobs.
	envVarPingInterval     = "SIGNALING_CLIENT_PING_INTERVAL"
	envVarPingFailureLimit = "SIGNALING_CLIENT_PING_FAILURE_LIMIT"
	envVarSendInterval     = "SIGNALING_CLIENT_SEND_INTERVAL"
	envVarPullRetryDelay   = "SIGNALING_CLIENT_PULL_RETRY_DELAY"
	envVarRoomPollInterval = "SIGNALING_CLIENT_ROOM_POLL_INTERVAL"

	// Socket transport knobs.
	envVarReconnectInitialInterval = "SIGNALING_CLIENT_RECONNECT_INITIAL_INTERVAL"
	envVarReconnectMaxInterval     = "SIGNALING_CLIENT_RECONNECT_MAX_INTERVAL"
	envVarWSHandshakeTimeout       = "SIGNALING_CLIENT_WS_HANDSHAKE_TIMEOUT"
	envVarWSWriteTimeout           = "SIGNALING_CLIENT_WS_WRITE_TIMEOUT"
	envVarMaxFrameBytes            = "SIGNALING_CLIENT_MAX_FRAME_BYTES"

	envVarRequestTimeout = "SIGNALING_CLIENT_REQUEST_TIMEOUT"
	envVarMetricsAddr    = "SIGNALING_CLIENT_METRICS_ADDR"
)

const (
	DefaultPingInterval     = 5 * time.Second
	DefaultPingFailureLimit = 3
	DefaultSendInterval     = 500 * time.Millisecond
	DefaultPullRetryDelay   = 5 * time.Second
	DefaultRoomPollInterval = 10 * time.Second

	DefaultReconnectInitialInterval = 1 * time.Second
	DefaultReconnectMaxInterval     = 16 * time.Second
	DefaultWSHandshakeTimeout       = 5 * time.Second
	DefaultWSWriteTimeout           = 5 * time.Second
	DefaultMaxFrameBytes            = int64(64 * 1024)

	DefaultRequestTimeout = 30 * time.Second

	DefaultMode Mode = ModeDev
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
	// BackendBaseURL is the base URL of the backend that owns rooms, calls and
	// the polling signaling endpoints.
	BackendBaseURL string

	// Servers lists standalone signaling server URLs (http/https or ws/wss).
	// When empty the polling transport is used instead of the socket transport.
	Servers []string

	// UserID and Ticket authenticate the socket transport's hello frame against
	// the backend. Both may be empty for anonymous/guest sessions.
	UserID string
	Ticket string

	// RoomToken, when set, is joined right after connecting. Only used by the
	// probe command.
	RoomToken string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	PingInterval     time.Duration
	PingFailureLimit int
	SendInterval     time.Duration
	PullRetryDelay   time.Duration
	RoomPollInterval time.Duration

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	WSHandshakeTimeout       time.Duration
	WSWriteTimeout           time.Duration
	MaxFrameBytes            int64

	RequestTimeout time.Duration

	// MetricsAddr, when set, is the listen address for the Prometheus text
	// exposition endpoint. Empty disables the listener.
	MetricsAddr string

	ICEServers []webrtc.ICEServer
}

// UsesSocket reports whether the socket transport should be selected.
func (c Config) UsesSocket() bool {
	return len(c.Servers) > 0
}

// StunServers returns the configured ICE servers that only carry stun: URLs.
func (c Config) StunServers() []webrtc.ICEServer {
	return filterICEServers(c.ICEServers, "stun:", "stuns:")
}

// TurnServers returns the configured ICE servers that carry turn:/turns: URLs.
func (c Config) TurnServers() []webrtc.ICEServer {
	return filterICEServers(c.ICEServers, "turn:", "turns:")
}

func filterICEServers(servers []webrtc.ICEServer, prefixes ...string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, server := range servers {
		for _, u := range server.URLs {
			if hasAnyPrefix(u, prefixes) {
				out = append(out, server)
				break
			}
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	backendBaseURL := envOrDefault(lookup, envVarBackendBaseURL, "")
	serversStr := envOrDefault(lookup, envVarServers, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	ticket := envOrDefault(lookup, envVarTicket, "")
	roomToken := envOrDefault(lookup, envVarRoomToken, "")
	metricsAddr := envOrDefault(lookup, envVarMetricsAddr, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	pingFailureLimit, err := envIntOrDefault(lookup, envVarPingFailureLimit, DefaultPingFailureLimit)
	if err != nil {
		return Config{}, err
	}
	sendInterval, err := envDurationOrDefault(lookup, envVarSendInterval, DefaultSendInterval)
	if err != nil {
		return Config{}, err
	}
	pullRetryDelay, err := envDurationOrDefault(lookup, envVarPullRetryDelay, DefaultPullRetryDelay)
	if err != nil {
		return Config{}, err
	}
	roomPollInterval, err := envDurationOrDefault(lookup, envVarRoomPollInterval, DefaultRoomPollInterval)
	if err != nil {
		return Config{}, err
	}
	reconnectInitial, err := envDurationOrDefault(lookup, envVarReconnectInitialInterval, DefaultReconnectInitialInterval)
	if err != nil {
		return Config{}, err
	}
	reconnectMax, err := envDurationOrDefault(lookup, envVarReconnectMaxInterval, DefaultReconnectMaxInterval)
	if err != nil {
		return Config{}, err
	}
	wsHandshakeTimeout, err := envDurationOrDefault(lookup, envVarWSHandshakeTimeout, DefaultWSHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := envDurationOrDefault(lookup, envVarWSWriteTimeout, DefaultWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := envDurationOrDefault(lookup, envVarRequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}

	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(envVarMaxFrameBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxFrameBytes, raw, err)
		}
		maxFrameBytes = n
	}

	fs := flag.NewFlagSet("signaling-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&backendBaseURL, "backend-base-url", backendBaseURL, "Backend base URL owning rooms/calls (env "+envVarBackendBaseURL+")")
	fs.StringVar(&serversStr, "servers", serversStr, "Comma-separated standalone signaling server URLs; empty selects the polling transport (env "+envVarServers+")")
	fs.StringVar(&userID, "user-id", userID, "User id for the socket hello auth payload (env "+envVarUserID+")")
	fs.StringVar(&ticket, "ticket", ticket, "Server-issued auth ticket for the socket hello auth payload (env "+envVarTicket+")")
	fs.StringVar(&roomToken, "room", roomToken, "Room token to join after connecting (env "+envVarRoomToken+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Listen address for the Prometheus metrics endpoint; empty disables it (env "+envVarMetricsAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Call liveness ping interval for the polling transport (env "+envVarPingInterval+")")
	fs.IntVar(&pingFailureLimit, "ping-failure-limit", pingFailureLimit, "Consecutive ping failures before the room is torn down locally (env "+envVarPingFailureLimit+")")
	fs.DurationVar(&sendInterval, "send-interval", sendInterval, "Outbound batch interval for the polling transport (env "+envVarSendInterval+")")
	fs.DurationVar(&pullRetryDelay, "pull-retry-delay", pullRetryDelay, "Delay before retrying a failed receive request (env "+envVarPullRetryDelay+")")
	fs.DurationVar(&roomPollInterval, "room-poll-interval", roomPollInterval, "Room snapshot poll interval while a collection is registered (env "+envVarRoomPollInterval+")")
	fs.DurationVar(&reconnectInitial, "reconnect-initial-interval", reconnectInitial, "Initial socket reconnect backoff (env "+envVarReconnectInitialInterval+")")
	fs.DurationVar(&reconnectMax, "reconnect-max-interval", reconnectMax, "Maximum socket reconnect backoff (env "+envVarReconnectMaxInterval+")")
	fs.DurationVar(&wsHandshakeTimeout, "ws-handshake-timeout", wsHandshakeTimeout, "WebSocket handshake timeout (env "+envVarWSHandshakeTimeout+")")
	fs.DurationVar(&wsWriteTimeout, "ws-write-timeout", wsWriteTimeout, "WebSocket write deadline (env "+envVarWSWriteTimeout+")")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max inbound socket frame size in bytes (env "+envVarMaxFrameBytes+")")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "Backend HTTP request timeout (env "+envVarRequestTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(backendBaseURL) == "" {
		return Config{}, fmt.Errorf("%s/--backend-base-url must be set", envVarBackendBaseURL)
	}
	if _, err := url.ParseRequestURI(backendBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarBackendBaseURL, backendBaseURL, err)
	}

	servers := splitCommaSeparated(serversStr)
	for _, server := range servers {
		u, err := url.Parse(server)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s entry %q: %w", envVarServers, server, err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return Config{}, fmt.Errorf("invalid %s entry %q: unsupported scheme %q", envVarServers, server, u.Scheme)
		}
	}

	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if pingFailureLimit <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-failure-limit must be > 0", envVarPingFailureLimit)
	}
	if sendInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--send-interval must be > 0", envVarSendInterval)
	}
	if pullRetryDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--pull-retry-delay must be > 0", envVarPullRetryDelay)
	}
	if roomPollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-poll-interval must be > 0", envVarRoomPollInterval)
	}
	if reconnectInitial <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-initial-interval must be > 0", envVarReconnectInitialInterval)
	}
	if reconnectMax < reconnectInitial {
		return Config{}, fmt.Errorf("%s/--reconnect-max-interval must be >= %s", envVarReconnectMaxInterval, envVarReconnectInitialInterval)
	}
	if wsHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-handshake-timeout must be > 0", envVarWSHandshakeTimeout)
	}
	if wsWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-write-timeout must be > 0", envVarWSWriteTimeout)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", envVarMaxFrameBytes)
	}
	if requestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--request-timeout must be > 0", envVarRequestTimeout)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		BackendBaseURL:           backendBaseURL,
		Servers:                  servers,
		UserID:                   userID,
		Ticket:                   ticket,
		RoomToken:                roomToken,
		Mode:                     mode,
		LogFormat:                logFormat,
		LogLevel:                 level,
		PingInterval:             pingInterval,
		PingFailureLimit:         pingFailureLimit,
		SendInterval:             sendInterval,
		PullRetryDelay:           pullRetryDelay,
		RoomPollInterval:         roomPollInterval,
		ReconnectInitialInterval: reconnectInitial,
		ReconnectMaxInterval:     reconnectMax,
		WSHandshakeTimeout:       wsHandshakeTimeout,
		WSWriteTimeout:           wsWriteTimeout,
		MaxFrameBytes:            maxFrameBytes,
		RequestTimeout:           requestTimeout,
		MetricsAddr:              metricsAddr,
		ICEServers:               iceServers,
	}, nil
}

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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", raw)
	}
}
