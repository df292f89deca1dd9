package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_LOBBY_RELAY_LISTEN_ADDR"
	envVarMode            = "AERO_WEBRTC_LOBBY_RELAY_MODE"
	envVarLogFormat       = "AERO_WEBRTC_LOBBY_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_LOBBY_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_LOBBY_RELAY_SHUTDOWN_TIMEOUT"

	envVarTLSCertFile       = "TLS_CERT_FILE"
	envVarTLSKeyFile        = "TLS_KEY_FILE"
	envVarAllowedOrigins    = "ALLOWED_ORIGINS"
	envVarTrustForwardedFor = "TRUST_FORWARDED_FOR"

	// Admission and lobby ceilings.
	envVarMaxPeers                 = "MAX_PEERS"
	envVarMaxConnectionsPerAddress = "MAX_CONNECTIONS_PER_ADDRESS"
	envVarMaxLobbies               = "MAX_LOBBIES"
	envVarMaxMessageBytes          = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond     = "MAX_MESSAGES_PER_SECOND"

	// Timers.
	envVarJoinGrace         = "JOIN_GRACE"
	envVarSealCloseDelay    = "SEAL_CLOSE_DELAY"
	envVarReconnectCooldown = "RECONNECT_COOLDOWN"
	envVarHeartbeatInterval = "HEARTBEAT_INTERVAL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	flagListenAddr               = "listen-addr"
	flagMode                     = "mode"
	flagLogFormat                = "log-format"
	flagLogLevel                 = "log-level"
	flagShutdownTimeout          = "shutdown-timeout"
	flagTLSCertFile              = "tls-cert-file"
	flagTLSKeyFile               = "tls-key-file"
	flagAllowedOrigins           = "allowed-origins"
	flagTrustForwardedFor        = "trust-forwarded-for"
	flagMaxPeers                 = "max-peers"
	flagMaxConnectionsPerAddress = "max-connections-per-address"
	flagMaxLobbies               = "max-lobbies"
	flagMaxMessageBytes          = "max-message-bytes"
	flagMaxMessagesPerSecond     = "max-messages-per-second"
	flagJoinGrace                = "join-grace"
	flagSealCloseDelay           = "seal-close-delay"
	flagReconnectCooldown        = "reconnect-cooldown"
	flagHeartbeatInterval        = "heartbeat-interval"
	flagICEServersJSON           = "ice-servers-json"
	flagStunURLs                 = "stun-urls"
	flagTurnURLs                 = "turn-urls"
	flagTurnUsername             = "turn-username"
	flagTurnCredential           = "turn-credential"
	flagTURNRESTSharedSecret     = "turn-rest-shared-secret"
	flagTURNRESTTTLSeconds       = "turn-rest-ttl-seconds"
	flagTURNRESTUsernamePrefix   = "turn-rest-username-prefix"
)

const (
	DefaultListenAddr                    = "0.0.0.0:9080"
	DefaultMode                     Mode = ModeDev
	DefaultShutdown                      = 15 * time.Second
	DefaultMaxPeers                      = 4096
	DefaultMaxConnectionsPerAddress      = 10
	DefaultMaxLobbies                    = 1024
	DefaultMaxMessageBytes               = int64(64 * 1024)
	DefaultMaxMessagesPerSecond          = 50

	// DefaultJoinGrace is how long a fresh connection may stay outside a lobby.
	DefaultJoinGrace         = 1 * time.Second
	DefaultSealCloseDelay    = 10 * time.Second
	DefaultReconnectCooldown = 1 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
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

// TurnRESTConfig enables per-request TURN credentials on /webrtc/ice. The
// shared secret must match coturn's static-auth-secret.
type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// TLSCertFile and TLSKeyFile are provisioned outside the relay. When both
	// are empty the listener serves plain ws://.
	TLSCertFile string
	TLSKeyFile  string

	AllowedOrigins []string

	// TrustForwardedFor makes admission key on the left-most X-Forwarded-For
	// address instead of the TCP peer. Only safe behind a proxy that rewrites
	// the header.
	TrustForwardedFor bool

	MaxPeers                 int
	MaxConnectionsPerAddress int
	MaxLobbies               int
	MaxMessageBytes          int64
	// MaxMessagesPerSecond <= 0 disables per-connection message rate limiting.
	MaxMessagesPerSecond int

	JoinGrace         time.Duration
	SealCloseDelay    time.Duration
	ReconnectCooldown time.Duration
	HeartbeatInterval time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ICEConfigError reports a malformed ICE server configuration. It does not
// prevent the relay from starting since signaling works without it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// RegisterFlags declares every relay flag on fs and binds flags and env vars
// into v. Flags win over env vars, which win over defaults.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(flagListenAddr, DefaultListenAddr, "Listen address (host:port)")
	fs.String(flagMode, string(DefaultMode), "Run mode: dev or prod")
	fs.String(flagLogFormat, "", "Log format: text or json (default depends on --mode)")
	fs.String(flagLogLevel, "", "Log level: debug, info, warn, error (default depends on --mode)")
	fs.Duration(flagShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")
	fs.String(flagTLSCertFile, "", "TLS certificate file (enables wss://)")
	fs.String(flagTLSKeyFile, "", "TLS private key file")
	fs.String(flagAllowedOrigins, "", "Comma-separated list of allowed browser origins")
	fs.Bool(flagTrustForwardedFor, false, "Use X-Forwarded-For as the connection source address")
	fs.Int(flagMaxPeers, DefaultMaxPeers, "Maximum concurrently connected peers")
	fs.Int(flagMaxConnectionsPerAddress, DefaultMaxConnectionsPerAddress, "Maximum concurrent connections per source address")
	fs.Int(flagMaxLobbies, DefaultMaxLobbies, "Maximum open lobbies")
	fs.Int64(flagMaxMessageBytes, DefaultMaxMessageBytes, "Maximum inbound message size in bytes")
	fs.Int(flagMaxMessagesPerSecond, DefaultMaxMessagesPerSecond, "Maximum inbound messages per second per connection (0 disables)")
	fs.Duration(flagJoinGrace, DefaultJoinGrace, "How long a peer may stay connected without joining a lobby")
	fs.Duration(flagSealCloseDelay, DefaultSealCloseDelay, "Delay between sealing a lobby and closing its members")
	fs.Duration(flagReconnectCooldown, DefaultReconnectCooldown, "Minimum time between a disconnect and a new connection from the same address")
	fs.Duration(flagHeartbeatInterval, DefaultHeartbeatInterval, "Interval between liveness probes")
	fs.String(flagICEServersJSON, "", "ICE server JSON advertised to clients ("+envICEServersJSON+")")
	fs.String(flagStunURLs, "", "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.String(flagTurnURLs, "", "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.String(flagTurnUsername, "", "TURN username ("+envTurnUsername+")")
	fs.String(flagTurnCredential, "", "TURN credential ("+envTurnCredential+")")
	fs.String(flagTURNRESTSharedSecret, "", "coturn static-auth-secret; enables ephemeral TURN credentials on /webrtc/ice")
	fs.Int64(flagTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds, "Lifetime of minted TURN credentials in seconds")
	fs.String(flagTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix, "Middle segment of minted TURN usernames")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	envs := map[string]string{
		flagListenAddr:               envVarListenAddr,
		flagMode:                     envVarMode,
		flagLogFormat:                envVarLogFormat,
		flagLogLevel:                 envVarLogLevel,
		flagShutdownTimeout:          envVarShutdownTimeout,
		flagTLSCertFile:              envVarTLSCertFile,
		flagTLSKeyFile:               envVarTLSKeyFile,
		flagAllowedOrigins:           envVarAllowedOrigins,
		flagTrustForwardedFor:        envVarTrustForwardedFor,
		flagMaxPeers:                 envVarMaxPeers,
		flagMaxConnectionsPerAddress: envVarMaxConnectionsPerAddress,
		flagMaxLobbies:               envVarMaxLobbies,
		flagMaxMessageBytes:          envVarMaxMessageBytes,
		flagMaxMessagesPerSecond:     envVarMaxMessagesPerSecond,
		flagJoinGrace:                envVarJoinGrace,
		flagSealCloseDelay:           envVarSealCloseDelay,
		flagReconnectCooldown:        envVarReconnectCooldown,
		flagHeartbeatInterval:        envVarHeartbeatInterval,
		flagICEServersJSON:           envICEServersJSON,
		flagStunURLs:                 envStunURLs,
		flagTurnURLs:                 envTurnURLs,
		flagTurnUsername:             envTurnUsername,
		flagTurnCredential:           envTurnCredential,
		flagTURNRESTSharedSecret:     envVarTURNRESTSharedSecret,
		flagTURNRESTTTLSeconds:       envVarTURNRESTTTLSeconds,
		flagTURNRESTUsernamePrefix:   envVarTURNRESTUsernamePrefix,
	}
	for key, env := range envs {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

// Load resolves a Config from v, which must have been prepared with
// RegisterFlags.
func Load(v *viper.Viper) (Config, error) {
	mode, err := parseMode(v.GetString(flagMode))
	if err != nil {
		return Config{}, err
	}

	logFormatRaw := v.GetString(flagLogFormat)
	if strings.TrimSpace(logFormatRaw) == "" {
		logFormatRaw = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatRaw)
	if err != nil {
		return Config{}, err
	}

	logLevelRaw := v.GetString(flagLogLevel)
	if strings.TrimSpace(logLevelRaw) == "" {
		logLevelRaw = defaultLogLevelForMode(mode)
	}
	level, err := parseLogLevel(logLevelRaw)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     strings.TrimSpace(v.GetString(flagListenAddr)),
		Mode:           mode,
		LogFormat:      logFormat,
		LogLevel:       level,
		TLSCertFile:    strings.TrimSpace(v.GetString(flagTLSCertFile)),
		TLSKeyFile:     strings.TrimSpace(v.GetString(flagTLSKeyFile)),
		AllowedOrigins: splitCommaSeparated(v.GetString(flagAllowedOrigins)),
	}
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("%s must not be empty", flagListenAddr)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envVarTLSCertFile, envVarTLSKeyFile)
	}

	if cfg.TrustForwardedFor, err = cast.ToBoolE(v.Get(flagTrustForwardedFor)); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTrustForwardedFor, v.GetString(flagTrustForwardedFor), err)
	}

	var errs []error
	positiveInt := func(key, env string) int {
		n, err := intValue(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", env, v.GetString(key), err))
			return 0
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", env, n))
		}
		return int(n)
	}
	positiveDuration := func(key, env string) time.Duration {
		d, err := durationValue(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", env, v.GetString(key), err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", env, d))
		}
		return d
	}

	cfg.ShutdownTimeout = positiveDuration(flagShutdownTimeout, envVarShutdownTimeout)
	cfg.MaxPeers = positiveInt(flagMaxPeers, envVarMaxPeers)
	cfg.MaxConnectionsPerAddress = positiveInt(flagMaxConnectionsPerAddress, envVarMaxConnectionsPerAddress)
	cfg.MaxLobbies = positiveInt(flagMaxLobbies, envVarMaxLobbies)
	cfg.MaxMessageBytes = int64(positiveInt(flagMaxMessageBytes, envVarMaxMessageBytes))
	cfg.JoinGrace = positiveDuration(flagJoinGrace, envVarJoinGrace)
	cfg.SealCloseDelay = positiveDuration(flagSealCloseDelay, envVarSealCloseDelay)
	cfg.ReconnectCooldown = positiveDuration(flagReconnectCooldown, envVarReconnectCooldown)
	cfg.HeartbeatInterval = positiveDuration(flagHeartbeatInterval, envVarHeartbeatInterval)

	rate, err := intValue(v.Get(flagMaxMessagesPerSecond))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid %s %q: %w", envVarMaxMessagesPerSecond, v.GetString(flagMaxMessagesPerSecond), err))
	}
	cfg.MaxMessagesPerSecond = int(rate)

	cfg.TURNREST = TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(v.GetString(flagTURNRESTSharedSecret)),
		UsernamePrefix: strings.TrimSpace(v.GetString(flagTURNRESTUsernamePrefix)),
	}
	if cfg.TURNREST.TTLSeconds, err = intValue(v.Get(flagTURNRESTTTLSeconds)); err != nil {
		errs = append(errs, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, v.GetString(flagTURNRESTTTLSeconds), err))
	}
	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTLSeconds <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", envVarTURNRESTTTLSeconds, cfg.TURNREST.TTLSeconds))
		}
		if cfg.TURNREST.UsernamePrefix == "" || strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			errs = append(errs, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(
		v.GetString(flagICEServersJSON),
		v.GetString(flagStunURLs),
		v.GetString(flagTurnURLs),
		v.GetString(flagTurnUsername),
		v.GetString(flagTurnCredential),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// intValue parses string input as a base-10 integer. Typed flag values pass
// through.
func intValue(raw any) (int64, error) {
	if s, ok := raw.(string); ok {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return cast.ToInt64E(raw)
}

// durationValue requires a unit on string input ("1000" is rejected, not read
// as nanoseconds).
func durationValue(raw any) (time.Duration, error) {
	switch d := raw.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(d))
	default:
		return 0, fmt.Errorf("unsupported duration value of type %T", raw)
	}
}

// Defaults returns the configuration used when no flag or env var is set.
func Defaults() Config {
	return Config{
		ListenAddr:               DefaultListenAddr,
		Mode:                     DefaultMode,
		LogFormat:                LogFormatText,
		LogLevel:                 slog.LevelDebug,
		ShutdownTimeout:          DefaultShutdown,
		MaxPeers:                 DefaultMaxPeers,
		MaxConnectionsPerAddress: DefaultMaxConnectionsPerAddress,
		MaxLobbies:               DefaultMaxLobbies,
		MaxMessageBytes:          DefaultMaxMessageBytes,
		MaxMessagesPerSecond:     DefaultMaxMessagesPerSecond,
		JoinGrace:                DefaultJoinGrace,
		SealCloseDelay:           DefaultSealCloseDelay,
		ReconnectCooldown:        DefaultReconnectCooldown,
		HeartbeatInterval:        DefaultHeartbeatInterval,
		TURNREST: TurnRESTConfig{
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: DefaultTURNRESTUsernamePrefix,
		},
	}
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

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
