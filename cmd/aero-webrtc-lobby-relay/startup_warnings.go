package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && !cfg.TLSEnabled() {
		logger.Warn("startup security warning: --mode=prod without TLS_CERT_FILE/TLS_KEY_FILE serves plain ws:// (terminate TLS in front of the relay)",
			"warning_code", "prod_without_tls",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustForwardedFor {
		logger.Warn("startup security warning: TRUST_FORWARDED_FOR=true takes client addresses from X-Forwarded-For (spoofable unless a trusted proxy sets it)",
			"warning_code", "trust_forwarded_for",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_MESSAGES_PER_SECOND=0 disables per-connection rate limiting while --mode=prod",
			"warning_code", "message_rate_limit_disabled_in_prod",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
}
