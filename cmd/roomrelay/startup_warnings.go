package main

import (
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/hackrtc/roomrelay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("startup security warning: JWT_SECRET is the built-in development default (anyone can mint tokens)",
			"warning_code", "jwt_secret_default",
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

	if cfg.Mode == config.ModeProd {
		if u, err := url.Parse(cfg.SignalBaseURL); err == nil && u.Scheme == "ws" && !isLoopbackHost(u.Hostname()) {
			logger.Warn("startup security warning: recorder dials signaling over plaintext ws:// to a non-loopback host (recorder credentials travel unencrypted)",
				"warning_code", "signal_base_url_plaintext",
				"signal_base_url_host", u.Host,
				"mode", cfg.Mode,
			)
		}

		if !cfg.S3.Enabled() {
			logger.Warn("startup warning: no S3 endpoint configured; recordings stay on local disk and are marked completed without a URL",
				"warning_code", "s3_disabled",
				"recording_dir", cfg.RecordingDir,
				"mode", cfg.Mode,
			)
		} else if !cfg.S3.UseSSL {
			logger.Warn("startup security warning: S3_USE_SSL=false while --mode=prod (uploads and credentials travel unencrypted)",
				"warning_code", "s3_plaintext",
				"s3_endpoint_host", safeURLHost(cfg.S3.Endpoint),
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.TURNREST.Enabled() && !config.HasTURNServer(cfg.ICEServers) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but no turn: or turns: ICE server is configured (credentials will never be used)",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}

	// Large frames weaken the per-connection read limit.
	if cfg.Signaling.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.Signaling.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
