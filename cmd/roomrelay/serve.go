package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/blobstore"
	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/httpserver"
	"github.com/hackrtc/roomrelay/internal/metrics"
	"github.com/hackrtc/roomrelay/internal/recorder"
	"github.com/hackrtc/roomrelay/internal/recording"
	"github.com/hackrtc/roomrelay/internal/signaling"
	"github.com/hackrtc/roomrelay/internal/store"
	"github.com/hackrtc/roomrelay/internal/turnrest"
	"github.com/hackrtc/roomrelay/internal/webrtcpeer"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the signaling hub, recording API and health endpoints",
		// Flags belong to the config package so env, file and flag layering
		// stay in one place.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args)
			if err != nil {
				if errors.Is(err, pflag.ErrHelp) {
					return nil
				}
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// This does not start any networking; ICE sockets are only created once the
	// recorder creates PeerConnections.
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	logger.Info("starting roomrelay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"database_path", cfg.DatabasePath,
		"recording_dir", cfg.RecordingDir,
		"recording_compression", cfg.RecordingCompression,
		"signal_base_url", cfg.SignalBaseURL,
		"s3_enabled", cfg.S3.Enabled(),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	db, err := store.Open(store.Config{
		Path:     cfg.DatabasePath,
		PoolSize: cfg.DatabasePoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	tokens := auth.NewHS256(cfg.JWTSecret)

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.FromConfig(cfg.TURNREST)
		if err != nil {
			return fmt.Errorf("configure turn rest: %w", err)
		}
	}

	var blobs blobstore.Store
	if cfg.S3.Enabled() {
		s3, err := blobstore.NewS3(cfg.S3)
		if err != nil {
			return err
		}
		blobs = s3
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Options{
		Metrics:    m,
		TURN:       turn,
		ReadyCheck: db.Ping,
	})

	hub := signaling.NewHub(logger, m)
	sig := signaling.NewServer(signaling.Config{
		Hub:         hub,
		Verifier:    tokens,
		Store:       db,
		Limits:      cfg.Signaling,
		CheckOrigin: srv.OriginPolicy().CheckOrigin,
		Logger:      logger,
		Metrics:     m,
	})
	sig.RegisterRoutes(srv.Mux())

	iceServers := cfg.PeerConnectionICEServers()
	mgr, err := recording.NewManager(recording.Config{
		Store:  db,
		Tokens: tokens,
		NewAgent: func(roomID, token string) (recording.Agent, error) {
			agent, err := recorder.New(recorder.Config{
				RoomID:        roomID,
				SignalBaseURL: cfg.SignalBaseURL,
				Token:         token,
				API:           api,
				ICEServers:    iceServers,
				OutputDir:     cfg.RecordingDir,
				Compression:   cfg.RecordingCompression,
				PLIInterval:   cfg.RecordingPLIInterval,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			return agent, nil
		},
		Blobs:            blobs,
		Compression:      cfg.RecordingCompression,
		RecorderTokenTTL: cfg.RecorderTokenTTL,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	recording.NewHandler(mgr, tokens, cfg.RecordingStopTimeout, logger).RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		hub.CloseAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Recorders still hold signaling sockets; stop them before the hub goes.
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("recording shutdown incomplete", "err", err, "active", mgr.Active())
	}
	hub.CloseAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}
