package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/hackrtc/roomrelay/internal/origin"
)

const (
	envVarConfigFile      = "ROOMRELAY_CONFIG"
	envVarListenAddr      = "ROOMRELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "ROOMRELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "ROOMRELAY_LOG_FORMAT"
	envVarLogLevel        = "ROOMRELAY_LOG_LEVEL"
	envVarShutdownTimeout = "ROOMRELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "ROOMRELAY_MODE"

	envVarJWTSecret        = "JWT_SECRET"
	envVarTokenTTL         = "ROOMRELAY_TOKEN_TTL"
	envVarRecorderTokenTTL = "ROOMRELAY_RECORDER_TOKEN_TTL"

	envVarDatabasePath     = "ROOMRELAY_DATABASE_PATH"
	envVarDatabasePoolSize = "ROOMRELAY_DATABASE_POOL_SIZE"

	// Recording agent.
	envVarRecordingDir         = "ROOMRELAY_RECORDING_DIR"
	envVarRecordingCompression = "ROOMRELAY_RECORDING_COMPRESSION"
	envVarSignalBaseURL        = "ROOMRELAY_SIGNAL_BASE_URL"
	envVarRecordingStopTimeout = "ROOMRELAY_RECORDING_STOP_TIMEOUT"
	envVarRecordingPLIInterval = "ROOMRELAY_RECORDING_PLI_INTERVAL"

	// S3-compatible blob store. Unset endpoint/bucket disables uploads.
	envVarS3Endpoint       = "S3_ENDPOINT"
	envVarS3Region         = "S3_REGION"
	envVarS3Bucket         = "S3_BUCKET"
	envVarS3AccessKey      = "S3_ACCESS_KEY"
	envVarS3SecretKey      = "S3_SECRET_KEY"
	envVarS3ForcePathStyle = "S3_FORCE_PATH_STYLE"
	envVarS3UseSSL         = "S3_USE_SSL"
	envVarS3PublicBaseURL  = "S3_PUBLIC_BASE_URL"

	// Signaling WebSocket hardening.
	envVarSignalingWSPongWait           = "SIGNALING_WS_PONG_WAIT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarSignalingWSWriteWait          = "SIGNALING_WS_WRITE_WAIT"
	envVarSignalingSendQueue            = "SIGNALING_SEND_QUEUE"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxSignalingMessageBurst      = "MAX_SIGNALING_MESSAGE_BURST"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultShutdown         = 15 * time.Second
	DefaultMode        Mode = ModeDev

	DefaultTokenTTL         = 24 * time.Hour
	DefaultRecorderTokenTTL = 12 * time.Hour

	DefaultDatabasePath     = "roomrelay.db"
	DefaultDatabasePoolSize = 8

	DefaultRecordingStopTimeout = 30 * time.Second
	DefaultRecordingPLIInterval = 3 * time.Second
	DefaultRecordingCompression = CompressionZstd
	DefaultS3Region             = "us-east-1"
	DefaultWebRTCUDPListenIP    = "0.0.0.0"

	// DefaultJWTSecret is accepted in dev mode only.
	DefaultJWTSecret = "change_me_in_prod"

	DefaultSignalingWSPongWait           = 60 * time.Second
	DefaultSignalingWSPingInterval       = DefaultSignalingWSPongWait * 9 / 10
	DefaultSignalingWSWriteWait          = 10 * time.Second
	DefaultSignalingSendQueue            = 64
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxSignalingMessageBurst      = 100

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "roomrelay"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. The recording
// agent holds one peer connection per participant.
const recommendedWebRTCUDPPortRangeSize = 100

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

// Compression selects the stream codec wrapped around recording captures.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
	CompressionNone Compression = "none"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	UseSSL         bool
	// PublicBaseURL overrides the URL prefix recorded for uploaded objects.
	PublicBaseURL string
}

// Enabled reports whether recordings should be uploaded after finalize.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

type SignalingLimits struct {
	PongWait          time.Duration
	PingInterval      time.Duration
	WriteWait         time.Duration
	SendQueue         int
	MaxMessageBytes   int64
	MessagesPerSecond int
	MessageBurst      int
}

type Config struct {
	// ConfigFile is the YAML file the values were overlaid from, if any.
	ConfigFile string

	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	JWTSecret        string
	TokenTTL         time.Duration
	RecorderTokenTTL time.Duration

	DatabasePath     string
	DatabasePoolSize int

	RecordingDir         string
	RecordingCompression Compression
	// SignalBaseURL is the ws:// or wss:// base the recording agent dials to
	// join rooms. Defaults to the listen address.
	SignalBaseURL        string
	RecordingStopTimeout time.Duration
	RecordingPLIInterval time.Duration

	S3 S3Config

	Signaling SignalingLimits

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the agent is behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default".
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns the ICE server list to use when constructing
// server-side PeerConnections.
//
// When TURN REST is enabled, the client-facing ICE list may include TURN URLs
// without credentials (credentials are injected per /webrtc/ice request).
// Pion requires TURN credentials, so TURN servers without them are filtered out.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	if !c.TURNREST.Enabled() {
		return c.ICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !IsTURNServer(server) {
			out = append(out, server)
			continue
		}
		if strings.TrimSpace(server.Username) == "" {
			continue
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile, err := scanConfigFileArg(args)
	if err != nil {
		return Config{}, err
	}
	if configFile == "" {
		configFile = strings.TrimSpace(envOrDefault(envLookup, envVarConfigFile, ""))
	}

	lookup := envLookup
	if configFile != "" {
		fileValues, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layeredLookup(envLookup, fileValues)
	}

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

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	tokenTTL, err := envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL)
	if err != nil {
		return Config{}, err
	}
	recorderTokenTTL, err := envDurationOrDefault(lookup, envVarRecorderTokenTTL, DefaultRecorderTokenTTL)
	if err != nil {
		return Config{}, err
	}

	databasePath := envOrDefault(lookup, envVarDatabasePath, DefaultDatabasePath)
	databasePoolSize, err := envIntOrDefault(lookup, envVarDatabasePoolSize, DefaultDatabasePoolSize)
	if err != nil {
		return Config{}, err
	}

	recordingDir := envOrDefault(lookup, envVarRecordingDir, os.TempDir())
	recordingCompressionStr := envOrDefault(lookup, envVarRecordingCompression, string(DefaultRecordingCompression))
	signalBaseURL := envOrDefault(lookup, envVarSignalBaseURL, "")
	recordingStopTimeout, err := envDurationOrDefault(lookup, envVarRecordingStopTimeout, DefaultRecordingStopTimeout)
	if err != nil {
		return Config{}, err
	}
	recordingPLIInterval, err := envDurationOrDefault(lookup, envVarRecordingPLIInterval, DefaultRecordingPLIInterval)
	if err != nil {
		return Config{}, err
	}

	s3Endpoint := envOrDefault(lookup, envVarS3Endpoint, "")
	s3Region := envOrDefault(lookup, envVarS3Region, DefaultS3Region)
	s3Bucket := envOrDefault(lookup, envVarS3Bucket, "")
	s3AccessKey := envOrDefault(lookup, envVarS3AccessKey, "")
	s3SecretKey := envOrDefault(lookup, envVarS3SecretKey, "")
	s3PublicBaseURL := envOrDefault(lookup, envVarS3PublicBaseURL, "")
	s3ForcePathStyle, err := envBoolOrDefault(lookup, envVarS3ForcePathStyle, true)
	if err != nil {
		return Config{}, err
	}
	s3UseSSL, err := envBoolOrDefault(lookup, envVarS3UseSSL, true)
	if err != nil {
		return Config{}, err
	}

	pongWait, err := envDurationOrDefault(lookup, envVarSignalingWSPongWait, DefaultSignalingWSPongWait)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	writeWait, err := envDurationOrDefault(lookup, envVarSignalingWSWriteWait, DefaultSignalingWSWriteWait)
	if err != nil {
		return Config{}, err
	}
	sendQueue, err := envIntOrDefault(lookup, envVarSignalingSendQueue, DefaultSignalingSendQueue)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBurst, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBurst, DefaultMaxSignalingMessageBurst)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := pflag.NewFlagSet("roomrelay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, flagConfig, configFile, "YAML config file; keys are flag names (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for participant and recorder tokens (env "+envVarJWTSecret+")")
	fs.DurationVar(&tokenTTL, "token-ttl", tokenTTL, "Lifetime of tokens minted by `roomrelay token` (env "+envVarTokenTTL+")")
	fs.DurationVar(&recorderTokenTTL, "recorder-token-ttl", recorderTokenTTL, "Lifetime of recording agent credentials (env "+envVarRecorderTokenTTL+")")

	fs.StringVar(&databasePath, "database-path", databasePath, "SQLite database file (env "+envVarDatabasePath+")")
	fs.IntVar(&databasePoolSize, "database-pool-size", databasePoolSize, "SQLite connection pool size (env "+envVarDatabasePoolSize+")")

	fs.StringVar(&recordingDir, "recording-dir", recordingDir, "Directory for recording capture files (env "+envVarRecordingDir+")")
	fs.StringVar(&recordingCompressionStr, "recording-compression", recordingCompressionStr, "Capture stream compression: zstd, lz4, or none (env "+envVarRecordingCompression+")")
	fs.StringVar(&signalBaseURL, "signal-base-url", signalBaseURL, "ws:// or wss:// base URL the recording agent dials (default derived from --listen-addr; env "+envVarSignalBaseURL+")")
	fs.DurationVar(&recordingStopTimeout, "recording-stop-timeout", recordingStopTimeout, "Max time a stop request waits for finalize and upload (env "+envVarRecordingStopTimeout+")")
	fs.DurationVar(&recordingPLIInterval, "recording-pli-interval", recordingPLIInterval, "Interval between keyframe requests on recorded video tracks (0 = disabled; env "+envVarRecordingPLIInterval+")")

	fs.StringVar(&s3Endpoint, "s3-endpoint", s3Endpoint, "S3-compatible endpoint host[:port] (env "+envVarS3Endpoint+")")
	fs.StringVar(&s3Region, "s3-region", s3Region, "S3 region (env "+envVarS3Region+")")
	fs.StringVar(&s3Bucket, "s3-bucket", s3Bucket, "S3 bucket for recordings (env "+envVarS3Bucket+")")
	fs.StringVar(&s3AccessKey, "s3-access-key", s3AccessKey, "S3 access key (env "+envVarS3AccessKey+")")
	fs.StringVar(&s3SecretKey, "s3-secret-key", s3SecretKey, "S3 secret key (env "+envVarS3SecretKey+")")
	fs.BoolVar(&s3ForcePathStyle, "s3-force-path-style", s3ForcePathStyle, "Use path-style bucket addressing (env "+envVarS3ForcePathStyle+")")
	fs.BoolVar(&s3UseSSL, "s3-use-ssl", s3UseSSL, "Use HTTPS for the S3 endpoint (env "+envVarS3UseSSL+")")
	fs.StringVar(&s3PublicBaseURL, "s3-public-base-url", s3PublicBaseURL, "Override public URL prefix for uploaded recordings (env "+envVarS3PublicBaseURL+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.DurationVar(&pongWait, "signaling-ws-pong-wait", pongWait, "Close signaling WebSocket connections silent for this long (env "+envVarSignalingWSPongWait+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping interval on signaling WebSocket connections (must be < --signaling-ws-pong-wait; env "+envVarSignalingWSPingInterval+")")
	fs.DurationVar(&writeWait, "signaling-ws-write-wait", writeWait, "Write deadline for each signaling frame (env "+envVarSignalingWSWriteWait+")")
	fs.IntVar(&sendQueue, "signaling-send-queue", sendQueue, "Outbound frames buffered per connection before it is dropped (env "+envVarSignalingSendQueue+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxSignalingMessageBurst, "max-signaling-message-burst", maxSignalingMessageBurst, "Signaling message burst allowance (env "+envVarMaxSignalingMessageBurst+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !fs.Changed("log-format") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !fs.Changed("log-level") {
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

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	jwtSecret = strings.TrimSpace(jwtSecret)
	if jwtSecret == "" {
		if mode == ModeProd {
			return Config{}, fmt.Errorf("%s/--jwt-secret is required in prod mode", envVarJWTSecret)
		}
		jwtSecret = DefaultJWTSecret
	}
	if mode == ModeProd && jwtSecret == DefaultJWTSecret {
		return Config{}, fmt.Errorf("%s/--jwt-secret must not use the default value in prod mode", envVarJWTSecret)
	}
	if tokenTTL <= 0 || recorderTokenTTL <= 0 {
		return Config{}, fmt.Errorf("token TTLs must be > 0")
	}

	if strings.TrimSpace(databasePath) == "" {
		return Config{}, fmt.Errorf("%s/--database-path must not be empty", envVarDatabasePath)
	}
	if databasePoolSize <= 0 {
		return Config{}, fmt.Errorf("%s/--database-pool-size must be > 0", envVarDatabasePoolSize)
	}

	recordingCompression, err := parseCompression(recordingCompressionStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--recording-compression: %w", envVarRecordingCompression, err)
	}
	if recordingStopTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--recording-stop-timeout must be > 0", envVarRecordingStopTimeout)
	}
	if recordingPLIInterval < 0 {
		return Config{}, fmt.Errorf("%s/--recording-pli-interval must be >= 0", envVarRecordingPLIInterval)
	}

	if strings.TrimSpace(signalBaseURL) == "" {
		signalBaseURL = defaultSignalBaseURL(listenAddr)
	}
	signalBaseURL, err = normalizeSignalBaseURL(signalBaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--signal-base-url: %w", envVarSignalBaseURL, err)
	}

	if (strings.TrimSpace(s3Endpoint) == "") != (strings.TrimSpace(s3Bucket) == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarS3Endpoint, envVarS3Bucket)
	}

	if pongWait <= 0 || writeWait <= 0 {
		return Config{}, fmt.Errorf("signaling pong wait and write wait must be > 0")
	}
	if pingInterval <= 0 || pingInterval >= pongWait {
		return Config{}, fmt.Errorf("signaling ping interval (%s) must be > 0 and < pong wait (%s)", pingInterval, pongWait)
	}
	if sendQueue <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue must be > 0", envVarSignalingSendQueue)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be >= 0", envVarMaxSignalingMessagesPerSecond)
	}
	if maxSignalingMessageBurst < maxSignalingMessagesPerSecond {
		maxSignalingMessageBurst = maxSignalingMessagesPerSecond
	}

	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s/--%s and %s/--%s must be set together (or both unset)", envVarWebRTCUDPPortMin, flagWebRTCUDPPortMin, envVarWebRTCUDPPortMax, flagWebRTCUDPPortMax)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 {
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ConfigFile:      configFile,
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		JWTSecret:        jwtSecret,
		TokenTTL:         tokenTTL,
		RecorderTokenTTL: recorderTokenTTL,

		DatabasePath:     databasePath,
		DatabasePoolSize: databasePoolSize,

		RecordingDir:         recordingDir,
		RecordingCompression: recordingCompression,
		SignalBaseURL:        signalBaseURL,
		RecordingStopTimeout: recordingStopTimeout,
		RecordingPLIInterval: recordingPLIInterval,

		S3: S3Config{
			Endpoint:       strings.TrimSpace(s3Endpoint),
			Region:         strings.TrimSpace(s3Region),
			Bucket:         strings.TrimSpace(s3Bucket),
			AccessKey:      s3AccessKey,
			SecretKey:      s3SecretKey,
			ForcePathStyle: s3ForcePathStyle,
			UseSSL:         s3UseSSL,
			PublicBaseURL:  strings.TrimRight(strings.TrimSpace(s3PublicBaseURL), "/"),
		},

		Signaling: SignalingLimits{
			PongWait:          pongWait,
			PingInterval:      pingInterval,
			WriteWait:         writeWait,
			SendQueue:         sendQueue,
			MaxMessageBytes:   maxSignalingMessageBytes,
			MessagesPerSecond: maxSignalingMessagesPerSecond,
			MessageBurst:      maxSignalingMessageBurst,
		},

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := resolveICEServers(iceSources{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
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

// defaultSignalBaseURL points the recording agent at this process. Wildcard
// listen hosts are replaced with loopback.
func defaultSignalBaseURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "ws://" + listenAddr
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && IsUnspecifiedIP(ip)) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port)
}

func normalizeSignalBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%q: expected ws:// or wss://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%q: must not include credentials, query, or fragment", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
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

func parseCompression(raw string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(CompressionZstd), "":
		return CompressionZstd, nil
	case string(CompressionLZ4):
		return CompressionLZ4, nil
	case string(CompressionNone):
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("invalid compression %q (expected %s, %s, or %s)", raw, CompressionZstd, CompressionLZ4, CompressionNone)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, errors.New("must include at least one IP")
	}
	return out, nil
}
