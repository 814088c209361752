package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const flagConfig = "config"

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

// fileKeys maps config file keys (flag names) to the environment variable
// that backs the same setting. File values sit below the environment.
var fileKeys = map[string]string{
	"listen-addr":      envVarListenAddr,
	"public-base-url":  envVarPublicBaseURL,
	"allowed-origins":  envVarAllowedOrigins,
	"mode":             envVarMode,
	"log-format":       envVarLogFormat,
	"log-level":        envVarLogLevel,
	"shutdown-timeout": envVarShutdownTimeout,

	"jwt-secret":         envVarJWTSecret,
	"token-ttl":          envVarTokenTTL,
	"recorder-token-ttl": envVarRecorderTokenTTL,

	"database-path":      envVarDatabasePath,
	"database-pool-size": envVarDatabasePoolSize,

	"recording-dir":          envVarRecordingDir,
	"recording-compression":  envVarRecordingCompression,
	"signal-base-url":        envVarSignalBaseURL,
	"recording-stop-timeout": envVarRecordingStopTimeout,
	"recording-pli-interval": envVarRecordingPLIInterval,

	"s3-endpoint":         envVarS3Endpoint,
	"s3-region":           envVarS3Region,
	"s3-bucket":           envVarS3Bucket,
	"s3-access-key":       envVarS3AccessKey,
	"s3-secret-key":       envVarS3SecretKey,
	"s3-force-path-style": envVarS3ForcePathStyle,
	"s3-use-ssl":          envVarS3UseSSL,
	"s3-public-base-url":  envVarS3PublicBaseURL,

	"ice-servers-json":          envICEServersJSON,
	"stun-urls":                 envStunURLs,
	"turn-urls":                 envTurnURLs,
	"turn-username":             envTurnUsername,
	"turn-credential":           envTurnCredential,
	"turn-rest-shared-secret":   envVarTURNRESTSharedSecret,
	"turn-rest-ttl-seconds":     envVarTURNRESTTTLSeconds,
	"turn-rest-username-prefix": envVarTURNRESTUsernamePrefix,
	"turn-rest-realm":           envVarTURNRESTRealm,

	flagWebRTCUDPPortMin:             envVarWebRTCUDPPortMin,
	flagWebRTCUDPPortMax:             envVarWebRTCUDPPortMax,
	flagWebRTCUDPListenIP:            envVarWebRTCUDPListenIP,
	flagWebRTCNAT1To1IPs:             envVarWebRTCNAT1To1IPs,
	flagWebRTCNAT1To1IPCandidateType: envVarWebRTCNAT1To1IPCandidateType,

	"signaling-ws-pong-wait":            envVarSignalingWSPongWait,
	"signaling-ws-ping-interval":        envVarSignalingWSPingInterval,
	"signaling-ws-write-wait":           envVarSignalingWSWriteWait,
	"signaling-send-queue":              envVarSignalingSendQueue,
	"max-signaling-message-bytes":       envVarMaxSignalingMessageBytes,
	"max-signaling-messages-per-second": envVarMaxSignalingMessagesPerSecond,
	"max-signaling-message-burst":       envVarMaxSignalingMessageBurst,
}

// scanConfigFileArg finds --config before the full flag set exists, since the
// file feeds the defaults of every other flag.
func scanConfigFileArg(args []string) (string, error) {
	fs := pflag.NewFlagSet("roomrelay-config-scan", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var path string
	fs.StringVar(&path, flagConfig, "", "")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(path), nil
}

// readConfigFile decodes a flat YAML mapping of flag names to values and
// returns it keyed by environment variable name.
func readConfigFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(doc))
	for _, key := range keys {
		envKey, ok := fileKeys[key]
		if !ok {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, key)
		}
		v, err := fileValueString(doc[key])
		if err != nil {
			return nil, fmt.Errorf("config file %s: key %q: %w", path, key, err)
		}
		out[envKey] = v
	}
	return out, nil
}

func fileValueString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []any:
		// Scalar lists become comma-separated values; anything richer (ICE
		// server objects) is handed over as JSON.
		parts := make([]string, 0, len(t))
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				b, err := json.Marshal(t)
				if err != nil {
					return "", err
				}
				return string(b), nil
			}
			s, err := fileValueString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func layeredLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}
