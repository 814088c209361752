package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	commit, _ := resolveBuildInfo(buildCommit, buildTime)
	root := &cobra.Command{
		Use:   "roomrelay",
		Short: "Room signaling hub and server-side recorder",
		Long: `roomrelay runs the WebSocket signaling hub for video rooms and records
rooms on demand with a server-side WebRTC participant.

Examples:
  roomrelay serve --listen-addr 0.0.0.0:8080
  roomrelay room create standup --owner alice
  roomrelay token alice --name Alice
  roomrelay inspect recordings/recording_standup_1700000000.rtpcap.zst`,
		Version:       commit,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (env ROOMRELAY_CONFIG)")

	root.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newRoomCmd(),
		newInspectCmd(),
	)
	return root
}

// configArgs forwards the persistent --config flag to config.Load for the
// commands that parse their own flags with cobra.
func configArgs(cmd *cobra.Command) []string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	return []string{"--config", path}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
