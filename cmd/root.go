package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/chatbridge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	platforms []string
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "chatbridge: Discord and Slack adapters for a message broker",
	Long:  "chatbridge relays Discord and Slack messages to a message broker and streams the broker's responses back as live-edited messages with feedback buttons.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CHATBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringSliceVar(&platforms, "platform", nil, "only run these platforms (discord, slack); default: every enabled channel")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatbridge %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CHATBRIDGE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// restrictPlatforms disables every configured channel not named in only.
// An empty list leaves the config untouched.
func restrictPlatforms(cfg *config.Config, only []string) error {
	if len(only) == 0 {
		return nil
	}
	keep := map[string]bool{}
	for _, p := range only {
		p = strings.ToLower(strings.TrimSpace(p))
		switch p {
		case bus.PlatformDiscord, bus.PlatformSlack:
			keep[p] = true
		default:
			return fmt.Errorf("unknown platform %q (want discord or slack)", p)
		}
	}
	cfg.Channels.Discord.Enabled = cfg.Channels.Discord.Enabled && keep[bus.PlatformDiscord]
	cfg.Channels.Slack.Enabled = cfg.Channels.Slack.Enabled && keep[bus.PlatformSlack]
	return nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
