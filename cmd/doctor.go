package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	slackgo "github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

const tokenCheckTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	var checkTokens bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and platform credentials",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(checkTokens)
		},
	}
	cmd.Flags().BoolVar(&checkTokens, "check-tokens", true, "verify tokens against the platform APIs")
	return cmd
}

func runDoctor(checkTokens bool) {
	fmt.Println("chatbridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := restrictPlatforms(cfg, platforms); err != nil {
		fmt.Printf("  Platform filter: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Channels:")
	d, s := cfg.Channels.Discord, cfg.Channels.Slack
	checkChannel("Discord", d.Enabled, d.Token != "")
	checkChannel("Slack", s.Enabled, s.BotToken != "" && s.AppToken != "")

	if checkTokens {
		ctx, cancel := context.WithTimeout(context.Background(), tokenCheckTimeout)
		defer cancel()
		if d.Enabled && d.Token != "" {
			checkDiscordToken(ctx, d.Token)
		}
		if s.Enabled && s.BotToken != "" {
			checkSlackToken(ctx, s.BotToken)
		}
	}

	fmt.Println()
	fmt.Println("  Broker:")
	fmt.Printf("    %-12s %s\n", "URL:", orNone(cfg.Broker.URL))
	fmt.Printf("    %-12s %s\n", "Token:", maskSecret(cfg.Broker.Token))

	fmt.Println()
	fmt.Println("  Feedback:")
	status := "disabled"
	if cfg.Feedback.Active() {
		status = "enabled → " + cfg.Feedback.PostURL
	} else if cfg.Feedback.Enabled {
		status = "enabled (missing post_url)"
	}
	fmt.Printf("    %-12s %s\n", "Status:", status)

	fmt.Println()
	fmt.Println("  Observability:")
	fmt.Printf("    %-12s %s\n", "Metrics:", orNone(cfg.Metrics.Listen))
	tel := "disabled"
	if cfg.Telemetry.Enabled {
		tel = cfg.Telemetry.Endpoint
	}
	fmt.Printf("    %-12s %s\n", "Tracing:", tel)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkDiscordToken(ctx context.Context, token string) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Discord bot:", err)
		return
	}
	u, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		fmt.Printf("    %-12s AUTH FAILED (%s)\n", "Discord bot:", err)
		return
	}
	fmt.Printf("    %-12s %s (%s)\n", "Discord bot:", u.Username, u.ID)
}

func checkSlackToken(ctx context.Context, token string) {
	auth, err := slackgo.New(token).AuthTestContext(ctx)
	if err != nil {
		fmt.Printf("    %-12s AUTH FAILED (%s)\n", "Slack bot:", err)
		return
	}
	fmt.Printf("    %-12s %s in %s\n", "Slack bot:", auth.User, auth.Team)
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

// maskSecret keeps the first and last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not configured)"
	case len(s) <= 8:
		return strings.Repeat("*", len(s))
	default:
		return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
	}
}
