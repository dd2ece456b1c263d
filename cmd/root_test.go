package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dowmeister/digitalocean-ai-agent-discord-bot/agentbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General config

AGENTBOT_LOG_LEVEL=DEBUG
AGENTBOT_STARTUP_TIMEOUT=15s
AGENTBOT_SHUTDOWN_TIMEOUT=45s
AGENTBOT_DEVELOPMENT=true

# Agent config (unprefixed names are also accepted)

DO_AI_AGENT_ENDPOINT=https://abc123.agents.do-ai.run
DO_AI_API_KEY=unprefixed-agent-key
AGENTBOT_AGENT_API_KEY=prefixed-agent-key
AGENTBOT_AGENT_MAX_TOKENS=500
AGENTBOT_AGENT_MAX_REQUESTS_PER_SECOND=2.5
AGENTBOT_AGENT_LOG_LEVEL=WARN

# Discord bot config

DISCORD_TOKEN=your-discord-bot-token
DISCORD_CLIENT_ID=123456789012345678
AGENTBOT_DISCORD_GUILD_ID=987654321
AGENTBOT_DISCORD_GATEWAY_INTENTS=3243773
AGENTBOT_DISCORD_CUSTOM_STATUS="answering questions"
AGENTBOT_DISCORD_MAX_MESSAGE_LENGTH=1500
AGENTBOT_DISCORD_ERROR_MESSAGE="Something broke, try again later."
AGENTBOT_DISCORD_LOG_LEVEL=WARN
AGENTBOT_DISCORD_DISCORDGO_LOG_LEVEL=ERROR

# Discord webhook server

AGENTBOT_DISCORD_WEBHOOK_SERVER_ENABLED=true
AGENTBOT_DISCORD_WEBHOOK_SERVER_LISTEN=0.0.0.0:8080
AGENTBOT_DISCORD_WEBHOOK_SERVER_SSL_CERT_FILE=/etc/ssl/cert.pem
AGENTBOT_DISCORD_WEBHOOK_SERVER_SSL_KEY_FILE=/etc/ssl/cert.key
AGENTBOT_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
AGENTBOT_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
AGENTBOT_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
AGENTBOT_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=7s
AGENTBOT_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=3s
AGENTBOT_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=20s
AGENTBOT_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=1m
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assert.Equal(t, 15*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 45*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "https://abc123.agents.do-ai.run", viper.GetString("agent.endpoint"))
	assert.Equal(t, "prefixed-agent-key", viper.GetString("agent.api_key"))
	assert.Equal(t, 500, viper.GetInt("agent.max_tokens"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("agent.log_level"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "123456789012345678", viper.GetString("discord.application_id"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	// Values decoded into the package config by the root command
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 15*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)

	assert.Equal(t, "https://abc123.agents.do-ai.run", cfg.Agent.Endpoint)
	assert.Equal(t, "prefixed-agent-key", cfg.Agent.APIKey)
	assert.Equal(t, 500, cfg.Agent.MaxTokens)
	assert.InDelta(t, 2.5, cfg.Agent.MaxRequestsPerSecond, 0.0001)
	assert.Equal(t, slog.LevelWarn, cfg.Agent.LogLevel.Level())

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "123456789012345678", cfg.Discord.ApplicationID)
	assert.Equal(t, "987654321", cfg.Discord.GuildID)
	assert.True(t, cfg.Discord.GatewayEnabled)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(t, "answering questions", cfg.Discord.CustomStatus)
	assert.Equal(t, 1500, cfg.Discord.MaxMessageLength)
	assert.Equal(t, "Something broke, try again later.", cfg.Discord.ErrorMessage)
	assert.Equal(t, agentbot.DefaultDiscordHelpMessage, cfg.Discord.HelpMessage)
	assert.Equal(
		t,
		agentbot.DefaultDiscordMissingQuestionMessage,
		cfg.Discord.MissingQuestionMessage,
	)
	assert.Equal(
		t,
		agentbot.DefaultDiscordEmptyResponseMessage,
		cfg.Discord.EmptyResponseMessage,
	)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())

	webhook := cfg.Discord.WebhookServer
	assert.True(t, webhook.Enabled)
	assert.Equal(t, "0.0.0.0:8080", webhook.Listen)
	assert.Equal(t, "tcp", webhook.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.KeyFile)
	assert.Equal(t, uint16(771), webhook.SSL.TLSMinVersion)
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, slog.LevelInfo, webhook.LogLevel.Level())
	assert.Equal(t, 7*time.Second, webhook.ReadTimeout)
	assert.Equal(t, 3*time.Second, webhook.ReadHeaderTimeout)
	assert.Equal(t, 20*time.Second, webhook.WriteTimeout)
	assert.Equal(t, time.Minute, webhook.IdleTimeout)

	// Unmarshal the configuration into a fresh agentbot.Config struct
	config := agentbot.DefaultConfig()
	err = viper.Unmarshal(
		config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	assert.Equal(t, "prefixed-agent-key", config.Agent.APIKey)
	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected slog.Level
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
	} {
		lvl, err := getLogLevel(tc.input)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
