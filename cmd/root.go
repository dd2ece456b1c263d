package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/dowmeister/digitalocean-ai-agent-discord-bot/agentbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = agentbot.DefaultConfig()
	configFile string
)

// legacyEnvVars are environment variable names bound directly to config
// keys, in addition to the prefixed names
var legacyEnvVars = map[string]string{
	"discord.token":          "DISCORD_TOKEN",
	"discord.application_id": "DISCORD_CLIENT_ID",
	"agent.api_key":          "DO_AI_API_KEY",
	"agent.endpoint":         "DO_AI_AGENT_ENDPOINT",
}

var rootCmd = &cobra.Command{
	Use:   "agentbot [flags]",
	Short: "Discord bot for asking questions to a DigitalOcean AI agent",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names (ex: "INFO") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("development", false)
	viper.SetDefault("log_level", agentbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", agentbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", agentbot.DefaultShutdownTimeout)

	// Agent config
	viper.SetDefault("agent.endpoint", "")
	viper.SetDefault("agent.api_key", "")
	viper.SetDefault("agent.max_tokens", agentbot.DefaultAgentMaxTokens)
	viper.SetDefault(
		"agent.max_requests_per_second",
		agentbot.DefaultAgentMaxRequestsPerSecond,
	)
	viper.SetDefault("agent.log_level", agentbot.DefaultAgentLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault(
		"discord.gateway_intents",
		int(agentbot.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.custom_status", agentbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.max_message_length", 2000)
	viper.SetDefault("discord.help_message", agentbot.DefaultDiscordHelpMessage)
	viper.SetDefault(
		"discord.missing_question_message",
		agentbot.DefaultDiscordMissingQuestionMessage,
	)
	viper.SetDefault(
		"discord.empty_target_message",
		agentbot.DefaultDiscordEmptyTargetMessage,
	)
	viper.SetDefault("discord.error_message", agentbot.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.empty_response_message",
		agentbot.DefaultDiscordEmptyResponseMessage,
	)
	viper.SetDefault(
		"discord.log_level",
		agentbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		agentbot.DefaultDiscordgoLogLevel.String(),
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		agentbot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		agentbot.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		agentbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		agentbot.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		agentbot.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		agentbot.DefaultDiscordWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		agentbot.DefaultDiscordWebhookTLSMinVersion,
	)

	envPrefix := os.Getenv(agentbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = agentbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Prefixed names take precedence over the unprefixed ones
	for key, envVar := range legacyEnvVars {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, envVar))
	}

	for _, key := range []string{
		"log_level",
		"agent.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_server.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
