//nolint:lll // struct tags can't be split
package agentbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix       = "AGENTBOT_ENV_PREFIX"
	DefaultEnvPrefix         = "AGENTBOT"
	DefaultLogLevel          = slog.LevelInfo
	DefaultStartupTimeout    = 30 * time.Second
	DefaultShutdownTimeout   = 60 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAgentMaxTokens            = 1000
	DefaultAgentMaxRequestsPerSecond = 0
	DefaultAgentLogLevel             = slog.LevelInfo

	DiscordSlashCommandAsk                  = "ask"
	DiscordMessageCommandAskAI              = "Ask AI"
	DefaultDiscordAskCommandDescription     = "Ask the DigitalOcean AI Agent a question"
	DefaultDiscordQuestionOptionDescription = "Your question for the AI"
	DefaultDiscordCustomStatus              = "helping you!"
	DefaultDiscordHelpMessage               = "Hello! Ask me something by mentioning me followed by your question, or use the `/ask` command."
	DefaultDiscordMissingQuestionMessage    = "Please provide a question."
	DefaultDiscordEmptyTargetMessage        = "That message doesn't have any text I can answer."
	DefaultDiscordErrorMessage              = "Sorry, something went wrong while processing your request."
	DefaultDiscordEmptyResponseMessage      = "Sorry, I didn't get an answer for that."
	DefaultDiscordLogLevel                  = slog.LevelInfo
	DefaultDiscordgoLogLevel                = slog.LevelWarn
	DefaultDiscordWebhookLogLevel           = slog.LevelInfo
	DefaultDiscordWebhookServerListen       = "127.0.0.1:5001"
	DefaultDiscordWebhookTLSMinVersion      = tls.VersionTLS12
	DefaultDiscordGatewayIntent             = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsGuildMessageReactions

	discordMaxMessageLength = 2000
	defaultListenNetwork    = "tcp"
)

var structValidator = validator.New()

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long connecting to discord and registering
	// commands may take before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=0"`

	// ShutdownTimeout is the time to allow in-flight requests to finish
	// after a stop signal. After this elapses, connections are closed
	// regardless.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0"`

	// Development enables gin's debug mode for the webhook server
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// Agent configures the DigitalOcean AI agent endpoint
	Agent *AgentConfig `yaml:"agent" mapstructure:"agent" json:"agent" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// AgentConfig configures the AI agent's chat completions endpoint
type AgentConfig struct {
	// Base URL of the agent, ex: https://abc123.agents.do-ai.run
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required,url"`

	// Agent API key, sent as a bearer token
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// max_tokens sent with each completion request
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// MaxRequestsPerSecond limits outbound completion requests. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// GatewayEnabled controls whether the bot connects to the discord
	// gateway. Mentions are only seen over the gateway.
	GatewayEnabled bool `yaml:"gateway_enabled" mapstructure:"gateway_enabled" json:"gateway_enabled"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Custom status set once connected. Empty leaves the status alone.
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Maximum length of a single message sent back to discord
	MaxMessageLength int `yaml:"max_message_length" mapstructure:"max_message_length" json:"max_message_length" binding:"min=1,max=2000"`

	// Reply to a mention that doesn't include a question
	HelpMessage string `yaml:"help_message" mapstructure:"help_message" json:"help_message" binding:"required"`

	// Reply to an /ask without a question
	MissingQuestionMessage string `yaml:"missing_question_message" mapstructure:"missing_question_message" json:"missing_question_message" binding:"required"`

	// Reply to 'Ask AI' used on a message without text
	EmptyTargetMessage string `yaml:"empty_target_message" mapstructure:"empty_target_message" json:"empty_target_message" binding:"required"`

	// Reply sent when handling a request fails
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// Sent when the agent returns neither an answer nor an error. If empty,
	// nothing is sent (and a deferred interaction response is deleted).
	EmptyResponseMessage string `yaml:"empty_response_message" mapstructure:"empty_response_message" json:"empty_response_message"`

	// Required when receiving interactions via webhook rather than the gateway
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the server that receives discord
// interactions over HTTP, when an interactions endpoint URL is set for the
// application.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Without a cert, the server runs plain HTTP
	// (ex: behind a TLS-terminating proxy).
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true,omitempty,hexadecimal,len=64"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file" binding:"required_with=CertFile"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	agentLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	agentLogLevel.Set(DefaultAgentLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Agent: &AgentConfig{
			MaxTokens:            DefaultAgentMaxTokens,
			MaxRequestsPerSecond: DefaultAgentMaxRequestsPerSecond,
			LogLevel:             agentLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayEnabled:         true,
			GatewayIntents:         DefaultDiscordGatewayIntent,
			CustomStatus:           DefaultDiscordCustomStatus,
			MaxMessageLength:       discordMaxMessageLength,
			HelpMessage:            DefaultDiscordHelpMessage,
			MissingQuestionMessage: DefaultDiscordMissingQuestionMessage,
			EmptyTargetMessage:     DefaultDiscordEmptyTargetMessage,
			ErrorMessage:           DefaultDiscordErrorMessage,
			EmptyResponseMessage:   DefaultDiscordEmptyResponseMessage,
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookTLSMinVersion,
				},
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
	}
}

// ValidateConfig checks the given config against its `binding` tags
func ValidateConfig(config *Config) error {
	return structValidator.Struct(config)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
