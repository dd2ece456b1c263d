package agentbot

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// askCommandQuestionOption is the option name used for the `/ask`
	// command's question
	askCommandQuestionOption = "question"

	discordInviteURL = "https://discord.com/oauth2/authorize"
)

// Discord represents the Discord integration for the bot.
//
// It manages the Discord session, registers commands and tracks the
// connection state. Interactions and messages themselves are handled by
// [AgentBot].
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	user                        atomic.Pointer[discordgo.User]
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// botUserID returns the ID of the bot's own user. Until the gateway
// reports it on Ready, the application ID is used, which is the same for
// bot applications.
func (d *Discord) botUserID() string {
	if u := d.user.Load(); u != nil && u.ID != "" {
		return u.ID
	}
	return d.config.ApplicationID
}

// appCommandAsk creates the `/ask` slash command
func (*Discord) appCommandAsk() *discordgo.ApplicationCommand {
	minLength := 1
	dmPerm := true

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}

	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandAsk,
		Description:  DefaultDiscordAskCommandDescription,
		DMPermission: &dmPerm,
		Type:         discordgo.ChatApplicationCommand,
		Contexts:     &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        askCommandQuestionOption,
				Description: DefaultDiscordQuestionOptionDescription,
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

// appCommandAskAI creates the 'Ask AI' message context menu command.
// Message commands have no description or options.
func (*Discord) appCommandAskAI() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	return &discordgo.ApplicationCommand{
		Name:     DiscordMessageCommandAskAI,
		Type:     discordgo.MessageApplicationCommand,
		Contexts: &contexts,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint. Overwriting is idempotent, so this is safe to call on every
// startup.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandAsk(),
		d.appCommandAskAI(),
	}

	d.logger.Info("started refreshing application commands")
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	d.logger.Info("registered application commands", "count", len(created))

	return created, nil
}

// inviteURL returns a link for adding the bot to a server, with the
// scopes needed for both the bot user and its commands.
func (d *Discord) inviteURL() string {
	return fmt.Sprintf(
		"%s?client_id=%s&permissions=%d&scope=bot%%20applications.commands",
		discordInviteURL,
		d.config.ApplicationID,
		discordgo.PermissionAdministrator,
	)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.user.Store(r.User)
		}
		var userID string
		var username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.String()
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		d.logger.Info(fmt.Sprintf("Invite me to your server with this link: %s", d.inviteURL()))

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) handlerRateLimit() func(
	s *discordgo.Session,
	r *discordgo.RateLimit,
) {
	return func(_ *discordgo.Session, r *discordgo.RateLimit) {
		if r.TooManyRequests == nil {
			return
		}
		d.logger.Warn(
			"rate limited",
			"url", r.URL,
			"retry_after", r.RetryAfter,
		)
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a follow-up message for the interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the given channel.
	// Discord clears it after ~10 seconds, or when a message is sent.
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
// Returns true if the message mentions the user, otherwise false.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// interactionEvent converts an application command interaction into an
// [Event]. ok is false for commands the bot doesn't know.
func interactionEvent(i *discordgo.InteractionCreate) (ev Event, ok bool) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return ev, false
	}
	data := i.ApplicationCommandData()
	if u := getDiscordUser(i); u != nil {
		ev.AuthorIsBot = u.Bot
	}

	switch data.Name {
	case DiscordSlashCommandAsk:
		ev.Kind = EventAskCommand
		if opt, found := discordInteractionOptions(i)[askCommandQuestionOption]; found {
			if s, isString := opt.Value.(string); isString {
				ev.Text = s
			}
		}
		return ev, true
	case DiscordMessageCommandAskAI:
		ev.Kind = EventAskMessageCommand
		if data.Resolved != nil {
			if target, found := data.Resolved.Messages[data.TargetID]; found && target != nil {
				ev.Text = target.Content
			}
		}
		return ev, true
	default:
		return ev, false
	}
}

// messageEvent converts a created message into an [Event]
func messageEvent(m *discordgo.Message, botUserID string) Event {
	ev := Event{
		Kind:        EventMention,
		Text:        m.Content,
		MentionsBot: messageMentionsUser(m, botUserID),
	}
	if m.Author != nil {
		ev.AuthorIsBot = m.Author.Bot
	}
	return ev
}
