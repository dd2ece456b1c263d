package agentbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/dowmeister/digitalocean-ai-agent-discord-bot/agentbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// typingRefreshInterval is how often the typing indicator is re-sent
	// while waiting on the agent. Discord clears it after ~10 seconds.
	typingRefreshInterval = 8 * time.Second
)

// AgentBot relays questions asked on discord to a DigitalOcean AI agent,
// and sends the answers back.
//
// Questions arrive as the `/ask` slash command, the 'Ask AI' message
// command, or a message that @mentions the bot. Each one is routed by
// [Router], and the resulting messages are sent back via the discord
// session (or as the webhook HTTP response, for the interaction
// acknowledgement).
type AgentBot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Queries the agent
	agent *AgentClient

	// Decides what to send for each event
	router *Router

	// Receives interactions via HTTP, when enabled
	discordWebhookServer *DiscordWebhookServer

	// Returns the InteractionHandler for interactions received over the
	// gateway. Replaceable for tests.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// tracks event handlers in flight, so shutdown can wait on them
	runtimeWG *sync.WaitGroup

	// eventCtx is passed to event handlers. It isn't canceled with the
	// runtime context, so in-flight requests can finish during shutdown.
	eventCtx context.Context

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// how often the typing indicator is re-sent while answering a mention
	typingInterval time.Duration

	// prevents concurrent runs
	runMu sync.Mutex
}

// New creates a new AgentBot from the given config. Config validation
// happens in [AgentBot.Run].
func New(config *Config) (*AgentBot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &AgentBot{
		config:         config,
		signalReady:    make(chan struct{}, 1),
		runtimeWG:      &sync.WaitGroup{},
		typingInterval: typingRefreshInterval,
	}

	d.logHandler = newLogHandler(d.config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.agent = newAgentClient(d.config.Agent, d.config.HTTPClient)
	d.router = NewRouter(
		d.agent,
		d.config.Discord.MaxMessageLength,
		RouterMessages{
			Help:            d.config.Discord.HelpMessage,
			MissingQuestion: d.config.Discord.MissingQuestionMessage,
			EmptyTarget:     d.config.Discord.EmptyTargetMessage,
			EmptyResponse:   d.config.Discord.EmptyResponseMessage,
		},
	)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		return nil, err
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(d.config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc.logger = slog.New(
		newLogHandler(d.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	d.discord = disc

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(d, config.Discord.WebhookServer)
		errs = append(errs, e)
		d.discordWebhookServer = webhookServer
	}

	return d, errors.Join(errs...)
}

// ValidateConfig checks the bot's config, returning an error describing
// every invalid field.
func (d *AgentBot) ValidateConfig() error {
	return ValidateConfig(d.config)
}

// RegisterCommands overwrites the application's commands with `/ask` and
// 'Ask AI'. This only uses the REST API, so it doesn't require a gateway
// connection.
func (d *AgentBot) RegisterCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(options...)
}

// Run starts the bot, blocking until the given context is canceled.
//
// Startup (connecting to the gateway, starting the webhook server and
// registering commands) must complete within [Config.StartupTimeout].
// After the context is canceled, in-flight events get up to
// [Config.ShutdownTimeout] to finish.
func (d *AgentBot) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}
	runtimeWG := d.runtimeWG

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	select {
	case d.signalReady <- struct{}{}:
		d.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context, generally
	// from an interrupt
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun creates the discord session, starts the webhook server (if
// enabled), connects to the gateway (if enabled), and registers commands.
func (d *AgentBot) initRun(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	d.eventCtx = context.WithoutCancel(ctx)

	if err := d.initDiscordSession(d.eventCtx, runtimeWG); err != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if d.config.Discord.WebhookServer.Enabled {
		d.startWebhookServer(ctx, runtimeWG)
	} else if !d.config.Discord.GatewayEnabled {
		d.logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err := d.discordInit(ctx); err != nil {
		return err
	}

	if _, err := d.discord.registerCommands(); err != nil {
		d.logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}
	return nil
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (d *AgentBot) discordInit(ctx context.Context) error {
	if !d.config.Discord.GatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (d *AgentBot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := d.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// initDiscordSession creates the discord session (unless one was already
// set), and adds gateway event handlers. Each event is handled in its
// own goroutine, tracked by runtimeWG.
func (d *AgentBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(d.discord.handlerRateLimit()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = d.gatewayInteractionHandler
	}
	return nil
}

// gatewayInteractionHandler returns a [GatewayHandler] for the given
// interaction
func (d *AgentBot) gatewayInteractionHandler(
	_ context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	return GatewayHandler{
		session:     d.discord.session,
		interaction: i,
		logger: d.logger.With(
			slog.Group(
				"interaction",
				interactionLogAttrs(*i)...,
			),
		),
	}
}

func (d *AgentBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// handleInteraction acknowledges an interaction and answers it.
//
// PINGs (only received via webhook) get a PONG. Application commands are
// routed, then deferred, which shows the 'thinking...' state to the user
// until the deferred response is edited. For interactions received via
// webhook, the acknowledgement is the HTTP response itself, so the
// answer is sent from a separate goroutine once this returns.
func (d *AgentBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		_, logger = d.getLogger(ctx)
	}
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if i.Type == discordgo.InteractionPing {
		logger.InfoContext(ctx, "got ping, responding with pong")
		if err := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
		return
	}

	ev, ok := interactionEvent(i)
	if !ok {
		logger.WarnContext(ctx, "ignoring unsupported interaction")
		return
	}

	effect := d.router.Route(ev)
	logger.InfoContext(ctx, "routed interaction", "effect", effect.Kind.String())
	if effect.Kind == EffectIgnore {
		return
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error deferring interaction", tint.Err(err))
		return
	}

	if handler.InteractionReceiveMethod() == discordInteractionReceiveMethodWebhook {
		d.runtimeWG.Add(1)
		go func() {
			defer d.runtimeWG.Done()
			d.answerInteraction(ctx, handler, effect)
		}()
		return
	}
	d.answerInteraction(ctx, handler, effect)
}

// answerInteraction resolves the effect and sends the messages by editing
// the deferred response, then sending a follow-up for each additional
// message. If anything fails (or panics), the deferred response is
// edited to the error message instead.
func (d *AgentBot) answerInteraction(
	ctx context.Context,
	handler InteractionHandler,
	effect Effect,
) {
	logger := handler.Logger()
	if logger == nil {
		_, logger = d.getLogger(ctx)
	}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			d.sendInteractionError(ctx, handler)
		}
	}()

	messages := d.router.Resolve(ctx, effect)
	if len(messages) == 0 {
		logger.WarnContext(ctx, "nothing to send, deleting deferred response")
		_ = handler.Delete(ctx)
		return
	}

	if err := deliverInteraction(ctx, handler, messages); err != nil {
		logger.ErrorContext(ctx, "error sending interaction response", tint.Err(err))
		d.sendInteractionError(ctx, handler)
		return
	}
	logger.InfoContext(ctx, "answered interaction", "messages", len(messages))
}

// deliverInteraction edits the deferred response to the first message,
// then sends the rest as follow-ups, in order. It stops at the first
// error.
func deliverInteraction(
	ctx context.Context,
	handler InteractionHandler,
	messages []string,
) error {
	content := messages[0]
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		return fmt.Errorf("error editing deferred response: %w", err)
	}
	for n, msg := range messages[1:] {
		if _, err := handler.FollowUp(
			ctx,
			&discordgo.WebhookParams{Content: msg},
		); err != nil {
			return fmt.Errorf("error sending follow-up %d: %w", n+1, err)
		}
	}
	return nil
}

func (d *AgentBot) sendInteractionError(ctx context.Context, handler InteractionHandler) {
	logger := handler.Logger()
	if logger == nil {
		_, logger = d.getLogger(ctx)
	}
	content := d.config.Discord.ErrorMessage
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		logger.ErrorContext(ctx, "error sending error message", tint.Err(err))
	}
}

// handleDiscordMessage answers messages that @mention the bot.
//
// Messages from bots, and messages which don't mention the bot, are
// ignored. A mention without a question gets the help message. Otherwise,
// the typing indicator is shown until the agent answers, and the answer
// is sent as one or more replies to the message.
func (d *AgentBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := d.getLogger(ctx)
	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			d.sendMessageError(ctx, m.Message)
		}
	}()

	effect := d.router.Route(messageEvent(m.Message, d.discord.botUserID()))
	if effect.Kind == EffectIgnore {
		logger.DebugContext(ctx, "ignoring message")
		return
	}
	logger.InfoContext(ctx, "routed message", "effect", effect.Kind.String())

	var messages []string
	if effect.Kind == EffectAnswer {
		messages = d.resolveWhileTyping(ctx, m.ChannelID, effect)
	} else {
		messages = d.router.Resolve(ctx, effect)
	}

	if len(messages) == 0 {
		logger.WarnContext(ctx, "nothing to send")
		return
	}

	for n, msg := range messages {
		if _, err := d.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			msg,
			m.Reference(),
		); err != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(err), "index", n)
			d.sendMessageError(ctx, m.Message)
			return
		}
	}
	logger.InfoContext(ctx, "answered message", "messages", len(messages))
}

func (d *AgentBot) sendMessageError(ctx context.Context, m *discordgo.Message) {
	_, logger := d.getLogger(ctx)
	if _, err := d.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		d.config.Discord.ErrorMessage,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending error message", tint.Err(err))
	}
}

// resolveWhileTyping resolves the effect, showing the typing indicator
// in the given channel until it's done
func (d *AgentBot) resolveWhileTyping(
	ctx context.Context,
	channelID string,
	effect Effect,
) []string {
	stopTyping := d.keepTyping(ctx, channelID)
	defer stopTyping()
	return d.router.Resolve(ctx, effect)
}

// keepTyping shows the typing indicator in the given channel, and keeps
// re-sending it every [AgentBot.typingInterval] until the returned func
// is called.
func (d *AgentBot) keepTyping(ctx context.Context, channelID string) func() {
	_, logger := d.getLogger(ctx)
	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sendTyping := func() {
		if err := d.discord.session.ChannelTyping(channelID); err != nil {
			logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
		}
	}

	go func() {
		defer close(done)
		sendTyping()
		ticker := time.NewTicker(d.typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// shutdown closes the gateway connection and the webhook server, then
// waits up to [Config.ShutdownTimeout] for in-flight events to finish.
func (d *AgentBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(d.config.ShutdownTimeout)

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	var errs []error

	if d.discordWebhookServer != nil {
		if err := d.discordWebhookServer.Shutdown(closeCtx); err != nil {
			d.logger.ErrorContext(ctx, "error shutting down webhook server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if d.config.Discord.GatewayEnabled && d.discord.session != nil {
		if err := d.discord.session.Close(); err != nil {
			d.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		d.logger.InfoContext(
			ctx,
			"graceful shutdown complete",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		d.logger.ErrorContext(ctx, "shutdown timed out waiting on handlers")
		errs = append(errs, fmt.Errorf("handlers did not stop in time"))
	}

	return errors.Join(errs...)
}
