package agentbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	webhookPathInteractions = "/discord/interactions"
	webhookPathHealth       = "/healthz"
)

// DiscordWebhookServer receives discord interactions over HTTP, as an
// alternative to the gateway. Discord POSTs each interaction to the
// application's 'Interactions Endpoint URL'.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	listener   net.Listener
	listenerMu sync.Mutex
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// Serve listens on the configured network/address and serves requests
// until the server is shut down.
func (d *DiscordWebhookServer) Serve(_ context.Context) error {
	ln, err := net.Listen(d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
	}
	d.listenerMu.Lock()
	d.listener = ln
	d.listenerMu.Unlock()

	d.logger.Info("webhook server listening", "addr", ln.Addr().String())
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(ln)
	}
	return d.httpServer.ServeTLS(ln, "", "")
}

// Shutdown gracefully stops the server
func (d *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return d.httpServer.Shutdown(ctx)
}

// Addr returns the listener's address, or nil if the server isn't
// listening yet.
func (d *DiscordWebhookServer) Addr() net.Addr {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	d *AgentBot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newLogHandler(config.LogLevel))

	if d.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	api := &DiscordWebhookServer{config: config, engine: r}

	httpServer := &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.CertFile != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	api.logger = logger.With(loggerNameKey, "discord_webhook")

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)

	r.GET(
		webhookPathHealth,
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		},
	)

	r.POST(
		webhookPathInteractions,
		discordRequestAuthenticationMiddleware(d.discord.publicKey),
		webhookReceiveHandler(d),
	)
	return api, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response. Everything after
// that (edits, follow-ups) goes through the embedded handler.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions
func webhookReceiveHandler(d *AgentBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		ctx := d.eventCtx
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = WithLogger(ctx, logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(ctx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(ctx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction

		getHandler := d.getInteractionHandlerFunc
		if getHandler == nil {
			getHandler = d.gatewayInteractionHandler
		}
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: getHandler(ctx, i),
		}
		d.handleInteraction(ctx, handler)

		if !c.Writer.Written() {
			c.JSON(http.StatusBadRequest, httpError{Error: "unsupported interaction"})
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the authenticity of a Discord webhook request.
//
// This function checks the request's signature and timestamp headers to
// validate the request. The body is read to verify the signature, and
// replaced so handlers can read it again.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}

// requestIDMiddleware assigns a random request ID to each incoming
// request, set in the gin context and the response headers under
// X-Request-ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, with their status and duration.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
