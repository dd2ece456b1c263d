// Package agentbot implements a Discord bot that forwards questions to a
// DigitalOcean AI agent and relays the answers back to Discord.
//
// Questions can be asked three ways:
//
//   - /ask: a slash command with a required `question` option.
//   - 'Ask AI': a message context menu command, which asks about the
//     selected message's text.
//   - @mentioning the bot, followed by the question.
//
// Interactions are deferred (showing 'thinking...') while the agent is
// queried. The answer is split into chunks that fit Discord's message
// length limit, with the first chunk replacing the deferred response and
// the rest sent as follow-ups. Mentions are answered with one reply per
// chunk, with the typing indicator shown in the meantime.
//
// Key components of the package include:
//
//   - AgentBot: starts the discord session, handles events and shutdown.
//   - Router: decides what to send for each event, independent of discord.
//   - AgentClient: queries the agent's chat completions endpoint.
//   - Discord: command registration and gateway lifecycle handlers.
//   - DiscordWebhookServer: optionally receives interactions over HTTP
//     instead of the gateway.
package agentbot
