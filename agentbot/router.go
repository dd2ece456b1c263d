package agentbot

import (
	"context"
	"regexp"
	"strings"
)

// userMentionPattern matches user mention tokens, ex: <@123> or <@!123>
var userMentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// EventKind identifies where a question came from
type EventKind string

const (
	// EventAskCommand is the `/ask` slash command
	EventAskCommand EventKind = "ask_command"

	// EventAskMessageCommand is the 'Ask AI' message context menu command
	EventAskMessageCommand EventKind = "ask_message_command"

	// EventMention is a message that @mentions the bot
	EventMention EventKind = "mention"
)

// Event is the platform-independent view of something a user did that
// the bot may answer.
type Event struct {
	Kind EventKind

	// Text is the `question` option value for EventAskCommand, the
	// target message's content for EventAskMessageCommand, or the raw
	// message content for EventMention.
	Text string

	// AuthorIsBot is set when the event was triggered by a bot account
	AuthorIsBot bool

	// MentionsBot is set when a message's mentions include the bot user
	MentionsBot bool
}

// EffectKind describes what the bot should do in response to an Event
type EffectKind int

const (
	// EffectIgnore means nothing is sent
	EffectIgnore EffectKind = iota

	// EffectReply sends Effect.Reply as-is
	EffectReply

	// EffectAnswer asks the agent Effect.Prompt and sends the answer
	EffectAnswer
)

func (k EffectKind) String() string {
	switch k {
	case EffectIgnore:
		return "ignore"
	case EffectReply:
		return "reply"
	case EffectAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Effect is a description of what to send back for an Event, decoupled
// from how it gets sent.
type Effect struct {
	Kind EffectKind

	// Deferred is set for interactions, which are acknowledged up front
	// and then answered by editing the deferred response (and sending
	// follow-ups for any additional messages). Otherwise, each message is
	// sent as a reply to the triggering message.
	Deferred bool

	Prompt string
	Reply  string
}

// RouterMessages are the static messages the Router may reply with
type RouterMessages struct {
	Help            string
	MissingQuestion string
	EmptyTarget     string

	// EmptyResponse replaces an empty answer from the agent. If it's
	// also empty, nothing is sent.
	EmptyResponse string
}

// Router decides how to respond to events, and produces the messages to
// send. It holds no per-request state, so one Router serves all events
// concurrently.
type Router struct {
	completer        Completer
	maxMessageLength int
	messages         RouterMessages
}

// NewRouter returns a Router which gets answers from the given Completer,
// split into messages of at most maxMessageLength characters.
func NewRouter(
	completer Completer,
	maxMessageLength int,
	messages RouterMessages,
) *Router {
	return &Router{
		completer:        completer,
		maxMessageLength: maxMessageLength,
		messages:         messages,
	}
}

// Route returns the Effect for the given Event, without side effects.
func (r *Router) Route(ev Event) Effect {
	switch ev.Kind {
	case EventAskCommand:
		question := strings.TrimSpace(ev.Text)
		if question == "" {
			return Effect{
				Kind:     EffectReply,
				Deferred: true,
				Reply:    r.messages.MissingQuestion,
			}
		}
		return Effect{Kind: EffectAnswer, Deferred: true, Prompt: question}
	case EventAskMessageCommand:
		if strings.TrimSpace(ev.Text) == "" {
			return Effect{
				Kind:     EffectReply,
				Deferred: true,
				Reply:    r.messages.EmptyTarget,
			}
		}
		return Effect{Kind: EffectAnswer, Deferred: true, Prompt: ev.Text}
	case EventMention:
		if ev.AuthorIsBot || !ev.MentionsBot {
			return Effect{Kind: EffectIgnore}
		}
		prompt := mentionPrompt(ev.Text)
		if prompt == "" {
			return Effect{Kind: EffectReply, Reply: r.messages.Help}
		}
		return Effect{Kind: EffectAnswer, Prompt: prompt}
	default:
		return Effect{Kind: EffectIgnore}
	}
}

// Resolve returns the ordered messages to send for the given Effect.
// For EffectAnswer, this is the blocking part: the agent is queried, and
// its answer is split to fit discord's message length limit.
func (r *Router) Resolve(ctx context.Context, effect Effect) []string {
	switch effect.Kind {
	case EffectReply:
		return SplitMessage(effect.Reply, r.maxMessageLength)
	case EffectAnswer:
		answer := r.completer.Complete(ctx, effect.Prompt)
		if answer == "" {
			answer = r.messages.EmptyResponse
		}
		return SplitMessage(answer, r.maxMessageLength)
	default:
		return nil
	}
}

// mentionPrompt strips user mentions from the message content, leaving
// the question being asked.
func mentionPrompt(content string) string {
	return strings.TrimSpace(userMentionPattern.ReplaceAllString(content, ""))
}
