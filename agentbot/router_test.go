package agentbot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubCompleter returns a fixed answer, recording each prompt it's given
type stubCompleter struct {
	answer  string
	mu      sync.Mutex
	prompts []string
	// block, when set, is waited on before returning an answer
	block chan struct{}
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) string {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return s.answer
}

func (s *stubCompleter) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func testRouterMessages() RouterMessages {
	return RouterMessages{
		Help:            DefaultDiscordHelpMessage,
		MissingQuestion: DefaultDiscordMissingQuestionMessage,
		EmptyTarget:     DefaultDiscordEmptyTargetMessage,
		EmptyResponse:   DefaultDiscordEmptyResponseMessage,
	}
}

func TestRouter_Route(t *testing.T) {
	t.Parallel()
	router := NewRouter(&stubCompleter{}, 2000, testRouterMessages())

	tests := []struct {
		name     string
		event    Event
		expected Effect
	}{
		{
			name:  "ask command",
			event: Event{Kind: EventAskCommand, Text: "What is a droplet?"},
			expected: Effect{
				Kind:     EffectAnswer,
				Deferred: true,
				Prompt:   "What is a droplet?",
			},
		},
		{
			name:  "ask command without question",
			event: Event{Kind: EventAskCommand, Text: "   "},
			expected: Effect{
				Kind:     EffectReply,
				Deferred: true,
				Reply:    DefaultDiscordMissingQuestionMessage,
			},
		},
		{
			name:  "message command",
			event: Event{Kind: EventAskMessageCommand, Text: "how do I resize a volume?"},
			expected: Effect{
				Kind:     EffectAnswer,
				Deferred: true,
				Prompt:   "how do I resize a volume?",
			},
		},
		{
			name:  "message command on message without text",
			event: Event{Kind: EventAskMessageCommand, Text: ""},
			expected: Effect{
				Kind:     EffectReply,
				Deferred: true,
				Reply:    DefaultDiscordEmptyTargetMessage,
			},
		},
		{
			name: "mention with question",
			event: Event{
				Kind:        EventMention,
				Text:        "<@123> what is 2+2?",
				MentionsBot: true,
			},
			expected: Effect{Kind: EffectAnswer, Prompt: "what is 2+2?"},
		},
		{
			name: "mention with nickname mention token",
			event: Event{
				Kind:        EventMention,
				Text:        "<@!123> explain VPCs <@456> ",
				MentionsBot: true,
			},
			expected: Effect{Kind: EffectAnswer, Prompt: "explain VPCs"},
		},
		{
			name: "mention without question",
			event: Event{
				Kind:        EventMention,
				Text:        "<@123>",
				MentionsBot: true,
			},
			expected: Effect{Kind: EffectReply, Reply: DefaultDiscordHelpMessage},
		},
		{
			name: "mention from bot",
			event: Event{
				Kind:        EventMention,
				Text:        "<@123> hi",
				MentionsBot: true,
				AuthorIsBot: true,
			},
			expected: Effect{Kind: EffectIgnore},
		},
		{
			name: "message without mention",
			event: Event{
				Kind: EventMention,
				Text: "what is 2+2?",
			},
			expected: Effect{Kind: EffectIgnore},
		},
		{
			name:     "unknown event",
			event:    Event{Kind: "reaction", Text: "hi"},
			expected: Effect{Kind: EffectIgnore},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, router.Route(tc.event))
			},
		)
	}
}

func TestRouter_Resolve(t *testing.T) {
	t.Parallel()

	t.Run(
		"answer", func(t *testing.T) {
			t.Parallel()
			completer := &stubCompleter{answer: "4"}
			router := NewRouter(completer, 2000, testRouterMessages())

			messages := router.Resolve(
				context.Background(),
				Effect{Kind: EffectAnswer, Prompt: "what is 2+2?"},
			)
			assert.Equal(t, []string{"4"}, messages)
			assert.Equal(t, []string{"what is 2+2?"}, completer.Prompts())
		},
	)

	t.Run(
		"long answer split", func(t *testing.T) {
			t.Parallel()
			answer := strings.Repeat("a", 4500)
			router := NewRouter(&stubCompleter{answer: answer}, 2000, testRouterMessages())

			messages := router.Resolve(
				context.Background(),
				Effect{Kind: EffectAnswer, Deferred: true, Prompt: "long"},
			)
			assert.Len(t, messages, 3)
			assert.Equal(t, answer, strings.Join(messages, ""))
		},
	)

	t.Run(
		"static reply doesn't call agent", func(t *testing.T) {
			t.Parallel()
			completer := &stubCompleter{answer: "nope"}
			router := NewRouter(completer, 2000, testRouterMessages())

			messages := router.Resolve(
				context.Background(),
				router.Route(Event{Kind: EventMention, Text: "<@1>", MentionsBot: true}),
			)
			assert.Equal(t, []string{DefaultDiscordHelpMessage}, messages)
			assert.Empty(t, completer.Prompts())
		},
	)

	t.Run(
		"empty answer", func(t *testing.T) {
			t.Parallel()
			router := NewRouter(&stubCompleter{}, 2000, testRouterMessages())
			messages := router.Resolve(
				context.Background(),
				Effect{Kind: EffectAnswer, Prompt: "hi"},
			)
			assert.Equal(t, []string{DefaultDiscordEmptyResponseMessage}, messages)
		},
	)

	t.Run(
		"empty answer without replacement", func(t *testing.T) {
			t.Parallel()
			msgs := testRouterMessages()
			msgs.EmptyResponse = ""
			router := NewRouter(&stubCompleter{}, 2000, msgs)
			messages := router.Resolve(
				context.Background(),
				Effect{Kind: EffectAnswer, Prompt: "hi"},
			)
			assert.Empty(t, messages)
		},
	)

	t.Run(
		"ignore", func(t *testing.T) {
			t.Parallel()
			router := NewRouter(&stubCompleter{answer: "x"}, 2000, testRouterMessages())
			assert.Nil(t, router.Resolve(context.Background(), Effect{Kind: EffectIgnore}))
		},
	)
}

func TestEffectKind_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ignore", EffectIgnore.String())
	assert.Equal(t, "reply", EffectReply.String())
	assert.Equal(t, "answer", EffectAnswer.String())
	assert.Equal(t, "unknown", EffectKind(99).String())
}
