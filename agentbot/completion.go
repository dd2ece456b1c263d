package agentbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	// agentCompletionsPath is appended to [AgentConfig.Endpoint]
	agentCompletionsPath = "api/v1/chat/completions"

	// AgentErrorMessage is returned by [AgentClient.Complete] in place of
	// an answer when the request itself fails.
	AgentErrorMessage = "Sorry, I encountered an error while processing your request."

	agentErrorPrefix = "Error: "
)

// Completer returns the text to show a user in response to a prompt.
// Implementations never fail: any error is expressed in the returned text.
type Completer interface {
	Complete(ctx context.Context, prompt string) string
}

// AgentClient sends prompts to a DigitalOcean AI agent's chat completions
// endpoint.
type AgentClient struct {
	config         *AgentConfig
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

type chatCompletionRequest struct {
	Messages  []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens int                            `json:"max_tokens"`
	Stream    bool                           `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []openai.ChatCompletionChoice `json:"choices"`
	Error   *openai.APIError              `json:"error"`
}

func newAgentClient(config *AgentConfig, httpClient *http.Client) *AgentClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &AgentClient{
		config:         config,
		httpClient:     httpClient,
		requestLimiter: rate.NewLimiter(limit, 1),
		logger:         slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "agent"),
	}
}

// Complete sends the prompt to the agent and returns its answer.
//
// The result is one of:
//   - the content of the first choice, for a successful response
//   - "Error: <message>", when the agent responds with an error object
//   - an empty string, for a 200 response with neither choices nor an error
//   - [AgentErrorMessage], for anything else (network errors, unexpected
//     status codes, undecodable bodies)
func (a *AgentClient) Complete(ctx context.Context, prompt string) string {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger
	}

	rv, err := a.complete(ctx, prompt)
	if err != nil {
		logger.ErrorContext(ctx, "error querying agent", tint.Err(err))
		return AgentErrorMessage
	}
	return rv
}

func (a *AgentClient) complete(ctx context.Context, prompt string) (string, error) {
	if err := a.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("error waiting on request limiter: %w", err)
	}

	endpoint, err := url.JoinPath(a.config.Endpoint, agentCompletionsPath)
	if err != nil {
		return "", fmt.Errorf("invalid agent endpoint: %w", err)
	}

	payload, err := json.Marshal(
		chatCompletionRequest{
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens: a.config.MaxTokens,
			Stream:    false,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	a.logger.DebugContext(ctx, "sending completion request", "url", endpoint)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}

	var data chatCompletionResponse
	if err = json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf(
			"error decoding response (status %d): %w",
			resp.StatusCode,
			err,
		)
	}
	a.logger.DebugContext(
		ctx,
		"got completion response",
		"status_code", resp.StatusCode,
		"choices", len(data.Choices),
	)

	switch {
	case resp.StatusCode == http.StatusOK && len(data.Choices) > 0:
		return data.Choices[0].Message.Content, nil
	case data.Error != nil:
		a.logger.WarnContext(
			ctx,
			"agent returned an error",
			"status_code", resp.StatusCode,
			"error", data.Error.Message,
		)
		return agentErrorPrefix + data.Error.Message, nil
	case resp.StatusCode == http.StatusOK:
		a.logger.WarnContext(ctx, "agent response had no choices or error")
		return "", nil
	default:
		return "", fmt.Errorf("unexpected response status: %s", resp.Status)
	}
}
