package agentbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPingInteraction = `{"id":"1","application_id":"1234567890","type":1,"token":"tok","version":1}`
	testAskInteraction  = `{
		"id": "2",
		"application_id": "1234567890",
		"type": 2,
		"token": "tok",
		"version": 1,
		"channel_id": "channel_1",
		"user": {"id": "user_1", "username": "someone"},
		"data": {
			"id": "cmd_1",
			"name": "ask",
			"type": 1,
			"options": [{"name": "question", "type": 3, "value": "what is 2+2?"}]
		}
	}`
)

// mockDiscordWebhookClient sends signed interactions to the webhook server,
// the way discord does
type mockDiscordWebhookClient struct {
	privateKey ed25519.PrivateKey
	httpClient *http.Client
	url        string
}

func (m *mockDiscordWebhookClient) post(t testing.TB, body string, sign bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(
		http.MethodPost,
		m.url+webhookPathInteractions,
		strings.NewReader(body),
	)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	if sign {
		timestamp := fmt.Sprintf("%d", time.Now().Unix())
		sig := ed25519.Sign(m.privateKey, []byte(timestamp+body))
		req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
		req.Header.Set("X-Signature-Timestamp", timestamp)
	}

	resp, err := m.httpClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// newTestWebhookBot returns an AgentBot with the webhook server enabled,
// served by an httptest server, and a client to send it interactions.
func newTestWebhookBot(
	t testing.TB,
	completer Completer,
) (*AgentBot, *mockDiscordSession, *mockDiscordWebhookClient) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	pubkey, privkey := generateDiscordKey(t)
	cfg.Discord.WebhookServer.Enabled = true
	cfg.Discord.WebhookServer.PublicKey = pubkey
	cfg.Discord.GatewayEnabled = false

	bot, session := newTestBotWithConfig(t, cfg, completer)
	require.NotNil(t, bot.discordWebhookServer)

	srv := httptest.NewServer(bot.discordWebhookServer.engine)
	t.Cleanup(srv.Close)
	t.Cleanup(bot.runtimeWG.Wait)

	return bot, session, &mockDiscordWebhookClient{
		privateKey: privkey,
		httpClient: srv.Client(),
		url:        srv.URL,
	}
}

func TestWebhook_Ping(t *testing.T) {
	t.Parallel()
	_, _, client := newTestWebhookBot(t, &stubCompleter{})

	resp := client.post(t, testPingInteraction, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(xRequestIDHeader))

	var ir discordgo.InteractionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ir))
	assert.Equal(t, discordgo.InteractionResponsePong, ir.Type)
}

func TestWebhook_Ask(t *testing.T) {
	t.Parallel()
	completer := &stubCompleter{answer: "4"}
	_, session, client := newTestWebhookBot(t, completer)

	resp := client.post(t, testAskInteraction, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ir discordgo.InteractionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ir))
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		ir.Type,
	)

	// the acknowledgement is the HTTP response, so nothing goes to the
	// interaction callback endpoint
	assertNoneSent(t, session.respond)

	edit := receive(t, session.edits)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "4", *edit.Content)
	assert.Equal(t, []string{"what is 2+2?"}, completer.Prompts())
}

func TestWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()
	completer := &stubCompleter{answer: "4"}
	_, _, client := newTestWebhookBot(t, completer)

	resp := client.post(t, testAskInteraction, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, otherKey := generateDiscordKey(t)
	wrongKeyClient := *client
	wrongKeyClient.privateKey = otherKey
	resp = wrongKeyClient.post(t, testAskInteraction, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, completer.Prompts())
}

func TestWebhook_InvalidBody(t *testing.T) {
	t.Parallel()
	_, _, client := newTestWebhookBot(t, &stubCompleter{})

	resp := client.post(t, `{not json`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_UnsupportedInteraction(t *testing.T) {
	t.Parallel()
	_, _, client := newTestWebhookBot(t, &stubCompleter{})

	body := strings.Replace(testAskInteraction, `"name": "ask"`, `"name": "clear"`, 1)
	resp := client.post(t, body, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_Health(t *testing.T) {
	t.Parallel()
	_, _, client := newTestWebhookBot(t, &stubCompleter{})

	resp, err := client.httpClient.Get(client.url + webhookPathHealth)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	pubkeyHex, privkey := generateDiscordKey(t)
	pubkey, err := hex.DecodeString(pubkeyHex)
	require.NoError(t, err)

	body := []byte(testPingInteraction)
	timestamp := "1700000000"
	sig := hex.EncodeToString(ed25519.Sign(privkey, append([]byte(timestamp), body...)))

	newRequest := func(signature, ts string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, webhookPathInteractions, bytes.NewReader(body))
		if signature != "" {
			r.Header.Set("X-Signature-Ed25519", signature)
		}
		if ts != "" {
			r.Header.Set("X-Signature-Timestamp", ts)
		}
		return r
	}

	r := newRequest(sig, timestamp)
	assert.True(t, verifyRequest(r, pubkey))

	// body is still readable after verification
	rest, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, rest)

	assert.False(t, verifyRequest(newRequest("", timestamp), pubkey))
	assert.False(t, verifyRequest(newRequest(sig, ""), pubkey))
	assert.False(t, verifyRequest(newRequest("zz", timestamp), pubkey))
	assert.False(t, verifyRequest(newRequest(sig, "1700000001"), pubkey))
	assert.False(t, verifyRequest(newRequest(sig, timestamp), nil))
}

func TestDiscordWebhookServer_Serve(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	pubkey, _ := generateDiscordKey(t)
	cfg.Discord.WebhookServer.Enabled = true
	cfg.Discord.WebhookServer.PublicKey = pubkey
	cfg.Discord.WebhookServer.Listen = "127.0.0.1:0"

	bot, _ := newTestBotWithConfig(t, cfg, &stubCompleter{})
	server := bot.discordWebhookServer
	assert.Nil(t, server.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(context.Background())
	}()

	require.Eventually(
		t,
		func() bool { return server.Addr() != nil },
		5*time.Second,
		10*time.Millisecond,
	)

	resp, err := http.Get(fmt.Sprintf("http://%s%s", server.Addr(), webhookPathHealth))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, server.Shutdown(ctx))
	assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)
}
