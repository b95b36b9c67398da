package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
)

type staticCredential struct {
	scopes []string
}

func (s *staticCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	s.scopes = opts.Scopes
	return azcore.AccessToken{Token: "aad-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

var question = []assistant.ChatMessage{
	{Role: "system", Content: "You answer fee questions."},
	{Role: "user", Content: "Who owes the most?"},
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		conf    core.AIConfig
		wantErr bool
	}{
		{name: "openai without key", conf: core.AIConfig{Provider: ProviderOpenAI}, wantErr: true},
		{name: "azure without deployment", conf: core.AIConfig{Provider: ProviderAzure, AzureEndpoint: "https://x"}, wantErr: true},
		{name: "unknown provider", conf: core.AIConfig{Provider: "acme", APIKey: "k"}, wantErr: true},
		{name: "openai", conf: core.AIConfig{APIKey: "k"}},
		{name: "azure with key", conf: core.AIConfig{Provider: ProviderAzure, AzureEndpoint: "https://x", AzureDeployment: "gpt", APIKey: "k"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(tc.conf, core.NopLogger{})
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrNotConfigured)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_Complete_OpenAIRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var got chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "gpt-4o-mini", got.Model)
		assert.Len(t, got.Messages, 2)

		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Amina owes KES 12,000.  "}}]}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(core.AIConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/v1",
		Model:      "gpt-4o-mini",
		MaxRetries: 3,
	}, core.NopLogger{}, WithBackoffBase(time.Millisecond))
	require.NoError(t, err)

	answer, err := c.Complete(context.Background(), question)
	require.NoError(t, err)
	assert.Equal(t, "Amina owes KES 12,000.", answer)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_Complete_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(core.AIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 2}, core.NopLogger{}, WithBackoffBase(time.Millisecond))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), question)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_Complete_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(core.AIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 5}, core.NopLogger{}, WithBackoffBase(time.Millisecond))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), question)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_Complete_AzureAAD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/fees-gpt/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "Bearer aad-token", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("api-key"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	cred := &staticCredential{}
	c, err := NewClient(core.AIConfig{
		Provider:        ProviderAzure,
		AzureEndpoint:   srv.URL,
		AzureDeployment: "fees-gpt",
		AzureAPIVersion: "2024-06-01",
	}, core.NopLogger{}, WithTokenCredential(cred))
	require.NoError(t, err)

	answer, err := c.Complete(context.Background(), question)
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, []string{cognitiveScope}, cred.scopes)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{name: "no headers", header: http.Header{}, want: time.Second},
		{name: "retry-after seconds", header: http.Header{"Retry-After": {"3"}}, want: 3 * time.Second},
		{name: "retry-after below fallback", header: http.Header{"Retry-After": {"0"}}, want: time.Second},
		{name: "reset ms", header: http.Header{"X-Ratelimit-Reset-Requests": {"1500ms"}}, want: 1500 * time.Millisecond},
		{name: "reset minutes", header: http.Header{"X-Ratelimit-Reset-Tokens": {"6m0s"}}, want: 6 * time.Minute},
		{name: "garbage", header: http.Header{"Retry-After": {"soon"}}, want: time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RetryDelay(tc.header, time.Second))
		})
	}
}
