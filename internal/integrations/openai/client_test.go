package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"student-query-agent/internal/domain"
)

// fakeGetter is a minimal paramstore.Getter stub.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/studentq")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " ")
	require.ErrorContains(t, err, "prefix")

	_, err = NewClient(nil, "", WithAPIKey("sk-local"))
	require.NoError(t, err)

	_, err = NewClient(&fakeGetter{}, "/studentq", WithModel(" "))
	require.ErrorContains(t, err, "model")
}

func TestResolveAPIKey_CachesAfterSuccess(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`, onCall: func() { calls++ }}
	c, err := NewClient(g, "/studentq")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls)
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "/studentq")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = `{"token":"sk-second"}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-second", key)
}

func TestComplete_SendsSystemAndMessages(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"{\"isSmallTalk\":true}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(nil, "", WithAPIKey("sk-test"), WithBaseURL(srv.URL), WithModel("gpt-test"), WithJSONObjectResponses(), WithTemperature(0.2))
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "classify", []domain.ChatMessage{{Role: "user", Content: "Hello"}})
	require.NoError(t, err)
	require.Equal(t, `{"isSmallTalk":true}`, out)

	require.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "classify", got.Messages[0].Content)
	require.Equal(t, "Hello", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	require.Equal(t, "json_object", got.ResponseFormat.Type)
	require.InDelta(t, 0.2, *got.Temperature, 1e-9)
}

func TestComplete_OmitsEmptySystemInstruction(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), " ", []domain.ChatMessage{{Role: "user", Content: "q"}})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Nil(t, got.ResponseFormat)
}

func TestComplete_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "s", nil)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "slow down")
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "s", nil)
	require.ErrorContains(t, err, "no choices")
}

func TestComplete_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "s", nil)
	require.ErrorContains(t, err, "decode response")
}

func TestComplete_KeyResolutionFailure(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("denied")}, "/studentq")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "s", nil)
	require.ErrorContains(t, err, "denied")
}
