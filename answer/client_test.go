package answer_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ushauri/voicegateway/answer"
	"github.com/ushauri/voicegateway/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...answer.Option) *answer.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := answer.New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func requireReason(t *testing.T, err error, want answer.Reason) {
	t.Helper()
	var aerr *answer.Error
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, want, aerr.Reason)
	require.Equal(t, string(want), aerr.FailureReason())
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := answer.New("  ")
	require.Error(t, err)
}

func TestFetchStructuredAnswerShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"answer": "A will is a legal document."}`))
	})

	got, err := c.Fetch(context.Background(), []model.Message{
		{Role: model.RoleUser, Content: "What is a will?"},
	})
	require.NoError(t, err)
	require.Equal(t, "A will is a legal document.", got)
}

func TestFetchBareTextShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text": "  trimmed answer  "}`))
	})

	got, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "trimmed answer", got)
}

func TestFetchChatCompletionShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"From choices."}}]}`))
	})

	got, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "From choices.", got)
}

func TestFetchMalformedBody(t *testing.T) {
	for name, body := range map[string]string{
		"unknown keys": `{"foo": "bar"}`,
		"empty answer": `{"answer": ""}`,
		"not json":     `hello there`,
		"empty choice": `{"choices":[{"message":{"role":"assistant","content":"  "}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Fetch(context.Background(), nil)
			requireReason(t, err, answer.ReasonMalformed)
		})
	}
}

func TestFetchUpstreamErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Fetch(context.Background(), nil)
	requireReason(t, err, answer.ReasonTransport)
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := answer.New(url)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), nil)
	requireReason(t, err, answer.ReasonTransport)
}

func TestFetchTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and can
		// observe the client disconnect, which cancels r.Context().
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}, answer.WithTimeout(30*time.Millisecond))

	_, err := c.Fetch(context.Background(), nil)
	requireReason(t, err, answer.ReasonTimeout)
}

func TestFetchCapsConversationWindow(t *testing.T) {
	type askRequest struct {
		Text          string          `json:"text"`
		Conversations []model.Message `json:"conversations"`
	}
	var got askRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	})

	turns := []model.Message{
		{Role: model.RoleUser, Content: "one"},
		{Role: model.RoleAssistant, Content: "two"},
		{Role: model.RoleUser, Content: "three"},
		{Role: model.RoleAssistant, Content: "four"},
		{Role: model.RoleUser, Content: "five"},
		{Role: model.RoleAssistant, Content: "six"},
	}
	_, err := c.Fetch(context.Background(), turns)
	require.NoError(t, err)

	require.Len(t, got.Conversations, 4)
	require.Equal(t, "three", got.Conversations[0].Content)
	require.Equal(t, "six", got.Text)
}
