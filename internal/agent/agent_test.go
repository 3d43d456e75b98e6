package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryListEnabledSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry([]Card{
		{Name: "ResearchAgent", Enabled: true},
		{Name: "AutoTradingAgent", Enabled: true},
		{Name: "Disabled", Enabled: false},
		{Name: "  "},
	})
	cards, err := r.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "AutoTradingAgent", cards[0].Name)
	assert.Equal(t, "ResearchAgent", cards[1].Name)

	_, ok := r.Get("Disabled")
	assert.True(t, ok)

	r.Apply(nil)
	cards, err = r.ListEnabled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func newTask(t *testing.T) task.Task {
	t.Helper()
	tk, err := task.New(task.Spec{Query: "Analyze AAPL", AgentName: "ResearchAgent", ConversationID: "c1"}, time.Now())
	require.NoError(t, err)
	return tk
}

func TestHTTPDispatcherSuccess(t *testing.T) {
	t.Parallel()
	var got taskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Response{Success: true, Payload: "report"})
	}))
	defer srv.Close()

	reg := NewRegistry([]Card{{Name: "ResearchAgent", URL: srv.URL + "/", Enabled: true}})
	d := NewHTTPDispatcher(reg, srv.Client(), logx.Nop())

	tk := newTask(t)
	resp, err := d.Send(context.Background(), "ResearchAgent", tk)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "report", resp.Payload)
	assert.Equal(t, tk.ID, got.TaskID)
	assert.Equal(t, "Analyze AAPL", got.Query)
	assert.Equal(t, "c1", got.ConversationID)
}

func TestHTTPDispatcherNon2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(Response{Error: "rate limited"})
	}))
	defer srv.Close()

	reg := NewRegistry([]Card{{Name: "ResearchAgent", URL: srv.URL, Enabled: true}})
	d := NewHTTPDispatcher(reg, srv.Client(), logx.Nop())

	resp, err := d.Send(context.Background(), "ResearchAgent", newTask(t))
	require.Error(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "rate limited", resp.Error)
}

func TestHTTPDispatcherUnknownAndDisabled(t *testing.T) {
	t.Parallel()
	reg := NewRegistry([]Card{{Name: "Off", URL: "http://127.0.0.1:1", Enabled: false}})
	d := NewHTTPDispatcher(reg, nil, logx.Nop())

	_, err := d.Send(context.Background(), "Nope", newTask(t))
	require.ErrorIs(t, err, ErrUnknownAgent)

	_, err = d.Send(context.Background(), "Off", newTask(t))
	require.Error(t, err)
}
