package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentflow/internal/task"
	"agentflow/pkg/logx"
)

const maxResponseBody = 4 << 20

// HTTPDispatcher sends a task to POST <agent url>/tasks and decodes a
// Response. A non-2xx status, an undecodable body, or success=false is a
// failed dispatch.
type HTTPDispatcher struct {
	reg    *Registry
	client *http.Client
	log    logx.Logger
}

type taskRequest struct {
	TaskID         string `json:"task_id"`
	Query          string `json:"query"`
	Pattern        string `json:"pattern"`
	Run            int    `json:"run"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

func NewHTTPDispatcher(reg *Registry, client *http.Client, log logx.Logger) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPDispatcher{reg: reg, client: client, log: log.With(logx.String("comp", "agent.http"))}
}

func (d *HTTPDispatcher) Send(ctx context.Context, agentName string, t task.Task) (Response, error) {
	card, ok := d.reg.Get(agentName)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
	}
	if !card.Enabled {
		return Response{}, fmt.Errorf("agent %s is disabled", agentName)
	}
	base := strings.TrimRight(strings.TrimSpace(card.URL), "/")
	if base == "" {
		return Response{}, fmt.Errorf("agent %s has no url", agentName)
	}

	body, err := json.Marshal(taskRequest{
		TaskID:         t.ID,
		Query:          t.Query,
		Pattern:        string(t.Pattern),
		Run:            t.Runs,
		ConversationID: t.ConversationID,
		ThreadID:       t.ThreadID,
		UserID:         t.UserID,
	})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tasks", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("read agent response: %w", err)
	}
	d.log.Debug("agent responded",
		logx.String("agent", agentName),
		logx.String("task_id", t.ID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out := Response{Success: false, Error: strings.TrimSpace(string(raw))}
		var decoded Response
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			out.Error = decoded.Error
		}
		return out, fmt.Errorf("agent %s returned status %d", agentName, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode agent response: %w", err)
	}
	return out, nil
}
