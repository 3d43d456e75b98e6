// Package llm is a planning oracle backed by an OpenAI-compatible chat
// completion endpoint.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentflow/internal/planner"
	"agentflow/pkg/logx"

	"github.com/sashabaranov/go-openai"
)

var _ planner.Oracle = (*Oracle)(nil)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type Oracle struct {
	client *openai.Client
	cfg    Config
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Oracle, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm oracle: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Oracle{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		log:    log.With(logx.String("comp", "oracle.llm")),
	}, nil
}

// Resolve asks the model for a plan and decodes its JSON answer.
func (o *Oracle) Resolve(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
	input, err := json.Marshal(promptInput{
		TargetAgent:  nullable(req.TargetAgent),
		Query:        req.Query,
		Agents:       agentsFor(req),
		Confirmed:    req.Confirmed,
		PendingQuery: req.PendingQuery,
	})
	if err != nil {
		return planner.OracleResult{}, err
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return planner.OracleResult{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return planner.OracleResult{}, errors.New("no choices in response")
	}
	content := resp.Choices[0].Message.Content
	o.log.Debug("oracle answered",
		logx.String("model", o.cfg.Model),
		logx.Duration("took", time.Since(start)),
		logx.Int("prompt_tokens", resp.Usage.PromptTokens),
		logx.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return planner.DecodeOracleResult(content)
}

type promptAgent struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

type promptInput struct {
	TargetAgent  *string       `json:"target_agent_name"`
	Query        string        `json:"query"`
	Agents       []promptAgent `json:"enabled_agents,omitempty"`
	Confirmed    bool          `json:"recurring_confirmed"`
	PendingQuery string        `json:"confirmed_intent,omitempty"`
}

func agentsFor(req planner.OracleRequest) []promptAgent {
	out := make([]promptAgent, 0, len(req.Agents))
	for _, c := range req.Agents {
		out = append(out, promptAgent{Name: c.Name, Description: c.Description, Skills: c.Skills})
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const systemPrompt = `You route one user request to one agent. Answer with a single JSON object and nothing else.

Rules:
- If target_agent_name is set, use it unchanged.
- Otherwise pick the agent from enabled_agents whose description and skills fit the query best. If none fits clearly, leave agent_name empty.
- Produce exactly one task. Copy the query unchanged: do not rewrite, summarize or split it.
- Short replies and preferences ("go on", "yes", "no investment advice") are valid queries.
- Refuse only illegal or impossible requests: adequate=false, a short reason, no tasks.
- Use pattern "recurring" only when recurring_confirmed is true; otherwise "once".
- For recurring tasks read the schedule from the query or confirmed_intent: an interval goes in schedule_config.interval_minutes, a time of day in schedule_config.daily_time as HH:MM (24h). Never set both. Omit schedule_config when no schedule is given.

Schema:
{"tasks":[{"query":string,"agent_name":string,"pattern":"once"|"recurring","schedule_config":{"interval_minutes":int|null,"daily_time":"HH:MM"|null}}],"adequate":bool,"reason":string}`
