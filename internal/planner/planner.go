// Package planner turns a user request into a task.Decision.
//
// The planner never rewrites a query: an accepted request yields exactly one
// task whose query is the request text. Requests that ask for ongoing work
// are not scheduled straight away. The planner first asks for confirmation,
// parks the intent on the conversation, and only an affirmative reply (see
// ClassifyReply) produces a recurring task.
package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/conversation"
	"agentflow/internal/task"
	"agentflow/pkg/logx"
)

const (
	DefaultAgent           = "ResearchAgent"
	DefaultConfirmationTTL = 30 * time.Minute

	confirmationQuestion = "This suggests recurring monitoring. Do you want regular updates on this, or a one-time analysis?"
	rejectedReason       = "The request could not be planned."
)

// Request is one user turn.
type Request struct {
	TargetAgent    string `json:"target_agent_name,omitempty"`
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	// DryRun plans without touching conversation state: a pending intent is
	// read but neither consumed nor replaced.
	DryRun bool `json:"-"`
}

// Directory lists the agents the oracle may pick from.
type Directory interface {
	ListEnabled(ctx context.Context) ([]agent.Card, error)
}

// Conversations holds the confirmation state between turns.
type Conversations interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	Ensure(ctx context.Context, id, userID string) (conversation.Conversation, error)
	SetPending(ctx context.Context, id string, p *conversation.PendingConfirmation) error
}

type Config struct {
	DefaultAgent    string
	ConfirmationTTL time.Duration
}

type Planner struct {
	mu     sync.RWMutex
	cfg    Config
	oracle Oracle
	dir    Directory
	convs  Conversations
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Planner)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// New builds a planner. convs may be nil, in which case every request is
// planned without confirmation memory.
func New(cfg Config, oracle Oracle, dir Directory, convs Conversations, log logx.Logger, opts ...Option) (*Planner, error) {
	if oracle == nil {
		return nil, errors.New("planner: oracle is required")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Planner{
		cfg:    cfg,
		oracle: oracle,
		dir:    dir,
		convs:  convs,
		log:    log.With(logx.String("comp", "planner")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Plan decides what to do with req. It fails with a *task.PlanningError when
// the oracle is unreachable or returns something unusable, and with a
// *task.ScheduleConfigError when the resulting schedule is invalid.
//
// Conversation state changes only once a decision exists: a failed Plan
// leaves a pending intent in place, so the identical turn can be retried.
func (p *Planner) Plan(ctx context.Context, req Request) (task.Decision, error) {
	if strings.TrimSpace(req.Query) == "" {
		return task.Decision{}, task.Planning("empty request", task.ErrEmptyQuery)
	}
	log := logx.FromContext(ctx, p.log).With(logx.String("conversation_id", req.ConversationID))

	pending, stored, err := p.loadPending(ctx, req)
	if err != nil {
		return task.Decision{}, task.Planning("conversation state unavailable", err)
	}
	d, ask, err := p.resolve(ctx, req, pending, log)
	if err != nil {
		return task.Decision{}, err
	}
	if req.DryRun || p.convs == nil || req.ConversationID == "" {
		return d, nil
	}
	switch {
	case ask != nil:
		err = p.convs.SetPending(ctx, req.ConversationID, ask)
	case stored:
		// Any turn after the question resolves it one way or another.
		err = p.convs.SetPending(ctx, req.ConversationID, nil)
	}
	if err != nil {
		return task.Decision{}, task.Planning("conversation state unavailable", err)
	}
	return d, nil
}

// resolve builds the decision for req. A non-nil intent means the decision
// is a confirmation question and the intent should be parked.
func (p *Planner) resolve(ctx context.Context, req Request, pending *conversation.PendingConfirmation, log logx.Logger) (task.Decision, *conversation.PendingConfirmation, error) {
	reply := ReplyOther
	if pending != nil {
		reply = ClassifyReply(req.Query, pending.Query)
		log.Debug("confirmation reply", logx.String("reply", reply.String()))
	}
	confirmed := reply == ReplyAffirmative
	forceOnce := reply == ReplyNegative

	// A provided target is trusted as-is; dispatch finds out if it is wrong.
	target := req.TargetAgent
	if strings.TrimSpace(target) == "" {
		target = ""
	}
	if target == "" && confirmed {
		target = pending.AgentName
	}

	var (
		cards []agent.Card
		err   error
	)
	if target == "" && p.dir != nil {
		cards, err = p.dir.ListEnabled(ctx)
		if err != nil {
			return task.Decision{}, nil, task.Planning("agent directory unavailable", err)
		}
	}

	oreq := OracleRequest{TargetAgent: target, Query: req.Query, Agents: cards, Confirmed: confirmed}
	if confirmed {
		oreq.PendingQuery = pending.Query
	}
	res, err := p.currentOracle().Resolve(ctx, oreq)
	if err != nil {
		return task.Decision{}, nil, task.Planning("oracle unreachable", err)
	}
	if err := res.Validate(); err != nil {
		return task.Decision{}, nil, task.Planning("oracle returned an invalid plan", err)
	}

	if !res.Adequate {
		if !confirmed && !forceOnce && HasRecurringCue(req.Query) {
			d, ask := p.askConfirmation(req, target, res.Reason, log)
			return d, ask, nil
		}
		reason := strings.TrimSpace(res.Reason)
		if reason == "" {
			reason = rejectedReason
		}
		log.Info("request rejected", logx.String("reason", reason))
		return p.decision(req, task.Reject(reason)), nil, nil
	}

	if len(res.Tasks) > 1 {
		log.Warn("oracle returned several tasks; keeping the first", logx.Int("tasks", len(res.Tasks)))
	}
	ot := res.Tasks[0]
	if ot.Query != req.Query {
		log.Debug("oracle rewrote the query; keeping the original")
	}

	agentName := target
	if agentName == "" {
		agentName = p.pickAgent(ot.AgentName, cards)
	}

	pattern, _ := task.ParsePattern(ot.Pattern)
	switch {
	case confirmed:
		pattern = task.PatternRecurring
	case forceOnce:
		pattern = task.PatternOnce
	case pattern == task.PatternRecurring || HasRecurringCue(req.Query):
		d, ask := p.askConfirmation(req, agentName, "", log)
		return d, ask, nil
	}

	var sch task.Schedule
	if pattern == task.PatternRecurring {
		sch, err = p.schedule(ot.ScheduleConfig, req.Query, pending)
		if err != nil {
			return task.Decision{}, nil, err
		}
	}

	t, err := task.New(task.Spec{
		Query:          req.Query,
		AgentName:      agentName,
		Pattern:        pattern,
		Schedule:       sch,
		ConversationID: req.ConversationID,
		ThreadID:       req.ThreadID,
		UserID:         req.UserID,
	}, p.now())
	if err != nil {
		if task.IsScheduleConfigError(err) {
			return task.Decision{}, nil, err
		}
		return task.Decision{}, nil, task.Planning("task contract violated", err)
	}

	d := p.decision(req, task.Accept(res.Reason, t))
	if err := d.Validate(); err != nil {
		return task.Decision{}, nil, task.Planning("decision contract violated", err)
	}
	log.Info("request planned",
		logx.String("task_id", t.ID),
		logx.String("agent", t.AgentName),
		logx.String("pattern", string(t.Pattern)),
		logx.String("schedule", t.Schedule.String()),
	)
	return d, nil, nil
}

// loadPending reads the conversation's pending confirmation without
// clearing it. stored reports whether an intent is parked at all, expired
// or not, so a successful plan knows to clear it. A dry run never creates
// the conversation.
func (p *Planner) loadPending(ctx context.Context, req Request) (pending *conversation.PendingConfirmation, stored bool, err error) {
	if p.convs == nil || req.ConversationID == "" {
		return nil, false, nil
	}
	var c conversation.Conversation
	if req.DryRun {
		c, err = p.convs.Get(ctx, req.ConversationID)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, false, nil
		}
	} else {
		c, err = p.convs.Ensure(ctx, req.ConversationID, req.UserID)
	}
	if err != nil {
		return nil, false, err
	}
	if c.Pending == nil {
		return nil, false, nil
	}
	if c.Pending.Expired(p.now(), p.config().ConfirmationTTL) {
		p.log.Debug("pending confirmation expired", logx.String("conversation_id", req.ConversationID))
		return nil, true, nil
	}
	return c.Pending, true, nil
}

func (p *Planner) askConfirmation(req Request, agentName, question string, log logx.Logger) (task.Decision, *conversation.PendingConfirmation) {
	question = strings.TrimSpace(question)
	if !strings.HasSuffix(question, "?") {
		question = confirmationQuestion
	}
	log.Info("recurring intent needs confirmation", logx.Bool("dry_run", req.DryRun))
	d := p.decision(req, task.Reject(question))
	d.AwaitingConfirmation = true
	return d, &conversation.PendingConfirmation{
		Query:     req.Query,
		AgentName: agentName,
		ThreadID:  req.ThreadID,
		AskedAt:   p.now(),
	}
}

// pickAgent accepts the oracle's pick only when it names an enabled agent.
func (p *Planner) pickAgent(pick string, cards []agent.Card) string {
	pick = strings.TrimSpace(pick)
	if pick != "" {
		for _, c := range cards {
			if c.Name == pick {
				return pick
			}
		}
		if p.dir == nil {
			return pick
		}
		p.log.Debug("oracle picked an unknown agent", logx.String("agent", pick))
	}
	return p.config().DefaultAgent
}

// schedule prefers the oracle's schedule_config, then the confirming turn,
// then the intent being confirmed.
func (p *Planner) schedule(sc *task.ScheduleConfig, query string, pending *conversation.PendingConfirmation) (task.Schedule, error) {
	if sc != nil && !sc.IsEmpty() {
		return sc.Schedule()
	}
	if s := ExtractSchedule(query); !s.IsNone() {
		return s, nil
	}
	if pending != nil {
		return ExtractSchedule(pending.Query), nil
	}
	return task.Schedule{}, nil
}

func (p *Planner) decision(req Request, d task.Decision) task.Decision {
	d.ConversationID = req.ConversationID
	d.ThreadID = req.ThreadID
	return d
}

// Apply swaps the configuration and, when oracle is non-nil, the oracle.
// Requests already being planned finish with the previous values.
func (p *Planner) Apply(cfg Config, oracle Oracle) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	if oracle != nil {
		p.oracle = oracle
	}
	p.mu.Unlock()
}

func (p *Planner) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Planner) currentOracle() Oracle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oracle
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DefaultAgent) == "" {
		c.DefaultAgent = DefaultAgent
	}
	if c.ConfirmationTTL == 0 {
		c.ConfirmationTTL = DefaultConfirmationTTL
	}
	return c
}
