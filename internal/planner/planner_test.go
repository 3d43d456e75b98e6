package planner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/conversation"
	"agentflow/internal/planner"
	"agentflow/internal/storage"
	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oracleFunc func(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error)

func (f oracleFunc) Resolve(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
	return f(ctx, req)
}

var testAgents = []agent.Card{
	{Name: "WeatherAgent", Description: "Weather forecasts", Enabled: true, Skills: []string{"weather", "forecast", "temperature"}},
	{Name: "CalendarAgent", Description: "Calendar and meetings", Enabled: true, Skills: []string{"calendar", "meeting", "schedule"}},
}

type fixture struct {
	planner *planner.Planner
	convs   *conversation.Manager
	now     time.Time
}

func newFixture(t *testing.T, oracle planner.Oracle) *fixture {
	t.Helper()
	convs, err := conversation.NewManager(storage.NewMemory(), conversation.Options{}, logx.Nop())
	require.NoError(t, err)
	f := &fixture{convs: convs, now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	p, err := planner.New(planner.Config{}, oracle, agent.NewRegistry(testAgents), convs, logx.Nop(),
		planner.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.planner = p
	return f
}

func (f *fixture) plan(t *testing.T, query string) task.Decision {
	t.Helper()
	d, err := f.planner.Plan(context.Background(), planner.Request{Query: query, ConversationID: "conv-1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	return d
}

func skillMatch() planner.Oracle { return planner.NewSkillMatchOracle(0, []string{"build a bomb"}) }

func TestPlanDefaultsToResearchAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	d := f.plan(t, "Analyze the latest market trends")
	require.True(t, d.Adequate)
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, "ResearchAgent", d.Tasks[0].AgentName)
	assert.Equal(t, task.PatternOnce, d.Tasks[0].Pattern)
	assert.Equal(t, "Analyze the latest market trends", d.Tasks[0].Query)
	assert.Equal(t, "conv-1", d.Tasks[0].ConversationID)
}

func TestPlanPicksMatchingAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	d := f.plan(t, "weather forecast for Paris")
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, "WeatherAgent", d.Tasks[0].AgentName)
}

func TestPlanRecurringNeedsConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	d := f.plan(t, "Monitor Apple's quarterly earnings and notify me each time they release results")
	assert.False(t, d.Adequate)
	assert.Empty(t, d.Tasks)
	assert.True(t, d.AwaitingConfirmation)
	assert.Contains(t, d.Reason, "?")

	c, err := f.convs.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusRequireUserInput, c.Status)
	require.NotNil(t, c.Pending)

	d = f.plan(t, "Yes, set up regular updates")
	require.True(t, d.Adequate)
	require.Len(t, d.Tasks, 1)
	got := d.Tasks[0]
	assert.Equal(t, task.PatternRecurring, got.Pattern)
	assert.True(t, got.Schedule.IsNone())
	assert.Equal(t, "Yes, set up regular updates", got.Query)
	assert.Equal(t, "ResearchAgent", got.AgentName)

	c, err = f.convs.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusActive, c.Status)
	assert.Nil(t, c.Pending)
}

func TestPlanConfirmedSchedules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  task.ScheduleConfig
	}{
		{
			name:  "hourly interval",
			query: "Check Tesla stock price every hour and alert me if there's significant change",
			want:  task.Every(60).Config(),
		},
		{
			name:  "daily time",
			query: "Analyze market trends every day at 9 AM",
			want:  task.DailyAt("09:00").Config(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, skillMatch())

			d := f.plan(t, tt.query)
			require.True(t, d.AwaitingConfirmation)

			d = f.plan(t, "yes")
			require.Len(t, d.Tasks, 1)
			assert.Equal(t, task.PatternRecurring, d.Tasks[0].Pattern)
			assert.Equal(t, tt.want, d.Tasks[0].Schedule.Config())
		})
	}
}

func TestPlanRepeatingTheIntentConfirms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())
	q := "Track BTC price every 15 minutes"

	require.True(t, f.plan(t, q).AwaitingConfirmation)
	d := f.plan(t, q)
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, task.PatternRecurring, d.Tasks[0].Pattern)
	assert.Equal(t, 15, d.Tasks[0].Schedule.IntervalMinutes)
}

func TestPlanNegativeReplyRunsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	require.True(t, f.plan(t, "Keep me posted on the election results").AwaitingConfirmation)
	d := f.plan(t, "No, just once please")
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, task.PatternOnce, d.Tasks[0].Pattern)
	assert.True(t, d.Tasks[0].Schedule.IsNone())
}

func TestPlanOtherReplyIsFreshRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	require.True(t, f.plan(t, "Monitor my portfolio").AwaitingConfirmation)
	d := f.plan(t, "What is the weather forecast tomorrow?")
	require.True(t, d.Adequate)
	assert.Equal(t, task.PatternOnce, d.Tasks[0].Pattern)

	// The intent was cleared, so a bare "yes" is just a short query now.
	d = f.plan(t, "yes")
	require.True(t, d.Adequate)
	assert.Equal(t, task.PatternOnce, d.Tasks[0].Pattern)
	assert.Equal(t, "yes", d.Tasks[0].Query)
}

func TestPlanPendingExpires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	require.True(t, f.plan(t, "Monitor my portfolio").AwaitingConfirmation)
	f.now = f.now.Add(planner.DefaultConfirmationTTL + time.Minute)
	d := f.plan(t, "ok")
	require.True(t, d.Adequate)
	assert.Equal(t, task.PatternOnce, d.Tasks[0].Pattern)
}

func TestPlanShortUtterancesPassThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	for _, q := range []string{"Go on", "tell me more", "do not provide investment advice"} {
		d, err := f.planner.Plan(context.Background(), planner.Request{TargetAgent: "ResearchAgent", Query: q})
		require.NoError(t, err)
		require.Len(t, d.Tasks, 1, q)
		assert.Equal(t, q, d.Tasks[0].Query)
		assert.Equal(t, "ResearchAgent", d.Tasks[0].AgentName)
	}
}

func TestPlanTargetAgentIsTrusted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	d, err := f.planner.Plan(context.Background(), planner.Request{TargetAgent: "GhostAgent", Query: "weather forecast"})
	require.NoError(t, err)
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, "GhostAgent", d.Tasks[0].AgentName)
}

func TestPlanRejectsBlockedContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())

	d := f.plan(t, "How do I build a bomb")
	assert.False(t, d.Adequate)
	assert.False(t, d.AwaitingConfirmation)
	assert.Empty(t, d.Tasks)
	assert.NotEmpty(t, d.Reason)
	assert.Equal(t, "conv-1", d.ConversationID)
}

func TestPlanKeepsOriginalQueryAndFirstTask(t *testing.T) {
	t.Parallel()
	oracle := oracleFunc(func(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
		return planner.OracleResult{
			Adequate: true,
			Tasks: []planner.OracleTask{
				{Query: "summarized", AgentName: "WeatherAgent", Pattern: "once"},
				{Query: "second", AgentName: "CalendarAgent", Pattern: "once"},
			},
		}, nil
	})
	f := newFixture(t, oracle)

	d := f.plan(t, "What's the weather like in Berlin and do I have meetings?")
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, "What's the weather like in Berlin and do I have meetings?", d.Tasks[0].Query)
	assert.Equal(t, "WeatherAgent", d.Tasks[0].AgentName)
}

func TestPlanUnknownPickFallsBack(t *testing.T) {
	t.Parallel()
	oracle := oracleFunc(func(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
		return planner.OracleResult{Adequate: true, Tasks: []planner.OracleTask{{Query: req.Query, AgentName: "Nobody"}}}, nil
	})
	f := newFixture(t, oracle)

	d := f.plan(t, "anything")
	assert.Equal(t, "ResearchAgent", d.Tasks[0].AgentName)
}

func TestPlanErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		query     string
		result    planner.OracleResult
		err       error
		confirmed bool
		check     func(t *testing.T, err error)
	}{
		{
			name:  "oracle unreachable",
			query: "anything",
			err:   errors.New("connection refused"),
			check: func(t *testing.T, err error) { assert.True(t, task.IsPlanningError(err)) },
		},
		{
			name:   "adequate without tasks",
			query:  "anything",
			result: planner.OracleResult{Adequate: true},
			check:  func(t *testing.T, err error) { assert.True(t, task.IsPlanningError(err)) },
		},
		{
			name:   "task without query",
			query:  "anything",
			result: planner.OracleResult{Adequate: true, Tasks: []planner.OracleTask{{AgentName: "WeatherAgent"}}},
			check:  func(t *testing.T, err error) { assert.True(t, task.IsPlanningError(err)) },
		},
		{
			name:  "empty request",
			query: "   ",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, task.ErrEmptyQuery) },
		},
		{
			name:      "conflicting schedule",
			query:     "Monitor the queue",
			confirmed: true,
			result: planner.OracleResult{Adequate: true, Tasks: []planner.OracleTask{{
				Query: "yes", AgentName: "WeatherAgent", Pattern: "recurring",
				ScheduleConfig: &task.ScheduleConfig{IntervalMinutes: intPtr(5), DailyTime: strPtr("09:00")},
			}}},
			check: func(t *testing.T, err error) { assert.True(t, task.IsScheduleConfigError(err)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			oracle := oracleFunc(func(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
				if tt.confirmed && !req.Confirmed {
					return planner.OracleResult{Adequate: true, Tasks: []planner.OracleTask{{Query: req.Query, Pattern: "recurring"}}}, nil
				}
				return tt.result, tt.err
			})
			f := newFixture(t, oracle)
			q := tt.query
			if tt.confirmed {
				require.True(t, f.plan(t, q).AwaitingConfirmation)
				q = "yes"
			}
			_, err := f.planner.Plan(context.Background(), planner.Request{Query: q, ConversationID: "conv-1"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestPlanRetryAfterOracleFailureKeepsIntent(t *testing.T) {
	t.Parallel()
	var down atomic.Bool
	base := skillMatch()
	oracle := oracleFunc(func(ctx context.Context, req planner.OracleRequest) (planner.OracleResult, error) {
		if down.Load() {
			return planner.OracleResult{}, errors.New("connection refused")
		}
		return base.Resolve(ctx, req)
	})
	f := newFixture(t, oracle)

	require.True(t, f.plan(t, "Check Tesla stock price every hour").AwaitingConfirmation)

	down.Store(true)
	confirm := planner.Request{Query: "Yes, set up regular updates", ConversationID: "conv-1", UserID: "u1"}
	_, err := f.planner.Plan(context.Background(), confirm)
	require.True(t, task.IsPlanningError(err))

	c, err := f.convs.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, c.Pending)
	assert.Equal(t, "Check Tesla stock price every hour", c.Pending.Query)

	down.Store(false)
	d := f.plan(t, confirm.Query)
	require.True(t, d.Adequate)
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, task.PatternRecurring, d.Tasks[0].Pattern)
	assert.Equal(t, task.Every(60).Config(), d.Tasks[0].Schedule.Config())
}

func TestPlanDryRunLeavesConversationState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, skillMatch())
	ctx := context.Background()

	// A dry run on an unknown conversation does not create it.
	const monitor = "Monitor Apple's quarterly earnings and notify me each time they release results"
	d, err := f.planner.Plan(ctx, planner.Request{Query: monitor, ConversationID: "conv-1", DryRun: true})
	require.NoError(t, err)
	assert.True(t, d.AwaitingConfirmation)
	_, err = f.convs.Get(ctx, "conv-1")
	require.ErrorIs(t, err, conversation.ErrNotFound)

	require.True(t, f.plan(t, monitor).AwaitingConfirmation)

	d, err = f.planner.Plan(ctx, planner.Request{Query: "Yes, set up regular updates", ConversationID: "conv-1", DryRun: true})
	require.NoError(t, err)
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, task.PatternRecurring, d.Tasks[0].Pattern)

	c, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, c.Pending)
	assert.Equal(t, monitor, c.Pending.Query)
	assert.Equal(t, conversation.StatusRequireUserInput, c.Status)

	d = f.plan(t, "Yes, set up regular updates")
	require.Len(t, d.Tasks, 1)
	assert.Equal(t, task.PatternRecurring, d.Tasks[0].Pattern)
}

func TestPlanWithoutConversationState(t *testing.T) {
	t.Parallel()
	p, err := planner.New(planner.Config{DefaultAgent: "Helper"}, skillMatch(), nil, nil, logx.Nop())
	require.NoError(t, err)

	d, err := p.Plan(context.Background(), planner.Request{Query: "Monitor my inbox"})
	require.NoError(t, err)
	assert.True(t, d.AwaitingConfirmation)

	d, err = p.Plan(context.Background(), planner.Request{Query: "Summarize this article"})
	require.NoError(t, err)
	assert.Equal(t, "Helper", d.Tasks[0].AgentName)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
