package planner

import (
	"testing"

	"agentflow/internal/task"

	"github.com/stretchr/testify/assert"
)

func TestClassifyReply(t *testing.T) {
	t.Parallel()

	const pending = "Monitor Apple's quarterly earnings"
	tests := []struct {
		text string
		want Reply
	}{
		{"Yes, set up regular updates", ReplyAffirmative},
		{"y", ReplyAffirmative},
		{"  OK!", ReplyAffirmative},
		{"okay then", ReplyAffirmative},
		{"Sounds good", ReplyAffirmative},
		{"please do", ReplyAffirmative},
		{"Of course.", ReplyAffirmative},
		{"monitor apple's quarterly earnings", ReplyAffirmative},
		{"No", ReplyNegative},
		{"nope", ReplyNegative},
		{"Don’t bother", ReplyNegative},
		{"do not", ReplyNegative},
		{"Just once is fine", ReplyNegative},
		{"one-time analysis please", ReplyNegative},
		{"yesterday's numbers?", ReplyOther},
		{"notify me later", ReplyOther},
		{"okra prices", ReplyOther},
		{"What about Microsoft?", ReplyOther},
		{"", ReplyOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyReply(tt.text, pending), "%q", tt.text)
	}
}

func TestHasRecurringCue(t *testing.T) {
	t.Parallel()

	yes := []string{
		"Monitor Apple's quarterly earnings and notify me each time they release results",
		"keep me updated on the launch",
		"Remind me to stretch",
		"send me the weather every morning",
		"check prices every 30 minutes",
		"hourly summary",
		"I want regular updates",
		"tracking the shipment",
		"alert me whenever BTC drops",
	}
	no := []string{
		"Analyze the latest market trends",
		"What was Tesla's Q3 2024 revenue?",
		"Go on",
		"every one of them",
	}
	for _, q := range yes {
		assert.True(t, HasRecurringCue(q), q)
	}
	for _, q := range no {
		assert.False(t, HasRecurringCue(q), q)
	}
}

func TestExtractSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want task.Schedule
	}{
		{"Check Tesla stock price every hour and alert me", task.Every(60)},
		{"every 15 minutes", task.Every(15)},
		{"every 2 hours", task.Every(120)},
		{"every half hour", task.Every(30)},
		{"hourly", task.Every(60)},
		{"weekly digest", task.Every(7 * 24 * 60)},
		{"daily report", task.Every(24 * 60)},
		{"Analyze market trends every day at 9 AM", task.DailyAt("09:00")},
		{"daily at 14:00", task.DailyAt("14:00")},
		{"every evening at 7:30pm", task.DailyAt("19:30")},
		{"every day at 12am", task.DailyAt("00:00")},
		{"every day at 12 p.m.", task.DailyAt("12:00")},
		{"Yes, set up regular updates", task.Schedule{}},
		{"notify me each time they release results", task.Schedule{}},
		{"every day at 25:00", task.Every(24 * 60)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractSchedule(tt.text), tt.text)
	}
}
