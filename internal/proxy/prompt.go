package proxy

import (
	"fmt"
	"strings"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
)

// GroupInfo describes the study group a chat happens in, if any.
type GroupInfo struct {
	Name        string `json:"name"`
	Subject     string `json:"subject,omitempty"`
	MemberCount int    `json:"memberCount,omitempty"`
}

const basePrompt = `You are StudyFlow's study assistant. Help the student learn, plan and stay motivated.
Be encouraging and concrete. Prefer short, actionable steps over long essays.`

func buildSystemPrompt(userName string, stats *routing.StudyStats, group *GroupInfo) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if name := strings.TrimSpace(userName); name != "" {
		fmt.Fprintf(&b, "\n\nThe student's name is %s.", name)
	}

	if stats != nil {
		b.WriteString("\n\nStudy statistics:")
		fmt.Fprintf(&b, "\n- Total study time: %d minutes", stats.TotalStudyMinutes)
		fmt.Fprintf(&b, "\n- Sessions this week: %d", stats.SessionsThisWeek)
		if rate, ok := stats.CompletionRate(); ok {
			fmt.Fprintf(&b, "\n- Tasks completed: %d of %d (%.0f%%)", stats.CompletedTasks, stats.TotalTasks, rate*100)
		}
		if stats.StreakDays > 0 {
			fmt.Fprintf(&b, "\n- Current streak: %d days", stats.StreakDays)
		}
	}

	if group != nil && group.Name != "" {
		fmt.Fprintf(&b, "\n\nThis conversation happens in the study group %q", group.Name)
		if group.Subject != "" {
			fmt.Fprintf(&b, " about %s", group.Subject)
		}
		if group.MemberCount > 0 {
			fmt.Fprintf(&b, " with %d members", group.MemberCount)
		}
		b.WriteString(".")
	}

	return b.String()
}

// withSystemPrompt prepends the study assistant prompt unless the client
// already sent a system message.
func withSystemPrompt(req *ChatRequest) []provider.Message {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return req.Messages
		}
	}
	out := make([]provider.Message, 0, len(req.Messages)+1)
	out = append(out, provider.Message{
		Role:    "system",
		Content: buildSystemPrompt(req.UserName, req.StudyStats, req.GroupInfo),
	})
	return append(out, req.Messages...)
}
