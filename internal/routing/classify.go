package routing

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"

	RequirementAnalysis   = "analysis"
	RequirementPlanning   = "planning"
	RequirementCreative   = "creative"
	RequirementMotivation = "motivation"
	RequirementGeneral    = "general"

	ConditionStruggling = "struggling"
	ConditionBurnout    = "burnout"
	ConditionStable     = "stable"
)

const (
	shortPromptWords = 8
	longPromptWords  = 120
	strugglingRate   = 0.5
)

// Classification is one classifier's verdict plus the evidence for it.
type Classification struct {
	Value   string   `json:"value"`
	Signals []string `json:"signals"`
}

type Analysis struct {
	Urgency     Classification `json:"urgency"`
	Requirement Classification `json:"requirement"`
	Condition   Classification `json:"condition"`
}

// StudyStats is the performance context the client sends along with a chat.
type StudyStats struct {
	TotalStudyMinutes int `json:"totalStudyMinutes"`
	SessionsThisWeek  int `json:"sessionsThisWeek"`
	CompletedTasks    int `json:"completedTasks"`
	TotalTasks        int `json:"totalTasks"`
	StreakDays        int `json:"streakDays"`
}

// CompletionRate is CompletedTasks/TotalTasks; ok is false without tasks.
func (s StudyStats) CompletionRate() (rate float64, ok bool) {
	if s.TotalTasks <= 0 {
		return 0, false
	}
	return float64(s.CompletedTasks) / float64(s.TotalTasks), true
}

type keywordRule struct {
	value    string
	keywords []string
	patterns []*regexp.Regexp
}

func newRule(value string, keywords ...string) keywordRule {
	r := keywordRule{value: value, keywords: keywords}
	for _, k := range keywords {
		r.patterns = append(r.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(k)+`\b`))
	}
	return r
}

// match returns the keywords of r found in text as whole words.
func (r keywordRule) match(text string) []string {
	var hits []string
	for i, p := range r.patterns {
		if p.MatchString(text) {
			hits = append(hits, fmt.Sprintf("keyword %q", r.keywords[i]))
		}
	}
	return hits
}

// Rule tables are ordered; the first rule with any hit decides.
var (
	urgencyRules = []keywordRule{
		newRule(UrgencyHigh, "urgent", "asap", "immediately", "deadline", "emergency", "right now", "critical", "due tomorrow"),
		newRule(UrgencyMedium, "soon", "quick", "quickly", "today", "tonight", "this week"),
	}

	requirementRules = []keywordRule{
		newRule(RequirementAnalysis, "analyze", "analyse", "analysis", "explain", "compare", "evaluate", "why", "understand", "break down", "insight", "insights", "statistics", "performance", "pattern", "patterns"),
		newRule(RequirementPlanning, "plan", "planning", "schedule", "organize", "organise", "prioritize", "prioritise", "timeline", "roadmap", "routine", "timetable"),
		newRule(RequirementCreative, "creative", "brainstorm", "idea", "ideas", "story", "poem", "imagine", "invent", "mnemonic"),
		newRule(RequirementMotivation, "motivate", "motivation", "motivated", "inspire", "inspiration", "encourage", "procrastinate", "procrastinating", "lazy"),
	}

	burnoutRule    = newRule(ConditionBurnout, "burnout", "burned out", "burnt out", "exhausted", "overwhelmed", "drained", "stressed", "tired")
	strugglingRule = newRule(ConditionStruggling, "struggling", "struggle", "stuck", "confused", "failing", "falling behind", "behind", "lost")
)

func classifyUrgency(text string) Classification {
	for _, r := range urgencyRules {
		if hits := r.match(text); len(hits) > 0 {
			return Classification{Value: r.value, Signals: hits}
		}
	}
	c := Classification{Value: UrgencyLow, Signals: []string{}}
	if len(strings.Fields(text)) < shortPromptWords {
		c.Signals = append(c.Signals, "short prompt")
	}
	return c
}

func classifyRequirement(text string) Classification {
	for _, r := range requirementRules {
		if hits := r.match(text); len(hits) > 0 {
			return Classification{Value: r.value, Signals: hits}
		}
	}
	if n := len(strings.Fields(text)); n > longPromptWords {
		return Classification{
			Value:   RequirementAnalysis,
			Signals: []string{fmt.Sprintf("long prompt (%d words)", n)},
		}
	}
	return Classification{Value: RequirementGeneral, Signals: []string{}}
}

func classifyCondition(text string, stats StudyStats) Classification {
	if rate, ok := stats.CompletionRate(); ok && rate < strugglingRate {
		return Classification{
			Value:   ConditionStruggling,
			Signals: []string{fmt.Sprintf("completion rate %.0f%%", rate*100)},
		}
	}
	for _, r := range []keywordRule{burnoutRule, strugglingRule} {
		if hits := r.match(text); len(hits) > 0 {
			return Classification{Value: r.value, Signals: hits}
		}
	}
	return Classification{Value: ConditionStable, Signals: []string{}}
}

// Analyze runs the three classifiers independently over text.
func Analyze(text string, stats StudyStats) Analysis {
	return Analysis{
		Urgency:     classifyUrgency(text),
		Requirement: classifyRequirement(text),
		Condition:   classifyCondition(text, stats),
	}
}
