// Package routing picks the model for a chat turn. It classifies the latest
// user message, maps the result through a priority table to a preference
// list, and intersects that list with the models currently available.
package routing

import (
	"errors"
	"strings"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

// AutoModel is the model id that asks for heuristic routing.
const AutoModel = "auto"

const (
	SourceManual   = "manual"
	SourceAuto     = "auto"
	SourceFallback = "fallback"
)

var ErrNoModelsAvailable = errors.New("no models available")

type Decision struct {
	RequestedModelID string   `json:"requestedModelId,omitempty"`
	ResolvedModelID  string   `json:"resolvedModelId"`
	Source           string   `json:"resolutionSource"`
	Analysis         Analysis `json:"analysis"`
}

// Manual reports whether the caller named a concrete model.
func (d Decision) Manual() bool {
	return d.RequestedModelID != "" && d.RequestedModelID != AutoModel
}

type priorityRow struct {
	name        string
	matches     func(Analysis) bool
	preferences []string
}

func requirementIs(v string) func(Analysis) bool {
	return func(a Analysis) bool { return a.Requirement.Value == v }
}

func conditionIs(v string) func(Analysis) bool {
	return func(a Analysis) bool { return a.Condition.Value == v }
}

// defaultPriorities is checked top to bottom. Urgency outranks the kind of
// help asked for, which outranks the student's condition.
var defaultPriorities = []priorityRow{
	{"high_urgency", func(a Analysis) bool { return a.Urgency.Value == UrgencyHigh },
		[]string{"gpt-4o-mini", "claude-3-5-haiku-20241022", "deepseek/deepseek-chat"}},
	{"analysis", requirementIs(RequirementAnalysis),
		[]string{"claude-3-5-sonnet-20241022", "gpt-4o", "meta-llama/llama-3.1-70b-instruct"}},
	{"planning", requirementIs(RequirementPlanning),
		[]string{"gpt-4o", "claude-3-5-sonnet-20241022", "gpt-4o-mini"}},
	{"creative", requirementIs(RequirementCreative),
		[]string{"claude-3-5-sonnet-20241022", "gpt-4o", "meta-llama/llama-3.1-70b-instruct"}},
	{"motivation", requirementIs(RequirementMotivation),
		[]string{"claude-3-5-haiku-20241022", "gpt-4o-mini", "deepseek/deepseek-chat"}},
	{"burnout", conditionIs(ConditionBurnout),
		[]string{"claude-3-5-haiku-20241022", "gpt-4o-mini"}},
	{"struggling", conditionIs(ConditionStruggling),
		[]string{"claude-3-5-sonnet-20241022", "gpt-4o", "gpt-4o-mini"}},
	{"general", func(Analysis) bool { return true },
		[]string{"gpt-4o-mini", "claude-3-5-haiku-20241022", "deepseek/deepseek-chat"}},
}

func knownRow(name string) bool {
	for _, r := range defaultPriorities {
		if r.name == name {
			return true
		}
	}
	return false
}

type Router struct {
	catalog    *Catalog
	priorities []priorityRow
}

func NewRouter(catalog *Catalog) *Router {
	rows := make([]priorityRow, len(defaultPriorities))
	copy(rows, defaultPriorities)
	for i, r := range rows {
		if prefs, ok := catalog.preferences[r.name]; ok {
			rows[i].preferences = prefs
		}
	}
	return &Router{catalog: catalog, priorities: rows}
}

func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// Resolve picks a model for messages. available is the set of models that
// can be served right now; it must be non-empty.
func (r *Router) Resolve(messages []provider.Message, stats StudyStats, requestedModelID string, available []string) (Decision, error) {
	if len(available) == 0 {
		return Decision{}, ErrNoModelsAvailable
	}
	avail := make(map[string]bool, len(available))
	for _, id := range available {
		avail[id] = true
	}

	d := Decision{RequestedModelID: requestedModelID}
	if d.Manual() && avail[requestedModelID] {
		d.ResolvedModelID = requestedModelID
		d.Source = SourceManual
		d.Analysis = Analysis{
			Urgency:     Classification{Value: UrgencyLow, Signals: []string{"manual selection"}},
			Requirement: Classification{Value: RequirementGeneral, Signals: []string{"manual selection"}},
			Condition:   Classification{Value: ConditionStable, Signals: []string{"manual selection"}},
		}
		return d, nil
	}

	d.Analysis = Analyze(lastUserText(messages), stats)

	for _, row := range r.priorities {
		if !row.matches(d.Analysis) {
			continue
		}
		for _, id := range row.preferences {
			if avail[id] {
				d.ResolvedModelID = id
				d.Source = SourceAuto
				return d, nil
			}
		}
		break
	}

	for _, m := range r.catalog.models {
		if avail[m.ID] {
			d.ResolvedModelID = m.ID
			d.Source = SourceFallback
			return d, nil
		}
	}
	// Available models outside the catalog are still servable.
	d.ResolvedModelID = available[0]
	d.Source = SourceFallback
	return d, nil
}

func lastUserText(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			return messages[i].Content
		}
	}
	return ""
}
