package routing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

// Model is one entry of the catalog. Costs are USD per token.
type Model struct {
	ID                 string  `yaml:"id" json:"id"`
	Provider           string  `yaml:"provider" json:"provider"`
	Name               string  `yaml:"name" json:"name"`
	CostPerInputToken  float64 `yaml:"cost_per_input_token" json:"-"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token" json:"-"`
}

// Catalog holds models in canonical order. The order is the fallback order
// used when no preference matches.
type Catalog struct {
	models      []Model
	byID        map[string]Model
	preferences map[string][]string
}

type catalogFile struct {
	Models      []Model             `yaml:"models"`
	Preferences map[string][]string `yaml:"preferences"`
}

var defaultModels = []Model{
	{ID: "claude-3-5-sonnet-20241022", Provider: provider.Anthropic, Name: "Claude 3.5 Sonnet", CostPerInputToken: 0.000003, CostPerOutputToken: 0.000015},
	{ID: "claude-3-5-haiku-20241022", Provider: provider.Anthropic, Name: "Claude 3.5 Haiku", CostPerInputToken: 0.0000008, CostPerOutputToken: 0.000004},
	{ID: "gpt-4o", Provider: provider.OpenAI, Name: "GPT-4o", CostPerInputToken: 0.0000025, CostPerOutputToken: 0.00001},
	{ID: "gpt-4o-mini", Provider: provider.OpenAI, Name: "GPT-4o mini", CostPerInputToken: 0.00000015, CostPerOutputToken: 0.0000006},
	{ID: "meta-llama/llama-3.1-70b-instruct", Provider: provider.OpenRouter, Name: "Llama 3.1 70B", CostPerInputToken: 0.00000052, CostPerOutputToken: 0.00000075},
	{ID: "deepseek/deepseek-chat", Provider: provider.OpenRouter, Name: "DeepSeek Chat", CostPerInputToken: 0.00000014, CostPerOutputToken: 0.00000028},
}

func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(defaultModels, nil)
	return c
}

// NewCatalog validates models and builds a catalog. preferences may override
// the preference list of any priority row by name.
func NewCatalog(models []Model, preferences map[string][]string) (*Catalog, error) {
	if len(models) == 0 {
		return nil, errors.New("catalog has no models")
	}

	c := &Catalog{
		models:      make([]Model, 0, len(models)),
		byID:        make(map[string]Model, len(models)),
		preferences: preferences,
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("catalog model without id")
		}
		switch m.Provider {
		case provider.Anthropic, provider.OpenAI, provider.OpenRouter:
		default:
			return nil, fmt.Errorf("model %s: unsupported provider %q", m.ID, m.Provider)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %s", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		c.models = append(c.models, m)
		c.byID[m.ID] = m
	}
	for row := range preferences {
		if !knownRow(row) {
			return nil, fmt.Errorf("unknown preference row %q", row)
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	return NewCatalog(f.Models, f.Preferences)
}

func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// FirstFor returns the first model of p in canonical order.
func (c *Catalog) FirstFor(p string) (Model, bool) {
	for _, m := range c.models {
		if m.Provider == p {
			return m, true
		}
	}
	return Model{}, false
}

// Cost prices usage for a model; unknown models cost nothing.
func (c *Catalog) Cost(id string, u provider.Usage) float64 {
	m, ok := c.byID[id]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)*m.CostPerInputToken + float64(u.OutputTokens)*m.CostPerOutputToken
}
