package settings

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// Routing modes.
const (
	ModeSingle   = "single"   // always use UI.SelectedProvider
	ModePriority = "priority" // lowest Priority among enabled providers, with fallback
)

type Settings struct {
	Models    map[provider.ID]string         `yaml:"models" json:"models"`
	Response  ResponseSettings               `yaml:"response_settings" json:"response_settings"`
	Memory    MemorySettings                 `yaml:"memory_settings" json:"memory_settings"`
	UI        UISettings                     `yaml:"ui_settings" json:"ui_settings"`
	Cost      CostSettings                   `yaml:"cost_management" json:"cost_management"`
	Providers map[provider.ID]ProviderConfig `yaml:"provider_settings" json:"provider_settings"`
	Routing   RoutingSettings                `yaml:"routing" json:"routing"`
}

type ResponseSettings struct {
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	TimeoutSeconds   int     `yaml:"timeout" json:"timeout"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	ParallelRequests bool    `yaml:"parallel_requests" json:"parallel_requests"`
	ShowMetadata     bool    `yaml:"show_metadata" json:"show_metadata"`
}

type MemorySettings struct {
	ContextCount  int  `yaml:"context_count" json:"context_count"`
	AutoLearning  bool `yaml:"auto_learning" json:"auto_learning"`
	RetentionDays int  `yaml:"retention_days" json:"retention_days"`
}

type UISettings struct {
	Theme            string      `yaml:"theme" json:"theme"`
	Layout           string      `yaml:"layout" json:"layout"`
	SelectedProvider provider.ID `yaml:"selected_provider" json:"selected_provider"`
}

type CostSettings struct {
	TrackCosts    bool    `yaml:"track_costs" json:"track_costs"`
	DailyBudget   float64 `yaml:"daily_budget" json:"daily_budget"`
	MonthlyBudget float64 `yaml:"monthly_budget" json:"monthly_budget"`
	SmartRouting  bool    `yaml:"smart_routing" json:"smart_routing"`
	// MaxRequestFraction caps a single request's estimated cost as a share
	// of DailyBudget.
	MaxRequestFraction float64 `yaml:"max_request_fraction" json:"max_request_fraction"`
}

type ProviderConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Priority int  `yaml:"priority" json:"priority"`
	Fallback bool `yaml:"fallback" json:"fallback"`
}

type RoutingSettings struct {
	Mode string `yaml:"mode" json:"mode"`
	// Expression is an optional expr-lang rule evaluated in priority mode;
	// a string result naming a provider moves it to the front.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Models: map[provider.ID]string{
			provider.OpenAI:    "gpt-3.5-turbo",
			provider.Anthropic: "claude-3-sonnet-20240229",
			provider.Google:    "gemini-1.5-flash",
		},
		Response: ResponseSettings{
			MaxTokens:        1000,
			TimeoutSeconds:   30,
			Temperature:      0.7,
			ParallelRequests: true,
			ShowMetadata:     true,
		},
		Memory: MemorySettings{
			ContextCount:  5,
			AutoLearning:  true,
			RetentionDays: 30,
		},
		UI: UISettings{
			Theme:            "light",
			Layout:           "single",
			SelectedProvider: provider.OpenAI,
		},
		Cost: CostSettings{
			TrackCosts:         true,
			DailyBudget:        5.00,
			MonthlyBudget:      50.00,
			SmartRouting:       false,
			MaxRequestFraction: 0.2,
		},
		Providers: map[provider.ID]ProviderConfig{
			provider.OpenAI:    {Enabled: true, Priority: 1, Fallback: true},
			provider.Anthropic: {Enabled: false, Priority: 2, Fallback: false},
			provider.Google:    {Enabled: true, Priority: 2, Fallback: true},
		},
		Routing: RoutingSettings{Mode: ModeSingle},
	}
}

// Clone returns a copy that shares no maps with s.
func (s Settings) Clone() Settings {
	out := s
	out.Models = make(map[provider.ID]string, len(s.Models))
	for k, v := range s.Models {
		out.Models[k] = v
	}
	out.Providers = make(map[provider.ID]ProviderConfig, len(s.Providers))
	for k, v := range s.Providers {
		out.Providers[k] = v
	}
	return out
}

func (s Settings) Model(id provider.ID) string {
	return s.Models[id]
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.Response.TimeoutSeconds) * time.Second
}

// Request builds the adapter request for id with prompt as the only message.
func (s Settings) Request(id provider.ID, prompt string) *provider.Request {
	return &provider.Request{
		Model:       s.Model(id),
		Messages:    provider.UserPrompt(prompt),
		MaxTokens:   s.Response.MaxTokens,
		Temperature: s.Response.Temperature,
		Timeout:     s.Timeout(),
	}
}

// EnabledProviders lists enabled providers by ascending priority, ties
// broken by provider.Order.
func (s Settings) EnabledProviders() []provider.ID {
	var ids []provider.ID
	for id, cfg := range s.Providers {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.Providers[ids[i]].Priority, s.Providers[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		if ids[i].Rank() != ids[j].Rank() {
			return ids[i].Rank() < ids[j].Rank()
		}
		return ids[i] < ids[j]
	})
	return ids
}

// BudgetLimit is the largest estimated cost a single request may have.
func (s Settings) BudgetLimit() float64 {
	return s.Cost.DailyBudget * s.Cost.MaxRequestFraction
}

func (s Settings) Validate() error {
	var errs []error
	if s.Response.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive"))
	}
	if s.Response.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if s.Response.Temperature < 0 || s.Response.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2]"))
	}
	if s.Memory.ContextCount < 0 {
		errs = append(errs, fmt.Errorf("context_count must not be negative"))
	}
	if s.Cost.DailyBudget < 0 || s.Cost.MonthlyBudget < 0 {
		errs = append(errs, fmt.Errorf("budgets must not be negative"))
	}
	if s.Cost.MaxRequestFraction <= 0 || s.Cost.MaxRequestFraction > 1 {
		errs = append(errs, fmt.Errorf("max_request_fraction must be within (0, 1]"))
	}
	if s.Routing.Mode != ModeSingle && s.Routing.Mode != ModePriority {
		errs = append(errs, fmt.Errorf("unknown routing mode %q", s.Routing.Mode))
	}
	if s.UI.SelectedProvider.Rank() == len(provider.Order) {
		errs = append(errs, fmt.Errorf("unknown selected_provider %q", s.UI.SelectedProvider))
	}
	return errors.Join(errs...)
}
