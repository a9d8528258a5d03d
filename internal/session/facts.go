package session

import (
	"strings"
	"time"
)

type FactType string

const (
	FactPersonal      FactType = "personal"
	FactPreferences   FactType = "preferences"
	FactWorkInfo      FactType = "work_info"
	FactPersonalFacts FactType = "personal_facts"
)

type Fact struct {
	ID        string    `json:"id"`
	AccountID string    `json:"-"`
	Type      FactType  `json:"type"`
	Content   string    `json:"content"`
	Relevance float64   `json:"relevance"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractFact classifies a user message that states something about the
// user. Only the first matching category applies.
func ExtractFact(message string) (FactType, bool) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "i am "):
		return FactPersonal, true
	case strings.Contains(lower, "i like "), strings.Contains(lower, "i love "):
		return FactPreferences, true
	case strings.Contains(lower, "i work "), strings.Contains(lower, "my job "):
		return FactWorkInfo, true
	case strings.Contains(lower, "my name"), strings.Contains(lower, "called"), strings.Contains(lower, "prefer"):
		return FactPersonalFacts, true
	}
	return "", false
}
