package retrieval

import "strings"

// Technique names a query enhancement strategy.
type Technique string

const (
	TechniqueIdentity Technique = "identity"
	TechniqueSubQuery Technique = "sub_query"
	TechniqueStepBack Technique = "step_back"
	TechniqueHyde     Technique = "hyde"
)

// Strategist picks the techniques to apply for one retrieve call.
type Strategist interface {
	Techniques(query, researchContext, agentContext string) []Technique
}

// RuleStrategist selects techniques with cheap heuristics, constrained to
// the configured pool. Identity is always included.
type RuleStrategist struct {
	pool map[Technique]bool
}

func NewRuleStrategist(configured []string) *RuleStrategist {
	pool := make(map[Technique]bool, len(configured))
	for _, t := range configured {
		pool[Technique(t)] = true
	}
	return &RuleStrategist{pool: pool}
}

func (s *RuleStrategist) Techniques(query, researchContext, agentContext string) []Technique {
	techniques := []Technique{TechniqueIdentity}

	// Compound or context-rich questions benefit from decomposition.
	if s.pool[TechniqueSubQuery] && (wordCount(query) > 8 || strings.Contains(query, " and ") || researchContext != "") {
		techniques = append(techniques, TechniqueSubQuery)
	}
	// Narrow agent-driven questions often miss broader background chunks.
	if s.pool[TechniqueStepBack] && agentContext != "" {
		techniques = append(techniques, TechniqueStepBack)
	}
	if s.pool[TechniqueHyde] {
		techniques = append(techniques, TechniqueHyde)
	}
	return techniques
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
