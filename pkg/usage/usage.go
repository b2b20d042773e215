// Package usage accumulates per-mission cost and token rollups. Individual
// usage records are consumed and discarded; only the totals persist.
package usage

import (
	"sync"
)

// Record captures one LLM or tool invocation. The dispatcher fills token
// counts and cost before handing the record to the Meter.
type Record struct {
	Provider         string  `json:"provider"`
	ModelName        string  `json:"model_name"`
	DurationSec      float64 `json:"duration_sec"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	NativeTokens     int     `json:"native_tokens"`
	Cost             float64 `json:"cost"`
}

// Totals is the per-mission rollup.
type Totals struct {
	TotalCost             float64 `json:"total_cost"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalNativeTokens     int64   `json:"total_native_tokens"`
	TotalWebSearchCalls   int64   `json:"total_web_search_calls"`
	TotalToolCalls        int64   `json:"total_tool_calls"`
}

// Delta is an incremental change to the rollup, emitted after every
// accepted record so subscribers can keep a live counter.
type Delta struct {
	Cost             float64 `json:"increment_cost,omitempty"`
	PromptTokens     int     `json:"increment_prompt_tokens,omitempty"`
	CompletionTokens int     `json:"increment_completion_tokens,omitempty"`
	NativeTokens     int     `json:"increment_native_tokens,omitempty"`
	WebSearchCalls   int     `json:"increment_web_search_calls,omitempty"`
	ToolCalls        int     `json:"increment_tool_calls,omitempty"`
}

// DeltaFunc receives every increment for a mission. Implementations must
// not block; the bus handles buffering.
type DeltaFunc func(missionID string, delta Delta, totals Totals)

// Meter accumulates totals per mission and notifies a sink on every
// increment.
type Meter struct {
	mu      sync.Mutex
	totals  map[string]*Totals
	onDelta DeltaFunc
}

// NewMeter builds a meter. onDelta may be nil.
func NewMeter(onDelta DeltaFunc) *Meter {
	return &Meter{
		totals:  make(map[string]*Totals),
		onDelta: onDelta,
	}
}

// AddModelUsage folds an LLM usage record into the mission totals.
func (m *Meter) AddModelUsage(missionID string, rec Record) {
	delta := Delta{
		Cost:             rec.Cost,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		NativeTokens:     rec.NativeTokens,
	}
	m.apply(missionID, delta)
}

// AddWebSearchCalls counts web search provider invocations.
func (m *Meter) AddWebSearchCalls(missionID string, n int) {
	m.apply(missionID, Delta{WebSearchCalls: n})
}

// AddToolCalls counts tool executions.
func (m *Meter) AddToolCalls(missionID string, n int) {
	m.apply(missionID, Delta{ToolCalls: n})
}

func (m *Meter) apply(missionID string, delta Delta) {
	m.mu.Lock()
	t, ok := m.totals[missionID]
	if !ok {
		t = &Totals{}
		m.totals[missionID] = t
	}
	t.TotalCost += delta.Cost
	t.TotalPromptTokens += int64(delta.PromptTokens)
	t.TotalCompletionTokens += int64(delta.CompletionTokens)
	t.TotalNativeTokens += int64(delta.NativeTokens)
	t.TotalWebSearchCalls += int64(delta.WebSearchCalls)
	t.TotalToolCalls += int64(delta.ToolCalls)
	snapshot := *t
	m.mu.Unlock()

	if m.onDelta != nil {
		m.onDelta(missionID, delta, snapshot)
	}
}

// Totals returns a snapshot of the mission rollup.
func (m *Meter) Totals(missionID string) Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.totals[missionID]; ok {
		return *t
	}
	return Totals{}
}

// Restore seeds the rollup for a mission, used when resuming from the
// durable store.
func (m *Meter) Restore(missionID string, totals Totals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := totals
	m.totals[missionID] = &t
}

// Forget drops the rollup for a finished mission.
func (m *Meter) Forget(missionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.totals, missionID)
}

// Cost computes a call's cost from per-million-token rates.
func Cost(promptTokens, completionTokens int, inputPerMTok, outputPerMTok float64) float64 {
	return float64(promptTokens)/1e6*inputPerMTok + float64(completionTokens)/1e6*outputPerMTok
}
