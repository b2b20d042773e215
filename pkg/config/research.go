package config

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ResearchParams are the knobs that shape a mission's phase loop. The
// resolved values are captured into mission metadata at start time; later
// reads go through the Resolver so mid-flight overrides take effect.
type ResearchParams struct {
	InitialExplorationDocResults int `yaml:"initial_exploration_doc_results" json:"initial_exploration_doc_results" mapstructure:"initial_exploration_doc_results"`
	InitialExplorationWebResults int `yaml:"initial_exploration_web_results" json:"initial_exploration_web_results" mapstructure:"initial_exploration_web_results"`

	StructuredResearchRounds    int `yaml:"structured_research_rounds" json:"structured_research_rounds" mapstructure:"structured_research_rounds"`
	MaxResearchCyclesPerSection int `yaml:"max_research_cycles_per_section" json:"max_research_cycles_per_section" mapstructure:"max_research_cycles_per_section"`

	WritingPasses                      int `yaml:"writing_passes" json:"writing_passes" mapstructure:"writing_passes"`
	WritingPreviousContentPreviewChars int `yaml:"writing_previous_content_preview_chars" json:"writing_previous_content_preview_chars" mapstructure:"writing_previous_content_preview_chars"`

	MinNotesPerSectionAssignment int `yaml:"min_notes_per_section_assignment" json:"min_notes_per_section_assignment" mapstructure:"min_notes_per_section_assignment"`
	MaxNotesPerSectionAssignment int `yaml:"max_notes_per_section_assignment" json:"max_notes_per_section_assignment" mapstructure:"max_notes_per_section_assignment"`

	ThoughtPadContextLimit int `yaml:"thought_pad_context_limit" json:"thought_pad_context_limit" mapstructure:"thought_pad_context_limit"`

	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`

	SkipFinalReplanning bool `yaml:"skip_final_replanning" json:"skip_final_replanning" mapstructure:"skip_final_replanning"`

	AutoOptimizeParams      bool `yaml:"auto_optimize_params" json:"auto_optimize_params" mapstructure:"auto_optimize_params"`
	AutoCreateDocumentGroup bool `yaml:"auto_create_document_group" json:"auto_create_document_group" mapstructure:"auto_create_document_group"`
}

// DefaultResearchParams returns the global defaults, last link in the
// resolution chain.
func DefaultResearchParams() ResearchParams {
	return ResearchParams{
		InitialExplorationDocResults:       5,
		InitialExplorationWebResults:       2,
		StructuredResearchRounds:           2,
		MaxResearchCyclesPerSection:        2,
		WritingPasses:                      1,
		WritingPreviousContentPreviewChars: 2000,
		MinNotesPerSectionAssignment:       5,
		MaxNotesPerSectionAssignment:       40,
		ThoughtPadContextLimit:             10,
		MaxConcurrentRequests:              5,
		SkipFinalReplanning:                false,
		AutoOptimizeParams:                 false,
		AutoCreateDocumentGroup:            false,
	}
}

// Validate rejects values the phase loop cannot run with.
func (p *ResearchParams) Validate() error {
	if p.StructuredResearchRounds < 0 {
		return fmt.Errorf("structured_research_rounds must be >= 0")
	}
	if p.WritingPasses < 1 {
		return fmt.Errorf("writing_passes must be >= 1")
	}
	if p.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be >= 1")
	}
	if p.MinNotesPerSectionAssignment > p.MaxNotesPerSectionAssignment {
		return fmt.Errorf("min_notes_per_section_assignment exceeds max")
	}
	return nil
}

// ResearchOverrides is a partial set of research parameters. Nil fields
// fall through to the next link of the resolution chain.
type ResearchOverrides struct {
	InitialExplorationDocResults *int `yaml:"initial_exploration_doc_results,omitempty" json:"initial_exploration_doc_results,omitempty" mapstructure:"initial_exploration_doc_results"`
	InitialExplorationWebResults *int `yaml:"initial_exploration_web_results,omitempty" json:"initial_exploration_web_results,omitempty" mapstructure:"initial_exploration_web_results"`

	StructuredResearchRounds    *int `yaml:"structured_research_rounds,omitempty" json:"structured_research_rounds,omitempty" mapstructure:"structured_research_rounds"`
	MaxResearchCyclesPerSection *int `yaml:"max_research_cycles_per_section,omitempty" json:"max_research_cycles_per_section,omitempty" mapstructure:"max_research_cycles_per_section"`

	WritingPasses                      *int `yaml:"writing_passes,omitempty" json:"writing_passes,omitempty" mapstructure:"writing_passes"`
	WritingPreviousContentPreviewChars *int `yaml:"writing_previous_content_preview_chars,omitempty" json:"writing_previous_content_preview_chars,omitempty" mapstructure:"writing_previous_content_preview_chars"`

	MinNotesPerSectionAssignment *int `yaml:"min_notes_per_section_assignment,omitempty" json:"min_notes_per_section_assignment,omitempty" mapstructure:"min_notes_per_section_assignment"`
	MaxNotesPerSectionAssignment *int `yaml:"max_notes_per_section_assignment,omitempty" json:"max_notes_per_section_assignment,omitempty" mapstructure:"max_notes_per_section_assignment"`

	ThoughtPadContextLimit *int `yaml:"thought_pad_context_limit,omitempty" json:"thought_pad_context_limit,omitempty" mapstructure:"thought_pad_context_limit"`

	MaxConcurrentRequests *int `yaml:"max_concurrent_requests,omitempty" json:"max_concurrent_requests,omitempty" mapstructure:"max_concurrent_requests"`

	SkipFinalReplanning *bool `yaml:"skip_final_replanning,omitempty" json:"skip_final_replanning,omitempty" mapstructure:"skip_final_replanning"`

	AutoOptimizeParams      *bool `yaml:"auto_optimize_params,omitempty" json:"auto_optimize_params,omitempty" mapstructure:"auto_optimize_params"`
	AutoCreateDocumentGroup *bool `yaml:"auto_create_document_group,omitempty" json:"auto_create_document_group,omitempty" mapstructure:"auto_create_document_group"`
}

// Apply overlays non-nil override fields onto params.
func (o *ResearchOverrides) Apply(params *ResearchParams) {
	if o == nil {
		return
	}
	if o.InitialExplorationDocResults != nil {
		params.InitialExplorationDocResults = *o.InitialExplorationDocResults
	}
	if o.InitialExplorationWebResults != nil {
		params.InitialExplorationWebResults = *o.InitialExplorationWebResults
	}
	if o.StructuredResearchRounds != nil {
		params.StructuredResearchRounds = *o.StructuredResearchRounds
	}
	if o.MaxResearchCyclesPerSection != nil {
		params.MaxResearchCyclesPerSection = *o.MaxResearchCyclesPerSection
	}
	if o.WritingPasses != nil {
		params.WritingPasses = *o.WritingPasses
	}
	if o.WritingPreviousContentPreviewChars != nil {
		params.WritingPreviousContentPreviewChars = *o.WritingPreviousContentPreviewChars
	}
	if o.MinNotesPerSectionAssignment != nil {
		params.MinNotesPerSectionAssignment = *o.MinNotesPerSectionAssignment
	}
	if o.MaxNotesPerSectionAssignment != nil {
		params.MaxNotesPerSectionAssignment = *o.MaxNotesPerSectionAssignment
	}
	if o.ThoughtPadContextLimit != nil {
		params.ThoughtPadContextLimit = *o.ThoughtPadContextLimit
	}
	if o.MaxConcurrentRequests != nil {
		params.MaxConcurrentRequests = *o.MaxConcurrentRequests
	}
	if o.SkipFinalReplanning != nil {
		params.SkipFinalReplanning = *o.SkipFinalReplanning
	}
	if o.AutoOptimizeParams != nil {
		params.AutoOptimizeParams = *o.AutoOptimizeParams
	}
	if o.AutoCreateDocumentGroup != nil {
		params.AutoCreateDocumentGroup = *o.AutoCreateDocumentGroup
	}
}

// IsEmpty reports whether the override set carries no values.
func (o *ResearchOverrides) IsEmpty() bool {
	if o == nil {
		return true
	}
	return o.InitialExplorationDocResults == nil &&
		o.InitialExplorationWebResults == nil &&
		o.StructuredResearchRounds == nil &&
		o.MaxResearchCyclesPerSection == nil &&
		o.WritingPasses == nil &&
		o.WritingPreviousContentPreviewChars == nil &&
		o.MinNotesPerSectionAssignment == nil &&
		o.MaxNotesPerSectionAssignment == nil &&
		o.ThoughtPadContextLimit == nil &&
		o.MaxConcurrentRequests == nil &&
		o.SkipFinalReplanning == nil &&
		o.AutoOptimizeParams == nil &&
		o.AutoCreateDocumentGroup == nil
}

// MergeOverrides overlays winner's set fields onto base and returns the
// combination. Fields set in both come out with winner's value.
func MergeOverrides(base, winner *ResearchOverrides) *ResearchOverrides {
	merged := map[string]interface{}{}
	for _, o := range []*ResearchOverrides{base, winner} {
		if o.IsEmpty() {
			continue
		}
		raw, err := json.Marshal(o)
		if err != nil {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	out, err := DecodeOverrides(merged)
	if err != nil {
		return base
	}
	return out
}

// DecodeOverrides converts a free-form map (mission metadata, optimizer
// output) into typed overrides.
func DecodeOverrides(raw map[string]interface{}) (*ResearchOverrides, error) {
	if len(raw) == 0 {
		return &ResearchOverrides{}, nil
	}

	var overrides ResearchOverrides
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &overrides,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build override decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode research overrides: %w", err)
	}
	return &overrides, nil
}

// SearchSettings shape retrieval behavior for a mission.
type SearchSettings struct {
	NResults     int     `yaml:"n_results" json:"n_results" mapstructure:"n_results"`
	DenseWeight  float64 `yaml:"dense_weight" json:"dense_weight" mapstructure:"dense_weight"`
	SparseWeight float64 `yaml:"sparse_weight" json:"sparse_weight" mapstructure:"sparse_weight"`
	UseReranker  bool    `yaml:"use_reranker" json:"use_reranker" mapstructure:"use_reranker"`

	// Techniques enabled for query preparation: identity, sub_query,
	// step_back, hyde. Identity is always implied.
	Techniques []string `yaml:"techniques,omitempty" json:"techniques,omitempty" mapstructure:"techniques"`
}

// DefaultSearchSettings returns the global retrieval defaults.
func DefaultSearchSettings() SearchSettings {
	return SearchSettings{
		NResults:     5,
		DenseWeight:  0.7,
		SparseWeight: 0.3,
		UseReranker:  true,
		Techniques:   []string{"identity", "sub_query"},
	}
}
