package mission

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *Plan {
	return &Plan{
		MissionGoal: "Summarize recent work on X",
		ReportOutline: []Section{
			{
				SectionID: "intro",
				Title:     "Introduction",
				Subsections: []Section{
					{SectionID: "background", Title: "Background"},
				},
			},
			{SectionID: "findings", Title: "Findings"},
		},
		Steps: []PlanStep{
			{StepID: "s1", Description: "research intro", ActionType: "research", TargetSectionID: "background"},
			{StepID: "s2", Description: "research findings", ActionType: "research", TargetSectionID: "findings"},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	require.NoError(t, samplePlan().Validate())

	dup := samplePlan()
	dup.ReportOutline[1].SectionID = "intro"
	assert.Error(t, dup.Validate())

	dangling := samplePlan()
	dangling.Steps[0].TargetSectionID = "missing"
	assert.Error(t, dangling.Validate())

	empty := samplePlan()
	empty.ReportOutline[0].SectionID = ""
	assert.Error(t, empty.Validate())
}

func TestPlanLeafSections(t *testing.T) {
	leaves := samplePlan().LeafSections()
	require.Len(t, leaves, 2)
	assert.Equal(t, "background", leaves[0].SectionID)
	assert.Equal(t, "findings", leaves[1].SectionID)
}

func TestPlanFindSection(t *testing.T) {
	plan := samplePlan()
	sec := plan.FindSection("background")
	require.NotNil(t, sec)
	assert.Equal(t, "Background", sec.Title)
	assert.Nil(t, plan.FindSection("nope"))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPlanning))
	assert.True(t, CanTransition(StatusPlanning, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusCompleted))
	assert.True(t, CanTransition(StatusRunning, StatusStopped))
	assert.True(t, CanTransition(StatusStopped, StatusRunning))
	assert.True(t, CanTransition(StatusFailed, StatusRunning))

	// Terminal states only re-open through resume paths.
	assert.False(t, CanTransition(StatusCompleted, StatusStopped))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusStopped, StatusCompleted))

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestPadsAddThought(t *testing.T) {
	pads := &Pads{}
	for i := 0; i < 5; i++ {
		pads.AddThought(string(rune('a'+i)), 3)
	}
	assert.Equal(t, []string{"c", "d", "e"}, pads.ThoughtPad)

	unbounded := &Pads{}
	for i := 0; i < 5; i++ {
		unbounded.AddThought("t", 0)
	}
	assert.Len(t, unbounded.ThoughtPad, 5)
}

func TestFinalQuestions(t *testing.T) {
	mc := &Context{}
	assert.Nil(t, mc.FinalQuestions())

	mc.SetFinalQuestions([]string{"q1", "q2"})
	assert.Equal(t, []string{"q1", "q2"}, mc.FinalQuestions())

	// The metadata map may round-trip through JSON and come back as
	// []interface{}.
	mc.Metadata["final_questions"] = []interface{}{"q3", "q4"}
	assert.Equal(t, []string{"q3", "q4"}, mc.FinalQuestions())
}

func TestContextSerializationRoundTrip(t *testing.T) {
	relevant := true
	mc := &Context{
		MissionID:   "m1",
		UserRequest: "Summarize recent work on X",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		Status:      StatusRunning,
		UseWeb:      true,
		Metadata:    map[string]interface{}{"final_questions": []interface{}{"q1"}},
		Plan:        samplePlan(),
		Notes: []*Note{
			{
				NoteID:     "n1",
				Content:    "evidence",
				SourceType: SourceDocument,
				SourceID:   "chunk-1",
				CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				Round:      1,
				IsRelevant: &relevant,
			},
		},
		Pads:         Pads{ThoughtPad: []string{"a thought"}},
		CurrentPhase: "structured_research",
		CurrentRound: 1,
	}

	first, err := json.Marshal(mc)
	require.NoError(t, err)

	decoded := &Context{}
	require.NoError(t, json.Unmarshal(first, decoded))

	second, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestHashText(t *testing.T) {
	a := HashText("same")
	b := HashText("same")
	c := HashText("different")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
