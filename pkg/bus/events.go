// Package bus is the live progress bus: a per-mission queue of typed
// events fanned out to any number of subscribers.
package bus

import (
	"time"

	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/usage"
)

// EventType discriminates the event payload.
type EventType string

const (
	EventUpdate        EventType = "update"
	EventAgentFeedback EventType = "agent_feedback"
	EventStatsUpdate   EventType = "stats_update"
	EventStatus        EventType = "status"
	EventTruncateData  EventType = "truncate_data"
)

// FeedbackType labels an agent_feedback payload.
type FeedbackType string

const (
	FeedbackFileRead                   FeedbackType = "file_read"
	FeedbackWebSearchComplete          FeedbackType = "web_search_complete"
	FeedbackWebSearchError             FeedbackType = "web_search_error"
	FeedbackWebFetchStart              FeedbackType = "web_fetch_start"
	FeedbackWebFetchComplete           FeedbackType = "web_fetch_complete"
	FeedbackNoteGenerated              FeedbackType = "note_generated"
	FeedbackNoteUpdatedFromFullContent FeedbackType = "note_updated_from_full_content"
	FeedbackToolUsageStatus            FeedbackType = "tool_usage_status"
	FeedbackThreadStatus               FeedbackType = "thread_status"
)

// Feedback wraps a non-essential agent signal.
type Feedback struct {
	Type      FeedbackType           `json:"type"`
	AgentName string                 `json:"agent_name,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// StatsUpdate carries a usage increment and the rollup after applying it.
type StatsUpdate struct {
	Delta  usage.Delta  `json:"delta"`
	Totals usage.Totals `json:"totals"`
}

// StatusChange signals a mission-level status transition.
type StatusChange struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TruncateData tells subscribers to discard artifacts with round strictly
// greater than AfterRound.
type TruncateData struct {
	AfterRound int `json:"after_round"`
}

// Event is the tagged union delivered to subscribers. Exactly one payload
// field matching Type is set; a terminal Update event may carry a nil
// entry as the stream-end signal.
type Event struct {
	Type      EventType `json:"type"`
	MissionID string    `json:"mission_id"`
	Timestamp time.Time `json:"timestamp"`

	Update   *mission.ExecutionLogEntry `json:"update,omitempty"`
	Feedback *Feedback                  `json:"feedback,omitempty"`
	Stats    *StatsUpdate               `json:"stats,omitempty"`
	Status   *StatusChange              `json:"status,omitempty"`
	Truncate *TruncateData              `json:"truncate,omitempty"`
}

// droppable reports whether the event may be discarded under queue
// pressure. Only agent_feedback is non-essential.
func (e *Event) droppable() bool {
	return e.Type == EventAgentFeedback
}
