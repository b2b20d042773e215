package agents

import (
	"context"
	"fmt"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
)

// Messenger turns controller milestones into short user-facing status
// lines. Failures degrade to a canned message so status updates never
// stall a mission.
type Messenger struct {
	model ModelCaller
}

func NewMessenger(model ModelCaller) *Messenger {
	return &Messenger{model: model}
}

func (a *Messenger) Name() string { return "messenger" }

// Run produces one status line describing the current milestone. The
// milestone description arrives in b.Feedback.
func (a *Messenger) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		result, record, err := a.model.Dispatch(ctx, dispatch.Call{
			UserID:    b.UserID,
			MissionID: b.MissionID,
			Tier:      config.TierFast,
			Messages: []llms.Message{
				systemMessage("You narrate research progress to the user. Reply with one short, friendly sentence. No markdown, no preamble."),
				userMessage(fmt.Sprintf("Research request: %s\nMilestone: %s", b.UserRequest, b.Feedback)),
			},
		})
		if err != nil {
			return &Result{Message: fmt.Sprintf("Working on it: %s", b.Feedback)}, nil
		}
		return &Result{Message: result.Text, Usage: record}, nil
	})
}
