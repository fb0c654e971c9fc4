package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"tldr-bot/internal/domain"
)

// Feedback control identifiers.
const (
	FeedbackBlockPrefix     = "tldr_feedback:"
	FeedbackHelpfulAction   = "tldr_feedback_helpful"
	FeedbackUnhelpfulAction = "tldr_feedback_not_helpful"
)

// FeedbackBlocks renders the actions block attached to a finished summary.
// Both buttons carry the correlation ID as their value.
func FeedbackBlocks(correlationID string) (domain.Attachments, error) {
	helpful := slack.NewButtonBlockElement(FeedbackHelpfulAction, correlationID,
		slack.NewTextBlockObject(slack.PlainTextType, "Helpful", false, false))
	unhelpful := slack.NewButtonBlockElement(FeedbackUnhelpfulAction, correlationID,
		slack.NewTextBlockObject(slack.PlainTextType, "Not helpful", false, false))
	actions := slack.NewActionBlock(FeedbackBlockPrefix+correlationID, helpful, unhelpful)

	raw, err := json.Marshal([]slack.Block{actions})
	if err != nil {
		return nil, fmt.Errorf("marshal feedback blocks: %w", err)
	}
	return domain.Attachments(raw), nil
}

// FeedbackCorrelationID returns the correlation ID encoded in a feedback block ID.
func FeedbackCorrelationID(blockID string) (string, bool) {
	id, ok := strings.CutPrefix(blockID, FeedbackBlockPrefix)
	return id, ok && id != ""
}
