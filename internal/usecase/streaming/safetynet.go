package streaming

import (
	"context"
	"log/slog"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/metrics"
)

// FailureText is the only text left visible after a failed summary.
const FailureText = "Sorry, I couldn't generate a summary at this time. Please try again later."

// Safety net remedies, used as metric labels.
const (
	RemedyPosted    = "posted"
	RemedyOverwrite = "overwrite"
	RemedyReposted  = "reposted"
	RemedyFailed    = "failed"
)

// SafetyNet replaces whatever a failed request left in the thread with
// FailureText.
type SafetyNet struct {
	chat    domain.LiveMessenger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSafetyNet creates a SafetyNet.
func NewSafetyNet(chat domain.LiveMessenger, m *metrics.Metrics, logger *slog.Logger) *SafetyNet {
	return &SafetyNet{chat: chat, metrics: m, logger: logger}
}

// EnsureTerminalFailure leaves exactly one message carrying FailureText.
// Without a handle the text is posted in the thread. With one, the live
// message is stopped and overwritten, falling back to delete and repost.
// Cleanup errors are logged; only a failed final post is returned.
func (n *SafetyNet) EnsureTerminalFailure(ctx context.Context, channel, thread, handle string) error {
	log := n.logger.With("channel", channel, "thread", thread)

	if handle == "" {
		if err := n.chat.PostPlain(ctx, channel, thread, FailureText); err != nil {
			log.Error("failure notice not posted", "error", err)
			n.metrics.SafetyNetUsed(RemedyFailed)
			return err
		}
		n.metrics.SafetyNetUsed(RemedyPosted)
		return nil
	}

	log = log.With("handle", handle)
	if err := n.chat.CloseLive(ctx, channel, handle, domain.CloseOptions{}); err != nil {
		log.Debug("stop before overwrite failed", "error", err)
	}

	err := n.chat.Overwrite(ctx, channel, handle, FailureText, domain.NoAttachments)
	if err == nil {
		n.metrics.SafetyNetUsed(RemedyOverwrite)
		return nil
	}
	log.Warn("overwrite with failure notice failed, reposting", "error", err)

	if err := n.chat.Delete(ctx, channel, handle); err != nil {
		log.Warn("delete of partial summary failed", "error", err)
	}
	if err := n.chat.PostPlain(ctx, channel, thread, FailureText); err != nil {
		log.Error("failure notice not posted", "error", err)
		n.metrics.SafetyNetUsed(RemedyFailed)
		return err
	}
	n.metrics.SafetyNetUsed(RemedyReposted)
	return nil
}
