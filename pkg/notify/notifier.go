// Package notify posts governance chat-ops notifications to Slack: a plan
// awaiting confirmation, a run that failed, and a version pending approval.
// Config-gated on a bot token — with none configured, every call is a noop
// so the rest of the service never has to branch on whether Slack is wired.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts governance events to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// noop (every Notify call logs at debug and returns nil).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a bot token and channel configured.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// RunEvent carries the fields a run-lifecycle notification needs.
type RunEvent struct {
	RunID              string
	ModuleName         string
	EnvironmentName    string
	Operation          string
	Status             string
	ResourcesToAdd     int
	ResourcesToChange  int
	ResourcesToDestroy int
}

// NotifyRunAwaitingConfirmation posts a plan summary with Confirm/Discard
// buttons, for a human reviewer to act on directly in Slack.
func (n *Notifier) NotifyRunAwaitingConfirmation(ctx context.Context, ev RunEvent) error {
	if !n.IsEnabled() {
		n.logger.DebugContext(ctx, "slack notifier disabled, skipping plan-ready notification", "run_id", ev.RunID)
		return nil
	}

	blocks := planAwaitingConfirmationBlocks(ev)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Plan ready for %s/%s", ev.EnvironmentName, ev.ModuleName), false),
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, opts...); err != nil {
		return fmt.Errorf("posting plan-ready notification to slack: %w", err)
	}
	return nil
}

// NotifyRunFailed posts a failure notification for a terminal failed run.
func (n *Notifier) NotifyRunFailed(ctx context.Context, ev RunEvent) error {
	if !n.IsEnabled() {
		n.logger.DebugContext(ctx, "slack notifier disabled, skipping run-failed notification", "run_id", ev.RunID)
		return nil
	}

	blocks := runFailedBlocks(ev)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("🔴 %s failed on %s/%s", ev.Operation, ev.EnvironmentName, ev.ModuleName), false),
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, opts...); err != nil {
		return fmt.Errorf("posting run-failed notification to slack: %w", err)
	}
	return nil
}

// VersionEvent carries the fields a version-approval notification needs.
type VersionEvent struct {
	ArtifactName string
	Version      string
	SubmittedBy  string
}

// NotifyVersionPendingApproval posts a notification asking a reviewer to
// approve or reject a newly submitted artifact version.
func (n *Notifier) NotifyVersionPendingApproval(ctx context.Context, ev VersionEvent) error {
	if !n.IsEnabled() {
		n.logger.DebugContext(ctx, "slack notifier disabled, skipping version-pending notification", "artifact", ev.ArtifactName, "version", ev.Version)
		return nil
	}

	blocks := versionPendingApprovalBlocks(ev)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("%s v%s awaiting approval", ev.ArtifactName, ev.Version), false),
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, opts...); err != nil {
		return fmt.Errorf("posting version-pending notification to slack: %w", err)
	}
	return nil
}
