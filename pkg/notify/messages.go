package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLen = 2900

func truncate(s string) string {
	if len(s) <= maxBlockTextLen {
		return s
	}
	return s[:maxBlockTextLen] + "…"
}

func statusEmoji(status string) string {
	switch status {
	case "succeeded":
		return "✅"
	case "failed", "timed_out", "partial_fail":
		return "🔴"
	case "cancelled", "discarded", "skipped":
		return "⚪"
	default:
		return "🟡"
	}
}

// planAwaitingConfirmationBlocks renders a plan summary with resource deltas
// and Confirm/Discard action buttons.
func planAwaitingConfirmationBlocks(ev RunEvent) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
		fmt.Sprintf("🟡 Plan ready: %s / %s", ev.EnvironmentName, ev.ModuleName), false, false))

	summary := fmt.Sprintf("*Operation:* %s\n*Resources:* +%d  ~%d  -%d",
		ev.Operation, ev.ResourcesToAdd, ev.ResourcesToChange, ev.ResourcesToDestroy)
	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, truncate(summary), false, false), nil, nil)

	confirm := goslack.NewButtonBlockElement("confirm_run", ev.RunID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "Confirm", true, false))
	confirm.Style = goslack.StylePrimary

	discard := goslack.NewButtonBlockElement("discard_run", ev.RunID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "Discard", true, false))
	discard.Style = goslack.StyleDanger

	actions := goslack.NewActionBlock("run_actions", confirm, discard)

	return []goslack.Block{header, body, actions}
}

// runFailedBlocks renders a failure notification for a terminal run.
func runFailedBlocks(ev RunEvent) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
		fmt.Sprintf("%s %s failed: %s / %s", statusEmoji(ev.Status), ev.Operation, ev.EnvironmentName, ev.ModuleName), false, false))

	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Run:* `%s`\n*Status:* %s", ev.RunID, ev.Status), false, false), nil, nil)

	return []goslack.Block{header, body}
}

// versionPendingApprovalBlocks renders a notification asking a reviewer to
// approve or reject a submitted artifact version.
func versionPendingApprovalBlocks(ev VersionEvent) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
		fmt.Sprintf("🟡 %s v%s awaiting approval", ev.ArtifactName, ev.Version), false, false))

	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Submitted by:* %s", ev.SubmittedBy), false, false), nil, nil)

	return []goslack.Block{header, body}
}
