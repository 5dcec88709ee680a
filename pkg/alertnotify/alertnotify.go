// Package alertnotify posts operational Slack alerts when the core
// degrades to CoreUnavailable or a FinalizeTransaction reaches failed,
// supplementing spec.md: operators need to know when no storage element
// is selectable or a 2PC transaction could not be completed.
package alertnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/filemesh/ingester/internal/model"
)

// Notifier posts operational alerts to a single Slack channel. A zero-value
// bot token yields a disabled, logging-only notifier so deployments that
// don't wire Slack never fail on a nil client.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New constructs a Notifier. If botToken is empty the notifier is disabled.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyCoreUnavailable pages when both Registry and Admin are unreachable,
// the condition that fails /health/ready and turns every upload into a 503.
func (n *Notifier) NotifyCoreUnavailable(ctx context.Context, detail string) {
	n.post(ctx, fmt.Sprintf(":rotating_light: Ingester core unavailable: %s", detail))
}

// NotifyFinalizeFailed implements finalize.Notifier: a transaction reached
// failed -> rolled_back and an operator should know.
func (n *Notifier) NotifyFinalizeFailed(ctx context.Context, txn model.FinalizeTransaction) {
	n.post(ctx, fmt.Sprintf(
		":warning: Finalize transaction `%s` for file `%s` failed (source=%s target=%s): %s",
		txn.TransactionID, txn.FileID, txn.SourceElementID, txn.TargetElementID, txn.Error,
	))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		if n.logger != nil {
			n.logger.Debug("alertnotify: slack disabled, skipping alert", "text", text)
		}
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil && n.logger != nil {
		n.logger.Error("alertnotify: posting to slack failed", "error", err)
	}
}
