// Package notify posts concise human-readable summaries of control-plane
// events to a Matrix room, so operators see approvals and security events
// without tailing the activity log.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpbox/mcpbox/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindToolCreated      Kind = "tool.created"
	KindToolApproved     Kind = "tool.approved"
	KindToolRejected     Kind = "tool.rejected"
	KindNetworkRequested Kind = "network.requested"
	KindModuleRequested  Kind = "module.requested"
	KindRequestApproved  Kind = "request.approved"
	KindRequestDenied    Kind = "request.denied"
	KindServerDisabled   Kind = "server.disabled"
	KindOAuthFailing     Kind = "oauth.refresh_failing"
	KindKeyRotated       Kind = "key.rotated"
	KindError            Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	Kind   Kind
	Actor  string
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// RequestID ties the notification back to the audit record. When
	// empty the value is taken from the context.
	RequestID string
	Timestamp time.Time
}

// Notifier sends room notifications for control-plane events.
// Implementations must not block the caller beyond a short timeout;
// send failures are logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
	logger *slog.Logger
}

// NewMatrixNotifier creates a notifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixNotifier{sender: sender, roomID: roomID, logger: logger}
}

// Notify formats evt and posts it. Errors degrade to a warn log line.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	rid := evt.RequestID
	if rid == "" {
		rid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if rid != "" {
		msg = fmt.Sprintf("%s\n  request: %s", msg, rid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		n.logger.Warn("failed to send room notice", "room", n.roomID, "kind", evt.Kind, "error", err)
		return
	}
	n.logger.Debug("sent room notice", "room", n.roomID, "kind", evt.Kind)
}

// Noop is used when room notifications are disabled.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindToolCreated:
		return "🆕"
	case KindToolApproved, KindRequestApproved:
		return "✅"
	case KindToolRejected, KindRequestDenied:
		return "❌"
	case KindNetworkRequested, KindModuleRequested:
		return "🔔"
	case KindServerDisabled:
		return "🚫"
	case KindOAuthFailing:
		return "⚠️"
	case KindKeyRotated:
		return "🔑"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
