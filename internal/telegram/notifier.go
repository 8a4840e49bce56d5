// Package telegram implements the chat-transport collaborator. This file is
// the notifier that turns a correlation result into a chat message.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
)

// Notifier delivers notification plans via the Bot API. It implements
// services.Notifier; delivery retries are handled here (a single immediate
// retry), never by the correlator.
type Notifier struct {
	Client *Client
}

// Notify sends the completion message for a correlated deploy.
func (n *Notifier) Notify(ctx context.Context, plan *domain.NotificationPlan) error {
	text := FormatNotification(plan)
	err := n.Client.SendMessage(ctx, plan.ChatID, text, 0)
	if err != nil {
		// One immediate retry; transient Bot API hiccups are common.
		err = n.Client.SendMessage(ctx, plan.ChatID, text, 0)
	}
	return err
}

// FormatNotification renders the completion message body.
func FormatNotification(plan *domain.NotificationPlan) string {
	var b strings.Builder
	switch plan.Status {
	case domain.DeployFailed:
		b.WriteString("❌ Build failed")
	default:
		b.WriteString("✅ Task completed")
	}
	if plan.Developer != "" {
		fmt.Fprintf(&b, " for %s", plan.Developer)
	}
	if plan.TicketRef != "" {
		fmt.Fprintf(&b, "\nTicket: %s", plan.TicketRef)
		if plan.TicketURL != "" {
			fmt.Fprintf(&b, " (%s)", plan.TicketURL)
		}
	}
	if plan.BuildURL != "" {
		fmt.Fprintf(&b, "\nBuild: %s", plan.BuildURL)
	}
	return b.String()
}
