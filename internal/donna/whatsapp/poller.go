package whatsapp

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/donna/common/redact"
)

// Handler consumes one inbound notification. It is called after the
// notification has been acknowledged, so a handler failure never replays
// the event.
type Handler func(ctx context.Context, note *Notification)

// Poller drives the receive/ack loop and hands notifications to a Handler.
type Poller struct {
	client *Client
	handle Handler
	logger *slog.Logger

	// errBackoff is the pause after a failed receive, so a provider outage
	// does not spin the loop.
	errBackoff time.Duration
}

// NewPoller creates a Poller. If logger is nil, the default slog logger is
// used.
func NewPoller(client *Client, handle Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:     client,
		handle:     handle,
		logger:     logger,
		errBackoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled. Unknown webhook types are acknowledged
// and dropped.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		note, err := p.client.ReceiveNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("whatsapp: poll failed, backing off", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errBackoff):
			}
			continue
		}
		if note == nil {
			// Empty queue; the provider already held the connection.
			continue
		}

		if err := p.client.DeleteNotification(ctx, note.ReceiptID); err != nil {
			// Not acknowledged: the provider will redeliver. Skip handling to
			// avoid processing the same message twice.
			p.logger.Warn("whatsapp: ack failed, skipping notification",
				"receipt_id", note.ReceiptID,
				"err", err,
			)
			continue
		}

		if note.Body.TypeWebhook != WebhookIncomingMessage {
			p.logger.Debug("whatsapp: ignoring webhook",
				"type", note.Body.TypeWebhook,
				"receipt_id", note.ReceiptID,
			)
			continue
		}

		p.logger.Debug("whatsapp: notification received",
			"message_id", note.Body.IDMessage,
			"chat_id", redact.Phone(note.Body.SenderData.ChatID),
			"type", note.Body.MessageData.TypeMessage,
		)
		p.handle(ctx, note)
	}
}
