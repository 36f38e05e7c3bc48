package notifier

import (
	"time"

	"github.com/scoir/anchor/pkg/datastore"
)

// QueueName is the durable queue audit events are published to.
const QueueName = "anchor.audit"

// Notification is the queue body for one committed audit event.
type Notification struct {
	Topic string                `json:"topic"`
	Event *datastore.AuditEvent `json:"event"`
}

// WebhookPayload is the body posted to subscribers.
type WebhookPayload struct {
	ID          string                `json:"id"`
	Event       string                `json:"event"`
	Fingerprint string                `json:"fingerprint"`
	Timestamp   time.Time             `json:"timestamp"`
	Message     *datastore.AuditEvent `json:"message"`
}
