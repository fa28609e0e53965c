package events

import (
	"math/rand"
	"time"
)

// EventType represents the type of event being published
type EventType string

const (
	// Organization events
	EventOrgCreated EventType = "org.created"
	EventOrgUpdated EventType = "org.updated"

	// Ingestion events
	EventWebhookReceived  EventType = "webhook.received"
	EventEventNormalized  EventType = "event.normalized"
	EventEventDuplicate   EventType = "event.duplicate"

	// Entitlement events
	EventEntitlementTransitioned EventType = "entitlement.transitioned"
	EventIdentityMerged          EventType = "identity.merged"

	// Detection events
	EventIssueOpened   EventType = "issue.opened"
	EventIssueResolved EventType = "issue.resolved"

	// API key events
	EventAPIKeyCreated EventType = "apikey.created"
	EventAPIKeyRevoked EventType = "apikey.revoked"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// OrgID is the organization this event belongs to (optional for system events)
	OrgID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, orgID string, payload map[string]interface{}) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		OrgID:     orgID,
		Payload:   payload,
	}
}

// generateEventID generates a unique event ID
func generateEventID() string {
	// Using timestamp + random suffix for uniqueness
	return time.Now().Format("20060102150405") + "-" + randString(8)
}

// randString generates a random alphanumeric string
func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
