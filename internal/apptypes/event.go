package apptypes

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the webhook events the queue emits. Bit-exact names
// from spec §6 ("Webhook envelope").
type EventType string

const (
	EventTransactionQueued    EventType = "transaction_queued"
	EventTransactionSent      EventType = "transaction_sent"
	EventTransactionMined     EventType = "transaction_mined"
	EventTransactionConfirmed EventType = "transaction_confirmed"
	EventTransactionFailed    EventType = "transaction_failed"
	EventTransactionExpired   EventType = "transaction_expired"
	EventTransactionCancelled EventType = "transaction_cancelled"
	EventTransactionReplaced  EventType = "transaction_replaced"
)

// Receipt is the subset of an on-chain receipt the webhook payload
// includes (spec §6 payload.receipt).
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockHash       string `json:"blockHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	Status          uint64 `json:"status"`
}

// EventPayload is the "payload" field of the webhook envelope.
type EventPayload struct {
	Transaction         *Transaction `json:"transaction"`
	Receipt             *Receipt     `json:"receipt,omitempty"`
	OriginalTransaction *Transaction `json:"original_transaction,omitempty"`
}

// Event is the internal representation the queue hands to the webhook
// dispatcher. WebhookDelivery (below) is what the dispatcher persists and
// retries; Event is the ephemeral notification that produces it.
type Event struct {
	RelayerID uuid.UUID
	Type      EventType
	Payload   EventPayload
	Timestamp time.Time
}

// WebhookDelivery is the durable record of one attempt (and retry history)
// to deliver an Event to an endpoint. See spec §3 and §4.6.
type WebhookDelivery struct {
	ID            uuid.UUID
	RelayerID     uuid.UUID
	Endpoint      string
	EventType     EventType
	Payload       EventPayload
	Attempts      int
	MaxRetries    int
	NextRetryAt   time.Time
	Completed     bool
	Abandoned     bool
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// Envelope is the exact JSON body posted to the endpoint (spec §6).
type Envelope struct {
	DeliveryID uuid.UUID    `json:"delivery_id"`
	EventType  EventType    `json:"event_type"`
	Timestamp  int64        `json:"timestamp"`
	Attempt    int          `json:"attempt"`
	Payload    EventPayload `json:"payload"`
}
