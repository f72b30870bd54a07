package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	MessageSchemaVersion = 1

	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

type MessageMetadata struct {
	DeploymentID string    `json:"deploymentId"`
	CreatedAt    time.Time `json:"createdAt"`
	Owner        Owner     `json:"owner"`
	Priority     int       `json:"priority"`
	RetryCount   int       `json:"retryCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// QueueMessage is the envelope moved through the transport.
type QueueMessage struct {
	SchemaVersion int              `json:"schemaVersion"`
	Metadata      MessageMetadata  `json:"metadata"`
	Params        DeploymentParams `json:"params"`
	Config        *RunConfig       `json:"config,omitempty"`
}

func (m *QueueMessage) Encode() ([]byte, error) {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = MessageSchemaVersion
	}
	return json.Marshal(m)
}

// DecodeQueueMessage parses a message body. Bodies written before the
// envelope was versioned are accepted as version 1; newer versions are
// rejected.
func DecodeQueueMessage(body []byte) (*QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, NewInvalidMessageError(err)
	}
	switch msg.SchemaVersion {
	case 0:
		msg.SchemaVersion = MessageSchemaVersion
	case MessageSchemaVersion:
	default:
		return nil, NewInvalidMessageError(errors.Wrapf(ErrUnsupportedSchema, "message schema version %d", msg.SchemaVersion))
	}
	if msg.Metadata.DeploymentID == "" {
		return nil, NewInvalidMessageError(errors.New("metadata.deploymentId is required"))
	}
	if !msg.Metadata.Owner.Valid() {
		return nil, NewInvalidMessageError(errors.New("metadata.owner is required"))
	}
	return &msg, nil
}

func RetryMessageID(deploymentID string, attempt int) string {
	return fmt.Sprintf("%s_retry_%d", deploymentID, attempt)
}

// SendOptions control how the transport delivers a message.
type SendOptions struct {
	// MessageID deduplicates sends; empty means the transport assigns one.
	MessageID string
	// DeliverAt delays visibility until the given time.
	DeliverAt time.Time
	Priority  int
}

// LockedMessage is a message received under a lease. DeliveryCount is
// maintained by the transport and starts at 1 for the first delivery.
type LockedMessage struct {
	ID            string
	Body          []byte
	DeliveryCount int
	LockToken     string
	Priority      int
	EnqueuedAt    time.Time
	LockedUntil   time.Time
}

type DeadLetterReason string

const (
	ReasonDeliveryCountExceeded DeadLetterReason = "delivery-count-exceeded"
	ReasonNonRetryableError     DeadLetterReason = "non-retryable-error"
	ReasonInvalidMessage        DeadLetterReason = "invalid-message"
	ReasonExpired               DeadLetterReason = "expired"
)

type DeadLetterRecord struct {
	MessageID     string           `json:"messageId"`
	Message       *QueueMessage    `json:"message,omitempty"`
	RawBody       []byte           `json:"rawBody,omitempty"`
	Reason        DeadLetterReason `json:"reason"`
	FinalError    string           `json:"finalError"`
	DeliveryCount int              `json:"deliveryCount"`
	DeadLetterAt  time.Time        `json:"deadLetteredAt"`
}

// ClampPriority bounds p to [MinPriority, MaxPriority]; zero means unset and
// maps to DefaultPriority.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
