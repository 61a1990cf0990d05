// Package notify delivers transfer events to subscribed parties.
//
// A subscription registers an owner's interest in transfer updates. Each
// state transition of a transfer touching the owner's account inserts one
// pending notification per matching subscription, inside the transfer's
// own transaction. A worker pool claims pending notifications and POSTs
// the transfer snapshot to the subscription's target, retrying with
// exponential backoff until delivered or abandoned.
package notify

import (
	"encoding/json"
	"errors"
	"time"

	"tallyd/internal/store"
)

var (
	// ErrNotFound is returned when a subscription or notification does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthorized is returned when the principal cannot act for the
	// subscription's owner.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrImmutable is returned when an update tries to move a
	// subscription to a different owner.
	ErrImmutable = errors.New("subscription owner is immutable")
)

// Events a subscription can ask for.
const (
	EventTransferUpdate = "transfer.update"
	EventAll            = "*"
)

// ValidEvent reports whether the event selector is one the engine emits.
func ValidEvent(event string) bool {
	return event == EventTransferUpdate || event == EventAll
}

// Subscription registers an owner's interest in transfer events.
// The secret, when set, signs delivered payloads; it is stored but never
// rendered in API responses.
type Subscription struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Event     string    `json:"event"`
	TargetURI string    `json:"target_uri"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryState tracks a notification through the delivery queue.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"    // Awaiting a worker
	DeliveryDelivering DeliveryState = "delivering" // Claimed, request in flight
	DeliveryDelivered  DeliveryState = "delivered"  // Target acknowledged with 2xx
	DeliveryAbandoned  DeliveryState = "abandoned"  // Attempts exhausted
)

// Terminal reports whether the delivery will never be retried.
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryAbandoned:
		return true
	}
	return false
}

// Notification is one queued delivery of a transfer snapshot to one
// subscription. The claim token fences a worker's in-flight attempt
// against concurrent claims.
type Notification struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	TransferID     string          `json:"transfer_id"`
	Event          string          `json:"event"`
	Snapshot       json.RawMessage `json:"transfer_snapshot"`
	State          DeliveryState   `json:"state"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ClaimToken     string          `json:"claim_token,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SubscriptionPath is the record path for an owner's subscription.
func SubscriptionPath(owner, id string) store.Path {
	return store.Path{"people", owner, "subscriptions", id}
}

// indexPath maps a bare subscription id to its owner, so /subscriptions/:id
// routes resolve without knowing the owner.
func indexPath(id string) store.Path {
	return store.Path{"subindex", id}
}

type subscriptionIndex struct {
	Owner string `json:"owner"`
}

// NotificationPath is the record path for a notification.
func NotificationPath(id string) store.Path {
	return store.Path{"notifications", id}
}
