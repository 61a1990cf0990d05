// Package transfer implements the ledger's transfer lifecycle.
//
// Flow:
//  1. Any principal proposes a transfer between accounts → proposed
//  2. Source owners authorize their debits → completed, or prepared
//     when an execution condition holds the funds in escrow
//  3. A prepared transfer settles when its fulfillment arrives, or
//     expires at its deadline, releasing the held funds
//  4. An involved party may reject any transfer that has not settled
//
// Every transition and the balance movements it implies commit in a
// single store transaction; a transfer's balance effect is applied at
// most once across its lifetime.
package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"tallyd/internal/store"
)

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid transfer transition")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrNotAuthorized     = errors.New("not authorized for this transfer operation")
	ErrUnprocessable     = errors.New("unprocessable transfer")
)

// State is the lifecycle phase of a transfer.
type State string

const (
	StateProposed  State = "proposed"  // Created, awaiting source authorizations
	StatePrepared  State = "prepared"  // Authorized with a condition, funds held
	StateCompleted State = "completed" // Settled, balances applied
	StateRejected  State = "rejected"  // Explicitly cancelled by a party
	StateExpired   State = "expired"   // Deadline passed before settlement
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateProposed, StatePrepared, StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Fund is one leg of a transfer. Authorization is an opaque object whose
// accepted presence marks the owner's consent to the debit; destination
// funds never carry one.
type Fund struct {
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
}

// Authorized reports whether the fund carries an authorization.
func (f *Fund) Authorized() bool {
	return jsonPresent(f.Authorization)
}

// Timeline records when each state was entered. ProposedAt is always set;
// creation counts as the proposal even when the first persisted state is
// already further along.
type Timeline struct {
	ProposedAt  *time.Time `json:"proposed_at,omitempty"`
	PreparedAt  *time.Time `json:"prepared_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
}

func (tl *Timeline) stamp(state State, now time.Time) {
	t := now
	switch state {
	case StateProposed:
		tl.ProposedAt = &t
	case StatePrepared:
		tl.PreparedAt = &t
	case StateCompleted:
		tl.CompletedAt = &t
	case StateRejected:
		tl.RejectedAt = &t
	case StateExpired:
		tl.ExpiredAt = &t
	}
}

// Transfer is an atomic movement of value from source funds to
// destination funds.
type Transfer struct {
	ID               string          `json:"id"`
	SourceFunds      []Fund          `json:"source_funds"`
	DestinationFunds []Fund          `json:"destination_funds"`
	Condition        json.RawMessage `json:"execution_condition,omitempty"`
	Fulfillment      json.RawMessage `json:"execution_condition_fulfillment,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	State            State           `json:"state"`
	Timeline         Timeline        `json:"timeline"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Conditional reports whether settlement is gated on a fulfillment.
func (t *Transfer) Conditional() bool {
	return jsonPresent(t.Condition)
}

// FullyAuthorized reports whether every source fund carries an
// authorization.
func (t *Transfer) FullyAuthorized() bool {
	for i := range t.SourceFunds {
		if !t.SourceFunds[i].Authorized() {
			return false
		}
	}
	return true
}

// Accounts returns the distinct account names involved in the transfer,
// sources first.
func (t *Transfer) Accounts() []string {
	seen := make(map[string]bool, len(t.SourceFunds)+len(t.DestinationFunds))
	var names []string
	for _, funds := range [][]Fund{t.SourceFunds, t.DestinationFunds} {
		for i := range funds {
			if name := funds[i].Account; !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func (t *Transfer) setState(state State, now time.Time) {
	t.State = state
	t.Timeline.stamp(state, now)
}

// RecordPath is the store location of a transfer document.
func RecordPath(id string) store.Path {
	return store.Path{"transfers", id}
}

// UpsertRequest is a PUT /transfers/:id body after structural validation.
// ID is the bare uuid taken from the path. State is advisory: the engine
// computes states from content, and the only client-driven value is
// "rejected".
type UpsertRequest struct {
	ID               string          `json:"id,omitempty"`
	SourceFunds      []Fund          `json:"source_funds"`
	DestinationFunds []Fund          `json:"destination_funds"`
	Condition        json.RawMessage `json:"execution_condition,omitempty"`
	Fulfillment      json.RawMessage `json:"execution_condition_fulfillment,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	State            State           `json:"state,omitempty"`
}

// jsonPresent reports whether raw holds a value other than empty or null.
func jsonPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// jsonEqual compares two raw JSON values structurally, so key order and
// whitespace differences do not count as changes.
func jsonEqual(a, b json.RawMessage) bool {
	if !jsonPresent(a) || !jsonPresent(b) {
		return jsonPresent(a) == jsonPresent(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return reflect.DeepEqual(va, vb)
}

// fundsMatch compares the immutable parts of two fund lists: accounts and
// amounts, position by position. Authorizations are merged separately.
func fundsMatch(stored, req []Fund) bool {
	if len(stored) != len(req) {
		return false
	}
	for i := range stored {
		if stored[i].Account != req[i].Account || !stored[i].Amount.Equal(req[i].Amount) {
			return false
		}
	}
	return true
}

// timesEqual treats two deadline pointers as equal when both are nil or
// both name the same instant.
func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
