package handshake

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/frame"
)

// Role is the side a device plays in a tap.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is a handshake state. Agreed, TimedOut and Aborted are terminal.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingPeer   State = "awaiting_peer"
	StatePeerDiscovered State = "peer_discovered"
	StateAwaitingAck    State = "awaiting_ack"
	StateAgreed         State = "agreed"
	StateTimedOut       State = "timed_out"
	StateAborted        State = "aborted"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateAgreed, StateTimedOut, StateAborted:
		return true
	}
	return false
}

// DefaultDeadline bounds a session when Params.Deadline is unset.
const DefaultDeadline = 30 * time.Second

var (
	// ErrTimeout means no qualifying frame arrived before the deadline.
	ErrTimeout = errors.New("handshake timeout")

	// ErrAborted means the session was cancelled or the transport failed.
	ErrAborted = errors.New("handshake aborted")

	// ErrReused is returned when Run is called on a machine that already ran.
	ErrReused = errors.New("handshake machine already used")

	// ErrInvalidParams rejects a session that cannot start.
	ErrInvalidParams = errors.New("invalid handshake parameters")
)

// Params configures one transfer attempt.
type Params struct {
	Role Role
	// LocalID is what this device writes in the userId field: the wallet
	// the peer should settle against.
	LocalID string
	// PeerHint, when set, is the only counterparty id accepted.
	PeerHint string
	// Amount is the offered amount for a sender. For a receiver a non-zero
	// value is the only amount accepted.
	Amount   decimal.Decimal
	Currency string
	// MaxAmount caps what a receiver accepts. Zero means no cap.
	MaxAmount decimal.Decimal
	Deadline  time.Duration
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Result is the terminal report of a session.
type Result struct {
	SessionID string
	Role      Role
	State     State
	// Offer is the offer this session presented (sender) or accepted
	// (receiver).
	Offer     frame.Offer
	PeerID    string
	AttemptID string
	Ignored   int
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// Agreed reports whether both sides observed a matching offer/ack pair.
func (r Result) Agreed() bool {
	return r.State == StateAgreed
}
