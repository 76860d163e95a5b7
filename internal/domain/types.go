package domain

import (
	"encoding/json"
	"time"
)

type MoveKind string

const (
	MoveConditionalOffer    MoveKind = "CONDITIONAL_OFFER"
	MoveAccept              MoveKind = "ACCEPT"
	MoveReject              MoveKind = "REJECT"
	MoveFeasibilityQuery    MoveKind = "FEASIBILITY_QUERY"
	MoveFeasibilityResponse MoveKind = "FEASIBILITY_RESPONSE"
)

// KnownMoveKind reports whether k is one of the five wire move kinds.
func KnownMoveKind(k MoveKind) bool {
	switch k {
	case MoveConditionalOffer, MoveAccept, MoveReject, MoveFeasibilityQuery, MoveFeasibilityResponse:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
	OfferStatusExpired  OfferStatus = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s OfferStatus) Terminal() bool {
	return s == OfferStatusAccepted || s == OfferStatusRejected || s == OfferStatusExpired
}

type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusAgreed    SessionStatus = "agreed"
	SessionStatusExhausted SessionStatus = "exhausted"
	SessionStatusFailed    SessionStatus = "failed"
)

// Condition is a predicate on another party's node: "node is coloured colour".
type Condition struct {
	Node   string `json:"node"`
	Colour string `json:"colour"`
	Owner  string `json:"owner"`
}

// CommittedAssignment is a commitment the sender makes about one of its own nodes.
type CommittedAssignment struct {
	Node   string `json:"node"`
	Colour string `json:"colour"`
}

// ColourPair identifies a (node, colour) combination inside impossibility lists.
type ColourPair struct {
	Node   string `json:"node"`
	Colour string `json:"colour"`
}

// Offer is a conditional proposal: if the recipient commits to Conditions, the
// sender commits to Assignments. Conditions may be empty (unconditional offer);
// Assignments never are.
type Offer struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	Sender      string                `json:"sender"`
	Recipient   string                `json:"recipient"`
	Conditions  []Condition           `json:"conditions,omitempty"`
	Assignments []CommittedAssignment `json:"assignments"`
	Status      OfferStatus           `json:"status"`
	CreatedTurn int                   `json:"created_turn"`
	ClosedTurn  int                   `json:"closed_turn,omitempty"`
}

// Unconditional reports whether the offer carries no conditions.
func (o Offer) Unconditional() bool {
	return len(o.Conditions) == 0
}

// Move is the wire-level exchange unit between parties. Exactly one of the five
// kinds; fields irrelevant to a kind stay zero.
type Move struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Kind      MoveKind `json:"move"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Turn      int      `json:"turn"`

	OfferID  string `json:"offer_id,omitempty"`
	RefersTo string `json:"refers_to,omitempty"`

	Conditions  []Condition           `json:"conditions,omitempty"`
	Assignments []CommittedAssignment `json:"assignments,omitempty"`

	ImpossibleConditions   []ColourPair   `json:"impossible_conditions,omitempty"`
	ImpossibleCombinations [][]ColourPair `json:"impossible_combinations,omitempty"`

	IsFeasible         bool    `json:"is_feasible,omitempty"`
	FeasibilityPenalty float64 `json:"feasibility_penalty,omitempty"`
	FeasibilityDetail  string  `json:"feasibility_details,omitempty"`

	Reasons []string `json:"reasons,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID        string        `json:"id"`
	Problem   string        `json:"problem"`
	Status    SessionStatus `json:"status"`
	Turn      int           `json:"turn"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PartyState is the externally visible snapshot of one party, served over the
// engine API and rendered by the monitor.
type PartyState struct {
	ID          string            `json:"id"`
	Assignments map[string]string `json:"assignments"`
	Beliefs     map[string]string `json:"beliefs"`
	Penalty     float64           `json:"penalty"`
	Satisfied   bool              `json:"satisfied"`
}
