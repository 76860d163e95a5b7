// Package wire encodes and validates the moves exchanged between parties.
// Validation is structural only; offer-reference checks against a party's
// ledger happen at receipt.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chroma_accord/internal/domain"
)

var ErrMalformedMove = errors.New("malformed wire move")

// Encode serialises a move for the transport collaborator.
func Encode(m domain.Move) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal move: %w", err)
	}
	return data, nil
}

// Decode parses and validates an incoming move. Anything that fails here must
// be dropped with a logged reason rather than guessed at.
func Decode(data []byte) (domain.Move, error) {
	var m domain.Move
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Move{}, fmt.Errorf("%w: %v", ErrMalformedMove, err)
	}
	if err := Validate(m); err != nil {
		return domain.Move{}, err
	}
	return m, nil
}

// Validate enforces the structural invariants of each move kind.
func Validate(m domain.Move) error {
	if !domain.KnownMoveKind(m.Kind) {
		return fmt.Errorf("%w: unknown move kind %q", ErrMalformedMove, string(m.Kind))
	}
	if strings.TrimSpace(m.From) == "" || strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrMalformedMove)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: move addressed to its own sender", ErrMalformedMove)
	}

	switch m.Kind {
	case domain.MoveConditionalOffer:
		if m.OfferID == "" {
			return fmt.Errorf("%w: conditional offer without offer_id", ErrMalformedMove)
		}
		if len(m.Assignments) == 0 {
			return fmt.Errorf("%w: conditional offer commits no assignments", ErrMalformedMove)
		}
		for _, a := range m.Assignments {
			if a.Node == "" || a.Colour == "" {
				return fmt.Errorf("%w: assignment with empty node or colour", ErrMalformedMove)
			}
		}
		for _, c := range m.Conditions {
			if c.Node == "" || c.Colour == "" {
				return fmt.Errorf("%w: condition with empty node or colour", ErrMalformedMove)
			}
		}
	case domain.MoveAccept, domain.MoveReject:
		if m.RefersTo == "" {
			return fmt.Errorf("%w: %s without refers_to", ErrMalformedMove, m.Kind)
		}
	case domain.MoveFeasibilityQuery:
		if len(m.Conditions) == 0 {
			return fmt.Errorf("%w: feasibility query without conditions", ErrMalformedMove)
		}
	case domain.MoveFeasibilityResponse:
		if m.RefersTo == "" {
			return fmt.Errorf("%w: feasibility response without refers_to", ErrMalformedMove)
		}
	}
	return nil
}
