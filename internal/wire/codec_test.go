package wire

import (
	"errors"
	"testing"

	"chroma_accord/internal/domain"
)

func validOffer() domain.Move {
	return domain.Move{
		ID:        "m1",
		SessionID: "sess",
		Kind:      domain.MoveConditionalOffer,
		From:      "alice",
		To:        "bob",
		Turn:      1,
		OfferID:   "o1",
		Conditions: []domain.Condition{
			{Node: "b1", Colour: "green", Owner: "bob"},
		},
		Assignments: []domain.CommittedAssignment{
			{Node: "a1", Colour: "red"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	move := validOffer()
	data, err := Encode(move)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != move.Kind || got.OfferID != move.OfferID || len(got.Conditions) != 1 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("err = %v, want ErrMalformedMove", err)
	}
}

func TestValidateRejectsStructuralDefects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Move)
	}{
		{"unknown kind", func(m *domain.Move) { m.Kind = "SHOUT" }},
		{"missing sender", func(m *domain.Move) { m.From = "" }},
		{"missing recipient", func(m *domain.Move) { m.To = " " }},
		{"self addressed", func(m *domain.Move) { m.To = m.From }},
		{"offer without id", func(m *domain.Move) { m.OfferID = "" }},
		{"offer without assignments", func(m *domain.Move) { m.Assignments = nil }},
		{"assignment missing colour", func(m *domain.Move) { m.Assignments[0].Colour = "" }},
		{"condition missing node", func(m *domain.Move) { m.Conditions[0].Node = "" }},
	}
	for _, tc := range cases {
		move := validOffer()
		tc.mutate(&move)
		if err := Validate(move); !errors.Is(err, ErrMalformedMove) {
			t.Fatalf("case %q: err = %v, want ErrMalformedMove", tc.name, err)
		}
	}
}

func TestValidateReferenceKinds(t *testing.T) {
	accept := domain.Move{Kind: domain.MoveAccept, From: "bob", To: "alice"}
	if err := Validate(accept); !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("accept without refers_to should fail, got %v", err)
	}
	accept.RefersTo = "o1"
	if err := Validate(accept); err != nil {
		t.Fatalf("valid accept rejected: %v", err)
	}

	query := domain.Move{Kind: domain.MoveFeasibilityQuery, From: "bob", To: "alice"}
	if err := Validate(query); !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("query without conditions should fail, got %v", err)
	}
	query.Conditions = []domain.Condition{{Node: "a1", Colour: "red", Owner: "alice"}}
	if err := Validate(query); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}

	resp := domain.Move{Kind: domain.MoveFeasibilityResponse, From: "alice", To: "bob"}
	if err := Validate(resp); !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("response without refers_to should fail, got %v", err)
	}
	resp.RefersTo = "q1"
	if err := Validate(resp); err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}
}
