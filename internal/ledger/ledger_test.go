package ledger

import (
	"errors"
	"fmt"
	"testing"

	"chroma_accord/internal/domain"
)

func proposeTestOffer(t *testing.T, l *Ledger, sender, recipient string, turn int) *domain.Offer {
	t.Helper()
	offer, err := l.Propose("sess", sender, recipient,
		[]domain.Condition{{Node: "b1", Colour: "green", Owner: recipient}},
		[]domain.CommittedAssignment{{Node: "a1", Colour: "red"}},
		turn,
	)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return offer
}

func TestProposeMintsIdsFromInjectedSource(t *testing.T) {
	n := 0
	l := New(func() string {
		n++
		return fmt.Sprintf("of-%03d", n)
	})
	first := proposeTestOffer(t, l, "alice", "bob", 1)
	second := proposeTestOffer(t, l, "alice", "bob", 2)
	if first.ID != "of-001" || second.ID != "of-002" {
		t.Fatalf("ids = %s, %s", first.ID, second.ID)
	}
}

func TestProposeRequiresCommitment(t *testing.T) {
	l := New(nil)
	if _, err := l.Propose("sess", "alice", "bob", nil, nil, 1); !errors.Is(err, ErrNoCommitment) {
		t.Fatalf("err = %v, want ErrNoCommitment", err)
	}
}

func TestStatusTransitionsAreTerminal(t *testing.T) {
	l := New(nil)
	offer := proposeTestOffer(t, l, "alice", "bob", 1)

	accepted, err := l.Accept(offer.ID, 2)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.OfferStatusAccepted || accepted.ClosedTurn != 2 {
		t.Fatalf("accepted = %+v", accepted)
	}

	if _, err := l.Accept(offer.ID, 3); !errors.Is(err, ErrOfferNotPending) {
		t.Fatalf("second accept err = %v, want ErrOfferNotPending", err)
	}
	if _, err := l.Reject(offer.ID, 3); !errors.Is(err, ErrOfferNotPending) {
		t.Fatalf("reject after accept err = %v, want ErrOfferNotPending", err)
	}

	got, err := l.Get(offer.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.OfferStatusAccepted {
		t.Fatalf("status mutated after terminal transition: %s", got.Status)
	}

	if _, err := l.Accept("missing", 1); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("unknown offer err = %v", err)
	}
}

func TestExpireStaleUsesThreshold(t *testing.T) {
	l := New(nil)
	offer := proposeTestOffer(t, l, "alice", "bob", 3)

	if got := l.ExpireStale("alice", 7, 5); len(got) != 0 {
		t.Fatalf("expired too early: %v", got)
	}
	got := l.ExpireStale("alice", 8, 5)
	if len(got) != 1 || got[0].ID != offer.ID {
		t.Fatalf("expired = %v", got)
	}
	if got[0].Status != domain.OfferStatusExpired || got[0].ClosedTurn != 8 {
		t.Fatalf("expired offer = %+v", got[0])
	}

	// Only the sender's own pending offers expire.
	l2 := New(nil)
	o2 := proposeTestOffer(t, l2, "alice", "bob", 1)
	if got := l2.ExpireStale("bob", 50, 5); len(got) != 0 {
		t.Fatalf("recipient expired the sender's offer: %v", got)
	}
	if pending := l2.PendingFrom("alice", "bob"); len(pending) != 1 || pending[0].ID != o2.ID {
		t.Fatalf("pending = %v", pending)
	}
}

func TestPendingFromOldestFirst(t *testing.T) {
	l := New(nil)
	first := proposeTestOffer(t, l, "alice", "bob", 1)
	second := proposeTestOffer(t, l, "alice", "bob", 2)
	proposeTestOffer(t, l, "alice", "carol", 3)

	pending := l.PendingFrom("alice", "bob")
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("pending order wrong: %v", pending)
	}
	if all := l.All(); len(all) != 3 {
		t.Fatalf("all = %d offers", len(all))
	}
}

func TestImpossibilityFiltering(t *testing.T) {
	l := New(nil)
	l.MarkImpossible("bob",
		[]domain.ColourPair{{Node: "b1", Colour: "red"}},
		[][]domain.ColourPair{
			{{Node: "b1", Colour: "green"}, {Node: "b2", Colour: "green"}},
		},
	)

	if l.Allows("bob", map[string]string{"b1": "red"}) {
		t.Fatalf("marked individual pair should be filtered")
	}
	if !l.Allows("bob", map[string]string{"b1": "green"}) {
		t.Fatalf("half of a combination alone is fine")
	}
	if l.Allows("bob", map[string]string{"b1": "green", "b2": "green", "b3": "red"}) {
		t.Fatalf("superset of a marked combination should be filtered")
	}
	if !l.Allows("carol", map[string]string{"b1": "red"}) {
		t.Fatalf("impossibility sets are per counterpart")
	}

	// A one-element combination degrades to an individual pair.
	l.MarkImpossible("bob", nil, [][]domain.ColourPair{{{Node: "b2", Colour: "blue"}}})
	if l.Allows("bob", map[string]string{"b2": "blue"}) {
		t.Fatalf("demoted single should be filtered")
	}

	singles := l.ImpossibleSingles("bob")
	if len(singles) != 2 || singles[0].Node != "b1" || singles[1].Node != "b2" {
		t.Fatalf("singles = %v", singles)
	}

	l.ResetPhase()
	if !l.Allows("bob", map[string]string{"b1": "red"}) {
		t.Fatalf("reset should clear learned impossibilities")
	}
}

func TestMarkImpossibleDeduplicatesCombinations(t *testing.T) {
	l := New(nil)
	combo := [][]domain.ColourPair{
		{{Node: "b1", Colour: "red"}, {Node: "b2", Colour: "red"}},
	}
	l.MarkImpossible("bob", nil, combo)
	l.MarkImpossible("bob", nil, combo)

	set := l.impossible["bob"]
	if len(set.combos) != 1 {
		t.Fatalf("combos = %d, want 1", len(set.combos))
	}
}

func TestRecordDeduplicatesById(t *testing.T) {
	l := New(nil)
	offer := domain.Offer{
		ID:          "o1",
		Sender:      "bob",
		Recipient:   "alice",
		Assignments: []domain.CommittedAssignment{{Node: "b1", Colour: "red"}},
		CreatedTurn: 1,
	}
	if err := l.Record(offer); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(offer); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if all := l.All(); len(all) != 1 {
		t.Fatalf("all = %d, want 1", len(all))
	}
	if pending := l.PendingFrom("bob", "alice"); len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}
