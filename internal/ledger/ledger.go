package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"chroma_accord/internal/domain"
)

var (
	ErrUnknownOffer    = errors.New("offer is not known to the ledger")
	ErrOfferNotPending = errors.New("offer is not pending")
	ErrNoCommitment    = errors.New("offer must commit at least one assignment")
)

// Ledger tracks every offer a party has sent or received, in insertion order,
// plus the impossibility constraints learned from rejections. Offers are never
// deleted; closed ones stay for audit.
type Ledger struct {
	offers     map[string]*domain.Offer
	order      []string
	impossible map[string]*ImpossibilitySet
	newID      func() string
}

// ImpossibilitySet accumulates, per counterpart, (node, colour) pairs that are
// never acceptable and pair combinations that are jointly unacceptable. Both
// grow monotonically until an explicit phase reset.
type ImpossibilitySet struct {
	singles map[domain.ColourPair]bool
	combos  []map[domain.ColourPair]bool
}

func newImpossibilitySet() *ImpossibilitySet {
	return &ImpossibilitySet{singles: make(map[domain.ColourPair]bool)}
}

// New builds an empty ledger. newID mints offer identifiers; nil falls back
// to random uuids.
func New(newID func() string) *Ledger {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Ledger{
		offers:     make(map[string]*domain.Offer),
		impossible: make(map[string]*ImpossibilitySet),
		newID:      newID,
	}
}

// Propose validates and inserts a fresh pending offer.
func (l *Ledger) Propose(sessionID, sender, recipient string, conditions []domain.Condition, assignments []domain.CommittedAssignment, turn int) (*domain.Offer, error) {
	if len(assignments) == 0 {
		return nil, ErrNoCommitment
	}
	offer := &domain.Offer{
		ID:          l.newID(),
		SessionID:   sessionID,
		Sender:      sender,
		Recipient:   recipient,
		Conditions:  append([]domain.Condition(nil), conditions...),
		Assignments: append([]domain.CommittedAssignment(nil), assignments...),
		Status:      domain.OfferStatusPending,
		CreatedTurn: turn,
	}
	l.insert(offer)
	return offer, nil
}

// Record inserts an offer received from a counterpart, keeping the sender's id
// so Accept/Reject moves can refer to it.
func (l *Ledger) Record(offer domain.Offer) error {
	if len(offer.Assignments) == 0 {
		return ErrNoCommitment
	}
	if _, exists := l.offers[offer.ID]; exists {
		return nil
	}
	o := offer
	o.Status = domain.OfferStatusPending
	l.insert(&o)
	return nil
}

func (l *Ledger) insert(o *domain.Offer) {
	l.offers[o.ID] = o
	l.order = append(l.order, o.ID)
}

// Get returns a copy of the offer.
func (l *Ledger) Get(offerID string) (domain.Offer, error) {
	o, ok := l.offers[offerID]
	if !ok {
		return domain.Offer{}, fmt.Errorf("offer %s: %w", offerID, ErrUnknownOffer)
	}
	return *o, nil
}

// Accept moves a pending offer to accepted. Terminal offers are left alone and
// reported, so a second accept is a no-op for the caller to detect.
func (l *Ledger) Accept(offerID string, turn int) (domain.Offer, error) {
	return l.close(offerID, domain.OfferStatusAccepted, turn)
}

// Reject moves a pending offer to rejected. Learned impossibilities are merged
// separately via MarkImpossible, since only the rejected proposer learns them.
func (l *Ledger) Reject(offerID string, turn int) (domain.Offer, error) {
	return l.close(offerID, domain.OfferStatusRejected, turn)
}

func (l *Ledger) close(offerID string, status domain.OfferStatus, turn int) (domain.Offer, error) {
	o, ok := l.offers[offerID]
	if !ok {
		return domain.Offer{}, fmt.Errorf("offer %s: %w", offerID, ErrUnknownOffer)
	}
	if o.Status != domain.OfferStatusPending {
		return *o, fmt.Errorf("offer %s is %s: %w", offerID, o.Status, ErrOfferNotPending)
	}
	o.Status = status
	o.ClosedTurn = turn
	return *o, nil
}

// ExpireStale transitions this party's pending offers older than threshold
// turns to expired and returns them. Expired offers no longer block new
// proposals, so an unresponsive counterpart cannot deadlock the protocol.
func (l *Ledger) ExpireStale(sender string, currentTurn, threshold int) []domain.Offer {
	var expired []domain.Offer
	for _, id := range l.order {
		o := l.offers[id]
		if o.Sender != sender || o.Status != domain.OfferStatusPending {
			continue
		}
		if currentTurn-o.CreatedTurn >= threshold {
			o.Status = domain.OfferStatusExpired
			o.ClosedTurn = currentTurn
			expired = append(expired, *o)
		}
	}
	return expired
}

// PendingFrom lists pending offers sent by sender to recipient, oldest first.
func (l *Ledger) PendingFrom(sender, recipient string) []domain.Offer {
	var out []domain.Offer
	for _, id := range l.order {
		o := l.offers[id]
		if o.Status == domain.OfferStatusPending && o.Sender == sender && o.Recipient == recipient {
			out = append(out, *o)
		}
	}
	return out
}

// All returns every offer in insertion order.
func (l *Ledger) All() []domain.Offer {
	out := make([]domain.Offer, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.offers[id])
	}
	return out
}

// MarkImpossible merges individual pairs and combinations into the
// counterpart's impossibility set. Combinations of fewer than two pairs are
// treated as individuals.
func (l *Ledger) MarkImpossible(counterpart string, singles []domain.ColourPair, combos [][]domain.ColourPair) {
	set := l.impossible[counterpart]
	if set == nil {
		set = newImpossibilitySet()
		l.impossible[counterpart] = set
	}
	for _, p := range singles {
		set.singles[p] = true
	}
	for _, combo := range combos {
		if len(combo) < 2 {
			for _, p := range combo {
				set.singles[p] = true
			}
			continue
		}
		m := make(map[domain.ColourPair]bool, len(combo))
		for _, p := range combo {
			m[p] = true
		}
		if !set.hasCombo(m) {
			set.combos = append(set.combos, m)
		}
	}
}

func (s *ImpossibilitySet) hasCombo(candidate map[domain.ColourPair]bool) bool {
	for _, existing := range s.combos {
		if len(existing) != len(candidate) {
			continue
		}
		same := true
		for p := range existing {
			if !candidate[p] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// Allows reports whether a candidate configuration (node -> colour, covering
// both condition and assignment sides of a would-be offer) survives the
// counterpart's impossibility set: it must contain no marked individual pair
// and no marked combination as a subset.
func (l *Ledger) Allows(counterpart string, candidate map[string]string) bool {
	set := l.impossible[counterpart]
	if set == nil {
		return true
	}
	for node, colour := range candidate {
		if set.singles[domain.ColourPair{Node: node, Colour: colour}] {
			return false
		}
	}
	for _, combo := range set.combos {
		subset := true
		for p := range combo {
			if candidate[p.Node] != p.Colour {
				subset = false
				break
			}
		}
		if subset {
			return false
		}
	}
	return true
}

// ImpossibleSingles returns the sorted marked individual pairs for a counterpart.
func (l *Ledger) ImpossibleSingles(counterpart string) []domain.ColourPair {
	set := l.impossible[counterpart]
	if set == nil {
		return nil
	}
	out := make([]domain.ColourPair, 0, len(set.singles))
	for p := range set.singles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Colour < out[j].Colour
	})
	return out
}

// ResetPhase clears all learned impossibilities. Offer history is untouched.
func (l *Ledger) ResetPhase() {
	l.impossible = make(map[string]*ImpossibilitySet)
}
