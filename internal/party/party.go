package party

import (
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"chroma_accord/internal/belief"
	"chroma_accord/internal/domain"
	"chroma_accord/internal/ledger"
	"chroma_accord/internal/problem"
	"chroma_accord/internal/solver"
)

// Recorder receives audit events for the session decision log.
type Recorder interface {
	Record(actor, action, reason string, payload any)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string, any) {}

type Config struct {
	ConflictPenalty      float64
	ImprovementThreshold float64
	OfferExpiryTurns     int
	ExhaustiveCeiling    int
	// NewID mints move and offer identifiers. Sessions install a shared
	// per-session counter so a replayed run mints identical ids; nil falls
	// back to random uuids.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.ConflictPenalty <= 0 {
		c.ConflictPenalty = 100
	}
	if c.ImprovementThreshold <= 0 {
		c.ImprovementThreshold = 0.5
	}
	if c.OfferExpiryTurns <= 0 {
		c.OfferExpiryTurns = 5
	}
	if c.ExhaustiveCeiling <= 0 {
		c.ExhaustiveCeiling = 12
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Party is one independent negotiation context: its beliefs, ledger, solver
// state and assignments. All mutation happens on the owning turn executor;
// there are no concurrent turns for the same party.
type Party struct {
	id        string
	sessionID string
	prob      *problem.Problem
	cfg       Config
	solver    *solver.Solver
	beliefs   *belief.Store
	ledger    *ledger.Ledger
	logger    *log.Logger
	recorder  Recorder

	assignments map[string]string
	// commitments are assignments promised through accepted offers; they pin
	// the solver until a phase reset.
	commitments map[string]string
	// forced holds one-shot human overrides, consumed by the next solve.
	forced map[string]string
	// announced tracks, per counterpart, the last colour we communicated for
	// each of our boundary nodes.
	announced map[string]map[string]string

	pendingQueries []domain.Move

	satisfied      bool
	satisfiedValid bool
}

func New(id, sessionID string, prob *problem.Problem, cfg Config, logger *log.Logger, recorder Recorder) *Party {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	s := solver.New(prob, solver.Config{
		ConflictPenalty:      cfg.ConflictPenalty,
		ImprovementThreshold: cfg.ImprovementThreshold,
		ExhaustiveCeiling:    cfg.ExhaustiveCeiling,
	}, logger)

	p := &Party{
		id:          id,
		sessionID:   sessionID,
		prob:        prob,
		cfg:         cfg,
		solver:      s,
		beliefs:     belief.New(),
		ledger:      ledger.New(cfg.NewID),
		logger:      logger,
		recorder:    recorder,
		commitments: map[string]string{},
		forced:      map[string]string{},
		announced:   map[string]map[string]string{},
	}
	initial := s.Solve(id, nil, nil, nil, nil)
	p.assignments = initial.Assignments
	return p
}

func (p *Party) ID() string { return p.id }

// ForceColour registers a one-shot human override for an owned free node. It
// pre-empts the solver exactly once and is cleared after use.
func (p *Party) ForceColour(nodeID, colour string) error {
	if !p.prob.HasNode(nodeID) {
		return fmt.Errorf("node %s is not part of the problem", nodeID)
	}
	if p.prob.Owner(nodeID) != p.id {
		return fmt.Errorf("node %s is not owned by %s", nodeID, p.id)
	}
	if p.prob.Nodes[nodeID].Fixed != "" {
		return fmt.Errorf("node %s is fixed and cannot be overridden", nodeID)
	}
	if !p.prob.HasColour(colour) {
		return fmt.Errorf("colour %q is not in the domain", colour)
	}
	p.forced[nodeID] = colour
	return nil
}

// ResetPhase clears learned impossibilities and standing commitments for a new
// negotiation phase. Offer history stays for audit.
func (p *Party) ResetPhase() {
	p.ledger.ResetPhase()
	p.commitments = map[string]string{}
	p.satisfiedValid = false
}

// Receive applies one incoming move to the party's state. A returned error
// means the move was malformed or inconsistent and has been dropped; the turn
// otherwise proceeds. Unknown offer references are ignored, not errors.
func (p *Party) Receive(move domain.Move) error {
	switch move.Kind {
	case domain.MoveConditionalOffer:
		return p.receiveOffer(move)
	case domain.MoveAccept:
		p.receiveAccept(move)
	case domain.MoveReject:
		p.receiveReject(move)
	case domain.MoveFeasibilityQuery:
		p.pendingQueries = append(p.pendingQueries, move)
	case domain.MoveFeasibilityResponse:
		p.recorder.Record(p.id, "feasibility_response_received", "counterpart answered feasibility query", map[string]any{
			"from":     move.From,
			"feasible": move.IsFeasible,
			"penalty":  move.FeasibilityPenalty,
		})
	default:
		return fmt.Errorf("unknown move kind %q", string(move.Kind))
	}
	return nil
}

func (p *Party) receiveOffer(move domain.Move) error {
	for _, a := range move.Assignments {
		if p.prob.Owner(a.Node) != move.From {
			return fmt.Errorf("offer %s commits node %s not owned by sender %s", move.OfferID, a.Node, move.From)
		}
		if !p.prob.HasColour(a.Colour) {
			return fmt.Errorf("offer %s commits unknown colour %q", move.OfferID, a.Colour)
		}
	}
	for _, c := range move.Conditions {
		if p.prob.Owner(c.Node) != p.id {
			return fmt.Errorf("offer %s conditions node %s not owned by recipient %s", move.OfferID, c.Node, p.id)
		}
		if !p.prob.HasColour(c.Colour) {
			return fmt.Errorf("offer %s conditions unknown colour %q", move.OfferID, c.Colour)
		}
	}

	offer := domain.Offer{
		ID:          move.OfferID,
		SessionID:   move.SessionID,
		Sender:      move.From,
		Recipient:   p.id,
		Conditions:  move.Conditions,
		Assignments: move.Assignments,
		CreatedTurn: move.Turn,
	}
	if err := p.ledger.Record(offer); err != nil {
		return fmt.Errorf("record incoming offer: %w", err)
	}

	// An unconditional offer is a report of colours the sender has already
	// committed to; believe it immediately. Conditional commitments become
	// beliefs only on acceptance.
	if offer.Unconditional() {
		for _, a := range offer.Assignments {
			p.beliefs.Update(a.Node, a.Colour)
		}
	}
	return nil
}

func (p *Party) receiveAccept(move domain.Move) {
	offer, err := p.ledger.Accept(move.RefersTo, move.Turn)
	if err != nil {
		p.recorder.Record(p.id, "accept_ignored", "accept referenced unknown or closed offer", map[string]any{
			"refers_to": move.RefersTo,
			"from":      move.From,
			"error":     err.Error(),
		})
		return
	}
	if offer.Sender != p.id {
		p.recorder.Record(p.id, "accept_ignored", "accept for an offer this party did not send", map[string]any{
			"refers_to": move.RefersTo,
			"from":      move.From,
		})
		return
	}
	p.applyOwnCommitments(offer, move.From)
	for _, c := range offer.Conditions {
		p.beliefs.Update(c.Node, c.Colour)
	}
	p.satisfiedValid = false
	p.recorder.Record(p.id, "offer_accepted", "counterpart accepted offer", map[string]any{
		"offer_id": offer.ID,
		"from":     move.From,
	})
}

func (p *Party) receiveReject(move domain.Move) {
	offer, err := p.ledger.Reject(move.RefersTo, move.Turn)
	if err != nil {
		p.recorder.Record(p.id, "reject_ignored", "reject referenced unknown or closed offer", map[string]any{
			"refers_to": move.RefersTo,
			"from":      move.From,
			"error":     err.Error(),
		})
		return
	}
	p.ledger.MarkImpossible(move.From, move.ImpossibleConditions, move.ImpossibleCombinations)
	p.satisfiedValid = false
	p.recorder.Record(p.id, "offer_rejected", "counterpart rejected offer", map[string]any{
		"offer_id":     offer.ID,
		"from":         move.From,
		"singles":      len(move.ImpossibleConditions),
		"combinations": len(move.ImpossibleCombinations),
	})
}

// applyOwnCommitments writes the offer's committed assignments onto this
// party's own nodes, exactly once; the pending->accepted transition already
// happened, so a replayed accept can never re-apply them.
func (p *Party) applyOwnCommitments(offer domain.Offer, counterpart string) {
	for _, a := range offer.Assignments {
		p.commitments[a.Node] = a.Colour
		p.assignments[a.Node] = a.Colour
		p.markAnnounced(counterpart, a.Node, a.Colour)
	}
}

// TakeTurn runs one full turn: answer queued feasibility queries, re-solve the
// partition, generate at most one move (or one batch of unconditional
// announcements) per counterpart, refresh satisfaction, expire stale offers.
func (p *Party) TakeTurn(turn int) []domain.Move {
	var moves []domain.Move

	moves = append(moves, p.answerQueries(turn)...)

	forced := p.forced
	p.forced = map[string]string{}
	res := p.solver.Solve(p.id, p.assignments, p.commitments, forced, p.beliefs.Snapshot())
	p.assignments = res.Assignments
	p.satisfiedValid = false

	for _, counterpart := range p.prob.Counterparts(p.id) {
		moves = append(moves, p.movesFor(counterpart, turn)...)
	}

	p.refreshSatisfaction()

	for _, expired := range p.ledger.ExpireStale(p.id, turn, p.cfg.OfferExpiryTurns) {
		p.recorder.Record(p.id, "offer_expired", "pending offer exceeded expiry threshold", map[string]any{
			"offer_id":     expired.ID,
			"recipient":    expired.Recipient,
			"created_turn": expired.CreatedTurn,
		})
	}
	return moves
}

// movesFor applies the priority-ordered move policy for one counterpart.
func (p *Party) movesFor(counterpart string, turn int) []domain.Move {
	if responses := p.respondToPending(counterpart, turn); len(responses) > 0 {
		return responses
	}

	beliefs := p.beliefs.Snapshot()
	conflicted := p.solver.ConflictedBoundary(p.id, counterpart, p.assignments, beliefs)
	outgoing := p.ledger.PendingFrom(p.id, counterpart)

	if len(conflicted) > 0 && len(outgoing) == 0 {
		if move, ok := p.proposeJoint(counterpart, turn, "resolve boundary conflict"); ok {
			return []domain.Move{move}
		}
		return nil
	}

	if announcements := p.announceChanges(counterpart, turn); len(announcements) > 0 {
		return announcements
	}

	if p.currentConflicts() > 0 && len(outgoing) == 0 {
		if move, ok := p.proposeJoint(counterpart, turn, "search zero-penalty joint configuration"); ok {
			return []domain.Move{move}
		}
	}
	return nil
}

// respondToPending accepts or rejects every pending incoming offer from the
// counterpart. Acceptance requires the offer to be strictly beneficial or
// conflict-free at no cost; everything else is rejected with whatever
// impossibilities are provable.
func (p *Party) respondToPending(counterpart string, turn int) []domain.Move {
	var out []domain.Move
	for _, offer := range p.ledger.PendingFrom(counterpart, p.id) {
		if move := p.respondToOffer(offer, turn); move.Kind != "" {
			out = append(out, move)
		}
	}
	return out
}

func (p *Party) respondToOffer(offer domain.Offer, turn int) domain.Move {
	singles, combos, result, feasible := p.evaluateConditions(offer.Conditions, offer.Assignments)
	cur := p.currentConflicts()

	accept := false
	if len(singles) == 0 && len(combos) == 0 && feasible {
		if result.Conflicts < cur || result.Conflicts == 0 {
			accept = true
		}
	}

	if accept {
		if _, err := p.ledger.Accept(offer.ID, turn); err != nil {
			p.recorder.Record(p.id, "accept_failed", "offer closed before response", map[string]any{
				"offer_id": offer.ID, "error": err.Error(),
			})
			return domain.Move{}
		}
		for _, c := range offer.Conditions {
			p.commitments[c.Node] = c.Colour
		}
		p.assignments = result.Assignments
		for _, c := range offer.Conditions {
			p.markAnnounced(offer.Sender, c.Node, c.Colour)
		}
		for _, a := range offer.Assignments {
			p.beliefs.Update(a.Node, a.Colour)
		}
		p.satisfiedValid = false
		p.recorder.Record(p.id, "offer_accept_sent", "accepted beneficial offer", map[string]any{
			"offer_id": offer.ID, "sender": offer.Sender, "conflicts": result.Conflicts,
		})
		return p.newMove(domain.MoveAccept, offer.Sender, turn, func(m *domain.Move) {
			m.RefersTo = offer.ID
			m.Reasons = []string{"accepting reduces or keeps zero conflict count"}
		})
	}

	if _, err := p.ledger.Reject(offer.ID, turn); err != nil {
		p.recorder.Record(p.id, "reject_failed", "offer closed before response", map[string]any{
			"offer_id": offer.ID, "error": err.Error(),
		})
		return domain.Move{}
	}
	p.satisfiedValid = false
	p.recorder.Record(p.id, "offer_reject_sent", "offer not beneficial or conditions impossible", map[string]any{
		"offer_id": offer.ID, "sender": offer.Sender,
		"singles": len(singles), "combinations": len(combos),
	})
	return p.newMove(domain.MoveReject, offer.Sender, turn, func(m *domain.Move) {
		m.RefersTo = offer.ID
		m.ImpossibleConditions = singles
		m.ImpossibleCombinations = combos
		m.Reasons = []string{"offer does not improve this party's position"}
	})
}

// evaluateConditions checks an offer's demanded conditions against this
// party's partition: individually impossible pairs (fixed clash or solo
// infeasibility), jointly impossible combinations, and the best achievable
// result with all conditions pinned and the sender's commitments believed.
func (p *Party) evaluateConditions(conditions []domain.Condition, promised []domain.CommittedAssignment) (singles []domain.ColourPair, combos [][]domain.ColourPair, best solver.Result, feasible bool) {
	hypBeliefs := p.beliefs.Snapshot()
	for _, a := range promised {
		hypBeliefs[a.Node] = a.Colour
	}

	for _, c := range conditions {
		if f := p.prob.Nodes[c.Node].Fixed; f != "" && f != c.Colour {
			singles = append(singles, domain.ColourPair{Node: c.Node, Colour: c.Colour})
			continue
		}
		solo := map[string]string{c.Node: c.Colour}
		res, err := p.solver.Exhaustive(p.id, mergePins(p.commitments, solo), hypBeliefs)
		if err == nil && res.Conflicts > 0 && len(conditions) == 1 {
			singles = append(singles, domain.ColourPair{Node: c.Node, Colour: c.Colour})
		}
	}
	if len(singles) > 0 {
		return singles, nil, solver.Result{}, false
	}

	pins := p.commitments
	if len(conditions) > 0 {
		overlay := map[string]string{}
		for _, c := range conditions {
			overlay[c.Node] = c.Colour
		}
		pins = mergePins(p.commitments, overlay)
	}
	res, err := p.solver.Exhaustive(p.id, pins, hypBeliefs)
	if err != nil {
		p.logger.Printf("party=%s condition evaluation fell back to greedy: %v", p.id, err)
		res = p.solver.Solve(p.id, nil, pins, nil, hypBeliefs)
	}
	if res.Conflicts > 0 && len(conditions) >= 2 {
		combo := make([]domain.ColourPair, 0, len(conditions))
		for _, c := range conditions {
			combo = append(combo, domain.ColourPair{Node: c.Node, Colour: c.Colour})
		}
		combos = append(combos, combo)
		return nil, combos, res, false
	}
	return nil, nil, res, res.Conflicts == 0 || len(conditions) == 0
}

// announceChanges emits one unconditional offer per boundary node whose colour
// differs from what was last communicated to the counterpart. One offer per
// node keeps partial agreement possible; bundling would not.
func (p *Party) announceChanges(counterpart string, turn int) []domain.Move {
	var out []domain.Move
	for _, nodeID := range p.prob.BoundaryNodesWith(p.id, counterpart) {
		colour, ok := p.assignments[nodeID]
		if !ok {
			continue
		}
		if p.announced[counterpart][nodeID] == colour {
			continue
		}
		offer, err := p.ledger.Propose(p.sessionID, p.id, counterpart, nil,
			[]domain.CommittedAssignment{{Node: nodeID, Colour: colour}}, turn)
		if err != nil {
			p.logger.Printf("party=%s announce %s failed: %v", p.id, nodeID, err)
			continue
		}
		p.markAnnounced(counterpart, nodeID, colour)
		p.recorder.Record(p.id, "boundary_announced", "communicated boundary colour change", map[string]any{
			"offer_id": offer.ID, "node": nodeID, "colour": colour, "to": counterpart,
		})
		out = append(out, p.offerMove(*offer, turn))
	}
	return out
}

// proposeJoint enumerates candidate colourings of the counterpart's free
// boundary nodes, solves this partition exhaustively against each, and
// proposes the best surviving configuration as a conditional offer. Candidates
// carrying a marked impossibility are discarded before proposal.
func (p *Party) proposeJoint(counterpart string, turn int, reason string) (domain.Move, bool) {
	theirNodes := p.freeBoundaryOf(counterpart)
	if len(theirNodes) == 0 {
		return domain.Move{}, false
	}
	if len(theirNodes) > p.cfg.ExhaustiveCeiling {
		p.logger.Printf("party=%s joint search with %s skipped: %d boundary nodes exceed ceiling %d",
			p.id, counterpart, len(theirNodes), p.cfg.ExhaustiveCeiling)
		return domain.Move{}, false
	}

	type candidate struct {
		conditions map[string]string
		result     solver.Result
		utility    float64
	}
	var best *candidate
	filtered := 0

	p.enumerateColourings(theirNodes, func(combo map[string]string) {
		hypBeliefs := p.beliefs.Snapshot()
		for node, colour := range combo {
			hypBeliefs[node] = colour
		}
		res, err := p.solver.Exhaustive(p.id, p.commitments, hypBeliefs)
		if err != nil {
			return
		}

		joint := map[string]string{}
		for node, colour := range combo {
			joint[node] = colour
		}
		for _, nodeID := range p.prob.BoundaryNodesWith(p.id, counterpart) {
			joint[nodeID] = res.Assignments[nodeID]
		}
		if !p.ledger.Allows(counterpart, joint) {
			filtered++
			return
		}

		utility := p.solver.PreferenceTotal(p.id, res.Assignments)
		for node, colour := range combo {
			utility += p.prob.Preference(node, colour)
		}
		// Rank: conflicts ascending, combined utility descending. Enumeration
		// is in colour-domain order, so equal candidates resolve lexically.
		if best == nil ||
			res.Conflicts < best.result.Conflicts ||
			(res.Conflicts == best.result.Conflicts && utility > best.utility) {
			c := candidate{conditions: copyColours(combo), result: res, utility: utility}
			c.result.Assignments = copyColours(res.Assignments)
			best = &c
		}
	})

	if best == nil || best.result.Conflicts > 0 {
		p.recorder.Record(p.id, "offer_search_exhausted", "no zero-conflict candidate survived impossibility filtering", map[string]any{
			"counterpart": counterpart,
			"filtered":    filtered,
			"reason":      reason,
		})
		return domain.Move{}, false
	}

	conditions := make([]domain.Condition, 0, len(best.conditions))
	for _, node := range sortedKeys(best.conditions) {
		conditions = append(conditions, domain.Condition{Node: node, Colour: best.conditions[node], Owner: counterpart})
	}
	assignments := make([]domain.CommittedAssignment, 0)
	for _, nodeID := range p.prob.BoundaryNodesWith(p.id, counterpart) {
		assignments = append(assignments, domain.CommittedAssignment{Node: nodeID, Colour: best.result.Assignments[nodeID]})
	}
	if len(assignments) == 0 {
		return domain.Move{}, false
	}

	offer, err := p.ledger.Propose(p.sessionID, p.id, counterpart, conditions, assignments, turn)
	if err != nil {
		p.logger.Printf("party=%s propose joint offer failed: %v", p.id, err)
		return domain.Move{}, false
	}
	p.recorder.Record(p.id, "offer_proposed", reason, map[string]any{
		"offer_id":    offer.ID,
		"counterpart": counterpart,
		"conditions":  len(conditions),
		"assignments": len(assignments),
	})
	move := p.offerMove(*offer, turn)
	move.Reasons = []string{reason}
	return move, true
}

// answerQueries responds to feasibility queries received since the last turn.
// The evaluation works on copies and never touches durable state.
func (p *Party) answerQueries(turn int) []domain.Move {
	if len(p.pendingQueries) == 0 {
		return nil
	}
	queries := p.pendingQueries
	p.pendingQueries = nil

	var out []domain.Move
	for _, q := range queries {
		feasible, penalty, detail := p.FeasibilityQuery(q.Conditions)
		out = append(out, p.newMove(domain.MoveFeasibilityResponse, q.From, turn, func(m *domain.Move) {
			m.RefersTo = q.ID
			m.IsFeasible = feasible
			m.FeasibilityPenalty = penalty
			m.FeasibilityDetail = detail
		}))
	}
	return out
}

// FeasibilityQuery substitutes the given conditions into a belief snapshot,
// solves exhaustively, and reports whether a zero-penalty result exists. It
// mutates nothing: assignments, beliefs and ledger are untouched.
func (p *Party) FeasibilityQuery(conditions []domain.Condition) (bool, float64, string) {
	hypBeliefs := p.beliefs.Snapshot()
	pins := map[string]string{}
	for k, v := range p.commitments {
		pins[k] = v
	}
	for _, c := range conditions {
		if p.prob.Owner(c.Node) == p.id {
			if p.prob.Nodes[c.Node].Fixed == "" {
				pins[c.Node] = c.Colour
			} else if p.prob.Nodes[c.Node].Fixed != c.Colour {
				return false, p.cfg.ConflictPenalty, fmt.Sprintf("node %s is fixed to %s", c.Node, p.prob.Nodes[c.Node].Fixed)
			}
		} else {
			hypBeliefs[c.Node] = c.Colour
		}
	}

	res, err := p.solver.Exhaustive(p.id, pins, hypBeliefs)
	if err != nil {
		return false, 0, fmt.Sprintf("exhaustive evaluation unavailable: %v", err)
	}
	penalty := p.cfg.ConflictPenalty * float64(res.Conflicts)
	detail := fmt.Sprintf("%d conflicting edges at best assignment", res.Conflicts)
	return res.Conflicts == 0, penalty, detail
}

// IsSatisfied reports whether the party may declare itself content. A stale
// verdict is never served: any belief change forces re-evaluation first.
func (p *Party) IsSatisfied() bool {
	if p.beliefs.ChangedSinceCheck() || !p.satisfiedValid {
		p.refreshSatisfaction()
	}
	return p.satisfied
}

// refreshSatisfaction recomputes the satisfaction predicate: the penalty of
// the actual current assignment must be exactly zero, and no exhaustively
// found alternative may strictly lower it. Zero conflicts is already the
// floor, so an unresolved conflict keeps the party unsatisfied forever even
// when it cannot act unilaterally.
func (p *Party) refreshSatisfaction() {
	conflicts := p.currentConflicts()
	satisfied := conflicts == 0
	if conflicts > 0 {
		if res, err := p.solver.Exhaustive(p.id, p.commitments, p.beliefs.Snapshot()); err == nil && res.Conflicts < conflicts {
			// A strictly better local assignment exists; the party is not at
			// a local optimum and must keep working.
			satisfied = false
		}
	}
	p.satisfied = satisfied
	p.satisfiedValid = true
	p.beliefs.MarkChecked()
}

// Penalty is the conflict cost of the party's actual assignment under current
// beliefs.
func (p *Party) Penalty() float64 {
	return p.cfg.ConflictPenalty * float64(p.currentConflicts())
}

// State snapshots the party for the engine API.
func (p *Party) State() domain.PartyState {
	return domain.PartyState{
		ID:          p.id,
		Assignments: copyColours(p.assignments),
		Beliefs:     p.beliefs.Snapshot(),
		Penalty:     p.Penalty(),
		Satisfied:   p.IsSatisfied(),
	}
}

// Offers returns the party's full offer ledger in insertion order.
func (p *Party) Offers() []domain.Offer {
	return p.ledger.All()
}

func (p *Party) currentConflicts() int {
	return p.solver.Conflicts(p.id, p.assignments, p.beliefs.Snapshot())
}

func (p *Party) freeBoundaryOf(counterpart string) []string {
	var out []string
	for _, nodeID := range p.prob.BoundaryNodesWith(counterpart, p.id) {
		if p.prob.Nodes[nodeID].Fixed == "" {
			out = append(out, nodeID)
		}
	}
	return out
}

// enumerateColourings walks every colour combination over the given nodes in
// domain order, reusing one scratch map.
func (p *Party) enumerateColourings(nodes []string, visit func(map[string]string)) {
	if len(nodes) == 0 {
		return
	}
	counters := make([]int, len(nodes))
	scratch := map[string]string{}
	for {
		for i, id := range nodes {
			scratch[id] = p.prob.Colours[counters[i]]
		}
		visit(scratch)

		pos := len(nodes) - 1
		for pos >= 0 {
			counters[pos]++
			if counters[pos] < len(p.prob.Colours) {
				break
			}
			counters[pos] = 0
			pos--
		}
		if pos < 0 {
			return
		}
	}
}

func (p *Party) markAnnounced(counterpart, nodeID, colour string) {
	if p.announced[counterpart] == nil {
		p.announced[counterpart] = map[string]string{}
	}
	p.announced[counterpart][nodeID] = colour
}

func (p *Party) offerMove(offer domain.Offer, turn int) domain.Move {
	return p.newMove(domain.MoveConditionalOffer, offer.Recipient, turn, func(m *domain.Move) {
		m.OfferID = offer.ID
		m.Conditions = offer.Conditions
		m.Assignments = offer.Assignments
	})
}

func (p *Party) newMove(kind domain.MoveKind, to string, turn int, fill func(*domain.Move)) domain.Move {
	m := domain.Move{
		ID:        p.cfg.NewID(),
		SessionID: p.sessionID,
		Kind:      kind,
		From:      p.id,
		To:        to,
		Turn:      turn,
	}
	if fill != nil {
		fill(&m)
	}
	return m
}

func mergePins(commitments, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(commitments)+len(overlay))
	for k, v := range commitments {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func copyColours(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
