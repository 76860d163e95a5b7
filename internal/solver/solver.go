package solver

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"chroma_accord/internal/problem"
)

var (
	// ErrSearchSpaceTooLarge means the free-node count exceeds the configured
	// ceiling, so exhaustive answers cannot be guaranteed.
	ErrSearchSpaceTooLarge = errors.New("exhaustive search space exceeds configured ceiling")
	// ErrInfeasibleProblem means no zero-conflict global assignment exists.
	ErrInfeasibleProblem = errors.New("problem has no zero-conflict global assignment")
)

type Config struct {
	ConflictPenalty      float64
	ImprovementThreshold float64
	ExhaustiveCeiling    int
}

func (c Config) withDefaults() Config {
	if c.ConflictPenalty <= 0 {
		c.ConflictPenalty = 100
	}
	if c.ImprovementThreshold <= 0 {
		c.ImprovementThreshold = 0.5
	}
	if c.ExhaustiveCeiling <= 0 {
		c.ExhaustiveCeiling = 12
	}
	return c
}

// Result is one solved colouring of a party's partition. Score folds conflicts
// and preferences into a single minimised quantity; Conflicts alone decides
// feasibility and satisfaction.
type Result struct {
	Assignments map[string]string
	Conflicts   int
	Score       float64
	Exhaustive  bool
}

type Solver struct {
	problem *problem.Problem
	cfg     Config
	logger  *log.Logger
}

// New builds a solver. The conflict penalty is raised above the problem's
// maximum preference spread if the configured value does not dominate it;
// otherwise the greedy pass could rationally keep a conflict to save a
// preference point.
func New(p *problem.Problem, cfg Config, logger *log.Logger) *Solver {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if spread := p.MaxPreferenceSpread(); cfg.ConflictPenalty <= spread {
		adjusted := spread + 1
		logger.Printf("conflict penalty %.2f does not dominate preference spread %.2f, raising to %.2f",
			cfg.ConflictPenalty, spread, adjusted)
		cfg.ConflictPenalty = adjusted
	}
	return &Solver{problem: p, cfg: cfg, logger: logger}
}

// Solve produces a complete colouring of the party's partition. Fixed colours,
// standing commitments (pinned) and one-shot forced overrides are applied
// verbatim. If the greedy pass does not move relative to prev and no override
// was just applied, snap-to-best runs an exhaustive search and adopts its
// result only on a clear improvement.
func (s *Solver) Solve(party string, prev, pinned, forced, beliefs map[string]string) Result {
	overlay := mergeOverlays(pinned, forced)
	greedy := s.greedy(party, overlay, beliefs)

	if len(forced) == 0 && prev != nil && sameAssignment(greedy.Assignments, prev) {
		ex, err := s.Exhaustive(party, pinned, beliefs)
		if err != nil {
			if errors.Is(err, ErrSearchSpaceTooLarge) {
				s.logger.Printf("party=%s snap-to-best skipped: %v (result is heuristic only)", party, err)
			}
			return greedy
		}
		if greedy.Score-ex.Score > s.cfg.ImprovementThreshold {
			return ex
		}
	}
	return greedy
}

// Exhaustive enumerates every colouring of the party's free nodes not pinned by
// the overlay and returns the provably minimal-score one. Enumeration follows
// domain order node by node, so ties resolve lexically by colour domain.
func (s *Solver) Exhaustive(party string, pinned, beliefs map[string]string) (Result, error) {
	base := s.baseAssignment(party, pinned)
	free := make([]string, 0)
	for _, id := range s.problem.FreeOwned(party) {
		if _, ok := base[id]; !ok {
			free = append(free, id)
		}
	}
	if len(free) > s.cfg.ExhaustiveCeiling {
		return Result{}, fmt.Errorf("party %s has %d free nodes: %w", party, len(free), ErrSearchSpaceTooLarge)
	}

	best := Result{Exhaustive: true}
	first := true
	s.enumerate(free, base, func(candidate map[string]string) {
		conflicts := s.countConflicts(party, candidate, beliefs)
		score := s.cfg.ConflictPenalty*float64(conflicts) - s.preferenceTotal(party, candidate)
		if first || score < best.Score {
			first = false
			best.Assignments = copyAssignment(candidate)
			best.Conflicts = conflicts
			best.Score = score
		}
	})
	return best, nil
}

// Penalty is the conflict-only cost of an assignment over all edges touching
// the party's owned nodes, given current beliefs. Zero means no conflicts.
// The internal conflict penalty may have been raised above the configured one
// to dominate the preference spread, so callers pricing conflicts themselves
// should use Conflicts instead of back-dividing this value.
func (s *Solver) Penalty(party string, assignments, beliefs map[string]string) float64 {
	return s.cfg.ConflictPenalty * float64(s.countConflicts(party, assignments, beliefs))
}

// Conflicts counts the same-colour edges touching the party's owned nodes,
// given current beliefs.
func (s *Solver) Conflicts(party string, assignments, beliefs map[string]string) int {
	return s.countConflicts(party, assignments, beliefs)
}

// ConflictedBoundary returns the party's nodes currently in conflict with the
// given counterpart's believed colours, sorted.
func (s *Solver) ConflictedBoundary(party, counterpart string, assignments, beliefs map[string]string) []string {
	set := map[string]bool{}
	for _, e := range s.problem.Edges {
		ours, theirs := e.A, e.B
		if s.problem.Owner(ours) != party {
			ours, theirs = theirs, ours
		}
		if s.problem.Owner(ours) != party || s.problem.Owner(theirs) != counterpart {
			continue
		}
		oc, ok := s.colourOf(party, ours, assignments, beliefs)
		if !ok {
			continue
		}
		tc, ok := beliefs[theirs]
		if ok && oc == tc {
			set[ours] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GlobalSolvable runs the exhaustive routine over the entire multi-party
// problem and fails if no zero-conflict assignment exists. Meant for the
// one-time pre-flight check before any negotiation starts.
func (s *Solver) GlobalSolvable() error {
	fixed := map[string]string{}
	var free []string
	for id, n := range s.problem.Nodes {
		if n.Fixed != "" {
			fixed[id] = n.Fixed
		} else {
			free = append(free, id)
		}
	}
	sort.Strings(free)
	if len(free) > s.cfg.ExhaustiveCeiling {
		return fmt.Errorf("global pre-check over %d free nodes: %w", len(free), ErrSearchSpaceTooLarge)
	}

	found := false
	s.enumerate(free, fixed, func(candidate map[string]string) {
		if found {
			return
		}
		if s.globalConflicts(candidate) == 0 {
			found = true
		}
	})
	if !found {
		return ErrInfeasibleProblem
	}
	return nil
}

func (s *Solver) greedy(party string, forced, beliefs map[string]string) Result {
	assignments := s.baseAssignment(party, forced)
	for _, id := range s.problem.FreeOwned(party) {
		if _, ok := assignments[id]; ok {
			continue
		}
		bestColour := ""
		bestCost := 0.0
		for i, colour := range s.problem.Colours {
			clashes := 0
			for _, nb := range s.problem.Neighbours(id) {
				nc, ok := s.colourOf(party, nb, assignments, beliefs)
				if ok && nc == colour {
					clashes++
				}
			}
			cost := s.cfg.ConflictPenalty*float64(clashes) - s.problem.Preference(id, colour)
			if i == 0 || cost < bestCost {
				bestColour = colour
				bestCost = cost
			}
		}
		assignments[id] = bestColour
	}
	conflicts := s.countConflicts(party, assignments, beliefs)
	return Result{
		Assignments: assignments,
		Conflicts:   conflicts,
		Score:       s.cfg.ConflictPenalty*float64(conflicts) - s.preferenceTotal(party, assignments),
	}
}

// baseAssignment is the immovable part of a party's colouring: fixed nodes
// plus any overlay (forced overrides or pinned hypotheticals).
func (s *Solver) baseAssignment(party string, overlay map[string]string) map[string]string {
	out := map[string]string{}
	for _, id := range s.problem.Owned(party) {
		if f := s.problem.Nodes[id].Fixed; f != "" {
			out[id] = f
		}
	}
	for id, c := range overlay {
		if s.problem.Owner(id) == party && s.problem.Nodes[id].Fixed == "" {
			out[id] = c
		}
	}
	return out
}

// enumerate walks every completion of base over the free nodes, domain order
// innermost-last, invoking visit with a reused scratch map.
func (s *Solver) enumerate(free []string, base map[string]string, visit func(map[string]string)) {
	scratch := copyAssignment(base)
	if len(free) == 0 {
		visit(scratch)
		return
	}
	counters := make([]int, len(free))
	for {
		for i, id := range free {
			scratch[id] = s.problem.Colours[counters[i]]
		}
		visit(scratch)

		pos := len(free) - 1
		for pos >= 0 {
			counters[pos]++
			if counters[pos] < len(s.problem.Colours) {
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

func (s *Solver) countConflicts(party string, assignments, beliefs map[string]string) int {
	conflicts := 0
	for _, e := range s.problem.Edges {
		aOwned := s.problem.Owner(e.A) == party
		bOwned := s.problem.Owner(e.B) == party
		if !aOwned && !bOwned {
			continue
		}
		ac, aok := s.colourOf(party, e.A, assignments, beliefs)
		bc, bok := s.colourOf(party, e.B, assignments, beliefs)
		if aok && bok && ac == bc {
			conflicts++
		}
	}
	return conflicts
}

func (s *Solver) globalConflicts(assignments map[string]string) int {
	conflicts := 0
	for _, e := range s.problem.Edges {
		ac, aok := assignments[e.A]
		bc, bok := assignments[e.B]
		if aok && bok && ac == bc {
			conflicts++
		}
	}
	return conflicts
}

// colourOf resolves a node's colour from the party's viewpoint: owned nodes
// from the assignment (falling back to their fixed colour), external nodes
// from beliefs only. Unknown external colours never count as conflicts.
func (s *Solver) colourOf(party, nodeID string, assignments, beliefs map[string]string) (string, bool) {
	if s.problem.Owner(nodeID) == party {
		if c, ok := assignments[nodeID]; ok {
			return c, true
		}
		if f := s.problem.Nodes[nodeID].Fixed; f != "" {
			return f, true
		}
		return "", false
	}
	if f := s.problem.Nodes[nodeID].Fixed; f != "" {
		return f, true
	}
	c, ok := beliefs[nodeID]
	return c, ok
}

// PreferenceTotal sums the preference scores of the party's assigned nodes.
func (s *Solver) PreferenceTotal(party string, assignments map[string]string) float64 {
	return s.preferenceTotal(party, assignments)
}

func (s *Solver) preferenceTotal(party string, assignments map[string]string) float64 {
	var total float64
	for _, id := range s.problem.Owned(party) {
		if c, ok := assignments[id]; ok {
			total += s.problem.Preference(id, c)
		}
	}
	return total
}

func mergeOverlays(pinned, forced map[string]string) map[string]string {
	if len(pinned) == 0 && len(forced) == 0 {
		return nil
	}
	out := make(map[string]string, len(pinned)+len(forced))
	for k, v := range pinned {
		out[k] = v
	}
	for k, v := range forced {
		out[k] = v
	}
	return out
}

func sameAssignment(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyAssignment(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
