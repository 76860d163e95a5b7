package solver

import (
	"errors"
	"io"
	"log"
	"testing"

	"chroma_accord/internal/problem"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func mustProblem(t *testing.T, colours []string, nodes []problem.Node, edges []problem.Edge) *problem.Problem {
	t.Helper()
	p, err := problem.New("test", colours, nodes, edges)
	if err != nil {
		t.Fatalf("build problem: %v", err)
	}
	return p
}

func TestGreedyConflictDominatesPreference(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green", "blue"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 2}},
			{ID: "b1", Owner: "bob"},
		},
		[]problem.Edge{{A: "a1", B: "b1"}},
	)
	s := New(p, Config{}, quietLogger())

	res := s.Solve("alice", nil, nil, nil, map[string]string{"b1": "red"})
	if res.Assignments["a1"] == "red" {
		t.Fatalf("a1 kept the preferred colour despite a believed conflict")
	}
	if res.Conflicts != 0 {
		t.Fatalf("conflicts = %d, want 0", res.Conflicts)
	}
}

func TestPenaltyRaisedAbovePreferenceSpread(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 10}},
			{ID: "b1", Owner: "bob"},
		},
		[]problem.Edge{{A: "a1", B: "b1"}},
	)
	// A penalty of 2 would lose to the preference of 10 and keep the clash.
	s := New(p, Config{ConflictPenalty: 2}, quietLogger())

	res := s.Solve("alice", nil, nil, nil, map[string]string{"b1": "red"})
	if res.Assignments["a1"] != "green" {
		t.Fatalf("a1 = %q, want green after penalty adjustment", res.Assignments["a1"])
	}
}

func TestForcedOverrideAppliedEvenIntoConflict(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice"},
			{ID: "b1", Owner: "bob"},
		},
		[]problem.Edge{{A: "a1", B: "b1"}},
	)
	s := New(p, Config{}, quietLogger())
	beliefs := map[string]string{"b1": "red"}

	res := s.Solve("alice", nil, nil, map[string]string{"a1": "red"}, beliefs)
	if res.Assignments["a1"] != "red" {
		t.Fatalf("forced colour was not applied, got %q", res.Assignments["a1"])
	}
	if res.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", res.Conflicts)
	}
	if got := s.Penalty("alice", res.Assignments, beliefs); got != 100 {
		t.Fatalf("penalty = %v, want 100", got)
	}
}

func TestSnapToBestEscapesGreedyLocalOptimum(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 1}},
			{ID: "a2", Owner: "alice", Preferences: map[string]float64{"red": 5}},
		},
		[]problem.Edge{{A: "a1", B: "a2"}},
	)
	s := New(p, Config{}, quietLogger())

	greedy := s.Solve("alice", nil, nil, nil, nil)
	if greedy.Assignments["a1"] != "red" || greedy.Assignments["a2"] != "green" {
		t.Fatalf("unexpected greedy result %v", greedy.Assignments)
	}

	// Greedy repeats itself, so the exhaustive pass runs and finds the
	// swapped colouring worth 4 more preference points.
	res := s.Solve("alice", greedy.Assignments, nil, nil, nil)
	if !res.Exhaustive {
		t.Fatalf("expected snap-to-best to adopt the exhaustive result")
	}
	if res.Assignments["a1"] != "green" || res.Assignments["a2"] != "red" {
		t.Fatalf("snap-to-best result %v", res.Assignments)
	}
}

func TestSnapToBestSkippedWhileOverrideActive(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 1}},
			{ID: "a2", Owner: "alice", Preferences: map[string]float64{"red": 5}},
		},
		[]problem.Edge{{A: "a1", B: "a2"}},
	)
	s := New(p, Config{}, quietLogger())
	prev := map[string]string{"a1": "red", "a2": "green"}

	res := s.Solve("alice", prev, nil, map[string]string{"a1": "red"}, nil)
	if res.Exhaustive {
		t.Fatalf("snap-to-best must not run while an override is being applied")
	}
	if res.Assignments["a1"] != "red" {
		t.Fatalf("override dropped, got %v", res.Assignments)
	}
}

func TestExhaustiveHonoursCeiling(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice"},
			{ID: "a2", Owner: "alice"},
			{ID: "a3", Owner: "alice"},
		},
		nil,
	)
	s := New(p, Config{ExhaustiveCeiling: 2}, quietLogger())

	if _, err := s.Exhaustive("alice", nil, nil); !errors.Is(err, ErrSearchSpaceTooLarge) {
		t.Fatalf("err = %v, want ErrSearchSpaceTooLarge", err)
	}
}

func TestExhaustiveRespectsPins(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 5}},
			{ID: "a2", Owner: "alice"},
		},
		[]problem.Edge{{A: "a1", B: "a2"}},
	)
	s := New(p, Config{}, quietLogger())

	res, err := s.Exhaustive("alice", map[string]string{"a1": "green"}, nil)
	if err != nil {
		t.Fatalf("exhaustive: %v", err)
	}
	if res.Assignments["a1"] != "green" {
		t.Fatalf("pinned colour was not kept, got %v", res.Assignments)
	}
	if res.Assignments["a2"] != "red" {
		t.Fatalf("free node should avoid the pinned colour, got %v", res.Assignments)
	}
}

func TestConflictedBoundarySortsConflictingNodes(t *testing.T) {
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "a1", Owner: "alice"},
			{ID: "a2", Owner: "alice"},
			{ID: "b1", Owner: "bob"},
			{ID: "b2", Owner: "bob"},
		},
		[]problem.Edge{
			{A: "a2", B: "b2"},
			{A: "a1", B: "b1"},
		},
	)
	s := New(p, Config{}, quietLogger())

	got := s.ConflictedBoundary("alice", "bob",
		map[string]string{"a1": "red", "a2": "green"},
		map[string]string{"b1": "red", "b2": "green"},
	)
	if len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Fatalf("conflicted boundary = %v", got)
	}

	got = s.ConflictedBoundary("alice", "bob",
		map[string]string{"a1": "red", "a2": "green"},
		map[string]string{"b1": "green"},
	)
	if len(got) != 0 {
		t.Fatalf("unknown beliefs must not count as conflicts, got %v", got)
	}
}

func TestGlobalSolvableDetectsInfeasibleProblem(t *testing.T) {
	// A two-coloured triangle has no conflict-free assignment.
	p := mustProblem(t,
		[]string{"red", "green"},
		[]problem.Node{
			{ID: "x1", Owner: "alice"},
			{ID: "x2", Owner: "alice"},
			{ID: "y1", Owner: "bob"},
		},
		[]problem.Edge{
			{A: "x1", B: "x2"},
			{A: "x1", B: "y1"},
			{A: "x2", B: "y1"},
		},
	)
	s := New(p, Config{}, quietLogger())
	if err := s.GlobalSolvable(); !errors.Is(err, ErrInfeasibleProblem) {
		t.Fatalf("err = %v, want ErrInfeasibleProblem", err)
	}

	solvable := mustProblem(t,
		[]string{"red", "green", "blue"},
		[]problem.Node{
			{ID: "x1", Owner: "alice"},
			{ID: "x2", Owner: "alice"},
			{ID: "y1", Owner: "bob"},
		},
		[]problem.Edge{
			{A: "x1", B: "x2"},
			{A: "x1", B: "y1"},
			{A: "x2", B: "y1"},
		},
	)
	if err := New(solvable, Config{}, quietLogger()).GlobalSolvable(); err != nil {
		t.Fatalf("three colours should suffice: %v", err)
	}
}
