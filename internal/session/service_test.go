package session

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"chroma_accord/internal/domain"
	"chroma_accord/internal/problem"
	"chroma_accord/internal/solver"
	sqlitestore "chroma_accord/internal/store/sqlite"
	"chroma_accord/internal/wire"
)

func newTestService(t *testing.T) (*Service, *sqlitestore.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	svc := New(store, Config{}, log.New(io.Discard, "", 0))
	return svc, store
}

func twoPartyProblem(t *testing.T) *problem.Problem {
	t.Helper()
	p, err := problem.New(
		"two-region-map",
		[]string{"red", "green", "blue"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 2}},
			{ID: "a2", Owner: "alice", Fixed: "blue"},
			{ID: "b1", Owner: "bob", Preferences: map[string]float64{"red": 1, "green": 1}},
			{ID: "b2", Owner: "bob"},
		},
		[]problem.Edge{
			{A: "a1", B: "a2"},
			{A: "a1", B: "b1"},
			{A: "a2", B: "b2"},
			{A: "b1", B: "b2"},
		},
	)
	if err != nil {
		t.Fatalf("build problem: %v", err)
	}
	return p
}

func TestTwoPartySessionReachesConsensus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, twoPartyProblem(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess, err = svc.Run(ctx, sess.ID)
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if sess.Status != domain.SessionStatusAgreed {
		t.Fatalf("status = %s, want agreed (last error: %s)", sess.Status, sess.LastError)
	}

	states, err := svc.PartyStates(sess.ID)
	if err != nil {
		t.Fatalf("party states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d parties", len(states))
	}
	for _, st := range states {
		if !st.Satisfied {
			t.Fatalf("party %s not satisfied at consensus", st.ID)
		}
		if st.Penalty != 0 {
			t.Fatalf("party %s penalty = %v at consensus", st.ID, st.Penalty)
		}
	}

	// The agreed colouring must be a valid colouring of the whole graph.
	colours := map[string]string{}
	for _, st := range states {
		for node, colour := range st.Assignments {
			colours[node] = colour
		}
	}
	for _, pair := range [][2]string{{"a1", "a2"}, {"a1", "b1"}, {"a2", "b2"}, {"b1", "b2"}} {
		if colours[pair[0]] == colours[pair[1]] {
			t.Fatalf("edge %s-%s has matching colour %s", pair[0], pair[1], colours[pair[0]])
		}
	}
}

func TestSessionTranscriptIsDeterministic(t *testing.T) {
	ctx := context.Background()

	// Two independent runs of the same problem must produce byte-identical
	// encoded moves: ids, timestamps, conditions, reasons, everything. Only
	// the session id is identity rather than content, so it is blanked
	// before encoding.
	runOnce := func() []string {
		svc, _ := newTestService(t)
		sess, err := svc.CreateSession(ctx, twoPartyProblem(t))
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		if _, err := svc.Run(ctx, sess.ID); err != nil {
			t.Fatalf("run session: %v", err)
		}
		moves, err := svc.ListMoves(ctx, sess.ID)
		if err != nil {
			t.Fatalf("list moves: %v", err)
		}
		encoded := make([]string, 0, len(moves))
		for _, m := range moves {
			m.SessionID = ""
			data, err := wire.Encode(m)
			if err != nil {
				t.Fatalf("encode move %s: %v", m.ID, err)
			}
			encoded = append(encoded, string(data))
		}
		return encoded
	}

	first := runOnce()
	second := runOnce()
	if len(first) != len(second) {
		t.Fatalf("transcript lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("transcripts diverge at move %d:\n%s\n%s", i, first[i], second[i])
		}
	}
}

func TestInfeasibleProblemFailsAtCreation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	p, err := problem.New(
		"doomed-triangle",
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
	if err != nil {
		t.Fatalf("build problem: %v", err)
	}

	if _, err := svc.CreateSession(ctx, p); !errors.Is(err, solver.ErrInfeasibleProblem) {
		t.Fatalf("err = %v, want ErrInfeasibleProblem", err)
	}

	// The failed attempt is still on record for audit.
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != domain.SessionStatusFailed {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestSessionExhaustsAtTurnCap(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	svc := New(store, Config{MaxTurns: 1}, log.New(io.Discard, "", 0))

	sess, err := svc.CreateSession(ctx, twoPartyProblem(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess, err = svc.Run(ctx, sess.ID)
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if sess.Status != domain.SessionStatusExhausted {
		t.Fatalf("status = %s, want exhausted", sess.Status)
	}

	// A closed session refuses further steps.
	if _, err := svc.Step(ctx, sess.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("step on closed session err = %v", err)
	}
}

func TestForceColourRoutesToLiveParty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, twoPartyProblem(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := svc.ForceColour(sess.ID, "alice", "a1", "green"); err != nil {
		t.Fatalf("force colour: %v", err)
	}
	if err := svc.ForceColour(sess.ID, "carol", "a1", "green"); err == nil {
		t.Fatalf("unknown party accepted")
	}
	if err := svc.ForceColour("missing", "alice", "a1", "green"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}

	if _, err := svc.Step(ctx, sess.ID); err != nil {
		t.Fatalf("step: %v", err)
	}
	states, err := svc.PartyStates(sess.ID)
	if err != nil {
		t.Fatalf("party states: %v", err)
	}
	for _, st := range states {
		if st.ID == "alice" && st.Assignments["a1"] != "green" {
			t.Fatalf("override not applied, a1 = %q", st.Assignments["a1"])
		}
	}
}
