package belief

import "testing"

func TestUpdateRaisesChangedFlagOnlyOnRealChange(t *testing.T) {
	s := New()
	if s.ChangedSinceCheck() {
		t.Fatalf("fresh store should not be marked changed")
	}

	s.Update("n1", "red")
	if !s.ChangedSinceCheck() {
		t.Fatalf("new belief should raise the changed flag")
	}
	s.MarkChecked()

	s.Update("n1", "red")
	if s.ChangedSinceCheck() {
		t.Fatalf("re-reporting the same colour must not raise the flag")
	}

	s.Update("n1", "green")
	if !s.ChangedSinceCheck() {
		t.Fatalf("colour change should raise the flag")
	}
	if c, ok := s.Get("n1"); !ok || c != "green" {
		t.Fatalf("get n1 = %q %v", c, ok)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.Update("n1", "red")

	snap := s.Snapshot()
	snap["n1"] = "blue"
	if c, _ := s.Get("n1"); c != "red" {
		t.Fatalf("mutating a snapshot leaked into the store")
	}
}

func TestKnownNodesSorted(t *testing.T) {
	s := New()
	s.Update("n2", "green")
	s.Update("n1", "red")

	if got := s.KnownNodes(); len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Fatalf("known nodes = %v", got)
	}
}
