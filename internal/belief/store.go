package belief

import "sort"

// Store holds a party's last-told colours for externally-owned nodes. Entries
// are written only on explicit report or protocol commitment, never inferred.
type Store struct {
	colours map[string]string
	changed bool
}

func New() *Store {
	return &Store{colours: make(map[string]string)}
}

// Update overwrites the belief for a node and raises the changed flag so a
// stale satisfaction verdict cannot survive a neighbour's colour change.
func (s *Store) Update(nodeID, colour string) {
	if prev, ok := s.colours[nodeID]; ok && prev == colour {
		return
	}
	s.colours[nodeID] = colour
	s.changed = true
}

// Get returns the believed colour and whether anything is known about the node.
func (s *Store) Get(nodeID string) (string, bool) {
	c, ok := s.colours[nodeID]
	return c, ok
}

// Snapshot copies the full belief map.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string, len(s.colours))
	for k, v := range s.colours {
		out[k] = v
	}
	return out
}

// ChangedSinceCheck reports whether any belief changed since the last
// satisfaction check.
func (s *Store) ChangedSinceCheck() bool {
	return s.changed
}

// MarkChecked clears the change flag after a satisfaction re-evaluation.
func (s *Store) MarkChecked() {
	s.changed = false
}

// KnownNodes returns the sorted node ids with a recorded belief.
func (s *Store) KnownNodes() []string {
	out := make([]string, 0, len(s.colours))
	for id := range s.colours {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
