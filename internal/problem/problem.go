package problem

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Node is one vertex of the shared graph. Fixed, when non-empty, pins the
// colour for the whole run. Preferences map colour -> score; absent colours
// score zero.
type Node struct {
	ID          string             `toml:"id"`
	Owner       string             `toml:"owner"`
	Fixed       string             `toml:"fixed"`
	Preferences map[string]float64 `toml:"preferences"`
}

// Edge is an unordered pair of node identifiers.
type Edge struct {
	A string `toml:"a"`
	B string `toml:"b"`
}

// Problem is the static shared graph-colouring problem: every party holds the
// same definition, partial observability applies only to colours at runtime.
type Problem struct {
	Name    string `toml:"name"`
	Colours []string
	Nodes   map[string]Node
	Edges   []Edge

	adjacency map[string][]string
	parties   []string
}

type fileFormat struct {
	Name    string   `toml:"name"`
	Colours []string `toml:"colours"`
	Nodes   []Node   `toml:"node"`
	Edges   []Edge   `toml:"edge"`
}

// Load reads a problem definition from a TOML file and validates it.
func Load(path string) (*Problem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem file %s: %w", path, err)
	}
	var f fileFormat
	if _, err := toml.Decode(string(raw), &f); err != nil {
		return nil, fmt.Errorf("decode problem file: %w", err)
	}
	return New(f.Name, f.Colours, f.Nodes, f.Edges)
}

// New builds and validates a problem from its parts.
func New(name string, colours []string, nodes []Node, edges []Edge) (*Problem, error) {
	if len(colours) == 0 {
		return nil, fmt.Errorf("problem has no colours")
	}
	seen := map[string]bool{}
	for _, c := range colours {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("empty colour in domain")
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate colour %q in domain", c)
		}
		seen[c] = true
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("problem has no nodes")
	}

	p := &Problem{
		Name:      name,
		Colours:   append([]string(nil), colours...),
		Nodes:     make(map[string]Node, len(nodes)),
		adjacency: make(map[string][]string),
	}
	partySet := map[string]bool{}
	for _, n := range nodes {
		n.ID = strings.TrimSpace(n.ID)
		n.Owner = strings.TrimSpace(n.Owner)
		if n.ID == "" {
			return nil, fmt.Errorf("node id is required")
		}
		if n.Owner == "" {
			return nil, fmt.Errorf("node %s has no owner", n.ID)
		}
		if _, exists := p.Nodes[n.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		if n.Fixed != "" && !seen[n.Fixed] {
			return nil, fmt.Errorf("node %s fixed to unknown colour %q", n.ID, n.Fixed)
		}
		for c := range n.Preferences {
			if !seen[c] {
				return nil, fmt.Errorf("node %s has preference for unknown colour %q", n.ID, c)
			}
		}
		p.Nodes[n.ID] = n
		partySet[n.Owner] = true
	}
	for _, e := range edges {
		if e.A == e.B {
			return nil, fmt.Errorf("edge %s-%s is a self loop", e.A, e.B)
		}
		if _, ok := p.Nodes[e.A]; !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.A)
		}
		if _, ok := p.Nodes[e.B]; !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.B)
		}
		p.Edges = append(p.Edges, e)
		p.adjacency[e.A] = append(p.adjacency[e.A], e.B)
		p.adjacency[e.B] = append(p.adjacency[e.B], e.A)
	}
	for id := range p.adjacency {
		sort.Strings(p.adjacency[id])
	}
	for party := range partySet {
		p.parties = append(p.parties, party)
	}
	sort.Strings(p.parties)
	return p, nil
}

// Parties returns all owning parties in sorted order.
func (p *Problem) Parties() []string {
	return append([]string(nil), p.parties...)
}

// Owner returns the owning party of a node, or "" if the node is unknown.
func (p *Problem) Owner(nodeID string) string {
	return p.Nodes[nodeID].Owner
}

// HasNode reports whether the node exists.
func (p *Problem) HasNode(nodeID string) bool {
	_, ok := p.Nodes[nodeID]
	return ok
}

// HasColour reports whether the colour is in the shared domain.
func (p *Problem) HasColour(colour string) bool {
	return p.ColourIndex(colour) >= 0
}

// ColourIndex returns the domain position of a colour, or -1.
func (p *Problem) ColourIndex(colour string) int {
	for i, c := range p.Colours {
		if c == colour {
			return i
		}
	}
	return -1
}

// Neighbours returns the adjacent node ids of a node in sorted order.
func (p *Problem) Neighbours(nodeID string) []string {
	return p.adjacency[nodeID]
}

// Owned returns the sorted ids of nodes owned by a party.
func (p *Problem) Owned(party string) []string {
	var out []string
	for id, n := range p.Nodes {
		if n.Owner == party {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FreeOwned returns the sorted ids of the party's non-fixed nodes.
func (p *Problem) FreeOwned(party string) []string {
	var out []string
	for id, n := range p.Nodes {
		if n.Owner == party && n.Fixed == "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BoundaryNodes returns the sorted ids of the party's nodes that have at least
// one edge crossing into another party's partition.
func (p *Problem) BoundaryNodes(party string) []string {
	var out []string
	for id, n := range p.Nodes {
		if n.Owner != party {
			continue
		}
		for _, nb := range p.adjacency[id] {
			if p.Nodes[nb].Owner != party {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// BoundaryNodesWith returns the sorted ids of the party's nodes sharing an edge
// with the given counterpart.
func (p *Problem) BoundaryNodesWith(party, counterpart string) []string {
	var out []string
	for id, n := range p.Nodes {
		if n.Owner != party {
			continue
		}
		for _, nb := range p.adjacency[id] {
			if p.Nodes[nb].Owner == counterpart {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Counterparts returns the sorted parties adjacent to the given party.
func (p *Problem) Counterparts(party string) []string {
	set := map[string]bool{}
	for id, n := range p.Nodes {
		if n.Owner != party {
			continue
		}
		for _, nb := range p.adjacency[id] {
			if owner := p.Nodes[nb].Owner; owner != party {
				set[owner] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for party := range set {
		out = append(out, party)
	}
	sort.Strings(out)
	return out
}

// Preference returns the preference score of colouring node with colour.
func (p *Problem) Preference(nodeID, colour string) float64 {
	return p.Nodes[nodeID].Preferences[colour]
}

// MaxPreferenceSpread returns the largest difference between any node's best
// and worst colour preference. The solver's conflict penalty must dominate it.
func (p *Problem) MaxPreferenceSpread() float64 {
	var spread float64
	for _, n := range p.Nodes {
		var lo, hi float64
		for _, c := range p.Colours {
			v := n.Preferences[c]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi-lo > spread {
			spread = hi - lo
		}
	}
	return spread
}
