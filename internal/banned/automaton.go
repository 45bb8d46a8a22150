// Package banned screens message text against a configurable list of
// prohibited words using an Aho-Corasick automaton. Lookup cost is linear in
// the text length regardless of how many words are on the list, which is why
// this exists instead of looping strings.Contains over hundreds of terms.
package banned

import (
	"errors"
	"strings"
)

// ErrNoPatterns is returned when an automaton is built from an empty (or
// all-blank) word list.
var ErrNoPatterns = errors.New("banned: pattern set is empty")

// node is one trie state. Nodes live in the automaton's arena slice and
// reference each other by index, so a rebuild throws away the whole arena at
// once and the failure links cannot form ownership cycles.
type node struct {
	next    map[rune]int32 // outgoing transitions
	fail    int32          // longest proper suffix that is also a trie path
	outputs []string       // patterns ending here, inherited from fail
}

const rootState int32 = 0

// Automaton is an immutable multi-pattern matcher. Build it once with
// NewAutomaton; afterwards it is safe for unbounded concurrent lookups.
type Automaton struct {
	nodes []node
}

// Match reports one pattern occurrence found by Matches.
type Match struct {
	Pattern string
	// End is the rune index just past the last rune of the match.
	End int
}

// NewAutomaton builds an automaton from the given patterns. Patterns are
// lowercased and deduplicated; blank entries are dropped. Returns
// ErrNoPatterns if nothing remains after normalization.
func NewAutomaton(patterns []string) (*Automaton, error) {
	normalized := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized[p] = struct{}{}
		}
	}
	if len(normalized) == 0 {
		return nil, ErrNoPatterns
	}

	a := &Automaton{nodes: []node{{next: make(map[rune]int32)}}}
	for p := range normalized {
		a.insert(p)
	}
	a.buildFailureLinks()
	return a, nil
}

// insert adds a single pattern to the trie, recording it as an output at the
// terminal node.
func (a *Automaton) insert(pattern string) {
	state := rootState
	for _, r := range pattern {
		child, ok := a.nodes[state].next[r]
		if !ok {
			child = int32(len(a.nodes))
			a.nodes = append(a.nodes, node{next: make(map[rune]int32)})
			a.nodes[state].next[r] = child
		}
		state = child
	}
	a.nodes[state].outputs = append(a.nodes[state].outputs, pattern)
}

// buildFailureLinks runs the breadth-first second pass: the root's children
// fail to the root, and every deeper node fails to the target reached by
// walking its parent's failure chain. Each node's output set absorbs its
// failure node's outputs so a single membership check per scanned rune
// suffices.
func (a *Automaton) buildFailureLinks() {
	queue := make([]int32, 0, len(a.nodes))

	a.nodes[rootState].fail = rootState
	for _, child := range a.nodes[rootState].next {
		a.nodes[child].fail = rootState
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for r, child := range a.nodes[current].next {
			fail := a.nodes[current].fail
			for fail != rootState {
				if _, ok := a.nodes[fail].next[r]; ok {
					break
				}
				fail = a.nodes[fail].fail
			}
			if target, ok := a.nodes[fail].next[r]; ok && target != child {
				a.nodes[child].fail = target
			} else {
				a.nodes[child].fail = rootState
			}

			a.nodes[child].outputs = append(a.nodes[child].outputs,
				a.nodes[a.nodes[child].fail].outputs...)

			queue = append(queue, child)
		}
	}
}

// step advances the scan cursor by one rune, following failure links until a
// transition exists or the root is reached.
func (a *Automaton) step(state int32, r rune) int32 {
	for state != rootState {
		if _, ok := a.nodes[state].next[r]; ok {
			break
		}
		state = a.nodes[state].fail
	}
	if target, ok := a.nodes[state].next[r]; ok {
		return target
	}
	return rootState
}

// Contains reports whether text contains any pattern as a contiguous
// substring. The input is lowercased before scanning. Returns on the first
// hit; which pattern matched is not reported.
func (a *Automaton) Contains(text string) bool {
	state := rootState
	for _, r := range strings.ToLower(text) {
		state = a.step(state, r)
		if len(a.nodes[state].outputs) > 0 {
			return true
		}
	}
	return false
}

// Matches is the debug variant of Contains: it scans the whole text and
// returns every pattern occurrence with its end position instead of
// short-circuiting.
func (a *Automaton) Matches(text string) []Match {
	var matches []Match
	state := rootState
	pos := 0
	for _, r := range strings.ToLower(text) {
		pos++
		state = a.step(state, r)
		for _, p := range a.nodes[state].outputs {
			matches = append(matches, Match{Pattern: p, End: pos})
		}
	}
	return matches
}

// outputsSuperset reports whether every node's output set contains its
// failure node's outputs. Construction invariant, checked by tests.
func (a *Automaton) outputsSuperset() bool {
	for i := range a.nodes {
		have := make(map[string]struct{}, len(a.nodes[i].outputs))
		for _, p := range a.nodes[i].outputs {
			have[p] = struct{}{}
		}
		for _, p := range a.nodes[a.nodes[i].fail].outputs {
			if _, ok := have[p]; !ok {
				return false
			}
		}
	}
	return true
}
