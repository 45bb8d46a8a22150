package banned

import (
	"strings"
	"sync/atomic"
)

// Checker wraps an Automaton behind an atomic pointer so the banned-word
// list can be reloaded at runtime without pausing message traffic. Lookups
// always see either the old or the new automaton, never a partial build.
type Checker struct {
	automaton atomic.Pointer[Automaton]
}

// NewChecker builds a checker from the initial word list. Fails with
// ErrNoPatterns if the normalized list is empty.
func NewChecker(words []string) (*Checker, error) {
	c := &Checker{}
	if err := c.Reload(words); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload builds a fresh automaton from words and swaps it in. On error the
// previous automaton stays active.
func (c *Checker) Reload(words []string) error {
	a, err := NewAutomaton(words)
	if err != nil {
		return err
	}
	c.automaton.Store(a)
	return nil
}

// Contains reports whether message contains a banned word. Blank messages
// never match.
func (c *Checker) Contains(message string) bool {
	if strings.TrimSpace(message) == "" {
		return false
	}
	return c.automaton.Load().Contains(message)
}

// DebugMatches returns every banned word found in message with its end
// position. Intended for moderator tooling, not the hot path.
func (c *Checker) DebugMatches(message string) []Match {
	return c.automaton.Load().Matches(message)
}
