// Package experiment validates research configurations that alter a bout
// and compiles them into pure lookup functions the engine consults per turn.
package experiment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CurrentVersion is the only config version accepted.
const CurrentVersion = 1

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid experiment config")

// Injection appends Content to the target agent's system message. Turn
// selects one exact turn; AfterTurn selects every turn strictly after it.
// Exactly one of the two must be set.
type Injection struct {
	Turn             *int   `json:"turn,omitempty" yaml:"turn,omitempty"`
	AfterTurn        *int   `json:"after_turn,omitempty" yaml:"after_turn,omitempty"`
	TargetAgentIndex int    `json:"target_agent_index" yaml:"target_agent_index"`
	Content          string `json:"content" yaml:"content"`
}

func (in Injection) applies(turn, agentIndex int) bool {
	if agentIndex != in.TargetAgentIndex {
		return false
	}
	if in.Turn != nil {
		return turn == *in.Turn
	}
	return turn > *in.AfterTurn
}

// ScriptedTurn replaces generation at Turn with fixed Content.
type ScriptedTurn struct {
	Turn       int    `json:"turn" yaml:"turn"`
	AgentIndex int    `json:"agent_index" yaml:"agent_index"`
	Content    string `json:"content" yaml:"content"`
}

// Config is the externally supplied experiment definition.
type Config struct {
	Version          int            `json:"version" yaml:"version"`
	PromptInjections []Injection    `json:"prompt_injections,omitempty" yaml:"prompt_injections,omitempty"`
	ScriptedTurns    []ScriptedTurn `json:"scripted_turns,omitempty" yaml:"scripted_turns,omitempty"`
}

// Empty reports whether the config changes nothing.
func (c *Config) Empty() bool {
	return c == nil || (len(c.PromptInjections) == 0 && len(c.ScriptedTurns) == 0)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the config against a bout with maxTurns turns and
// agentCount agents. A scripted turn must name the agent whose turn it
// already is under round-robin order.
func (c *Config) Validate(maxTurns, agentCount int) error {
	if c == nil {
		return nil
	}
	if c.Version != CurrentVersion {
		return invalid("unsupported version %d", c.Version)
	}
	if agentCount <= 0 {
		return invalid("no agents")
	}

	for i, in := range c.PromptInjections {
		switch {
		case in.Turn == nil && in.AfterTurn == nil:
			return invalid("prompt_injections[%d]: one of turn or after_turn is required", i)
		case in.Turn != nil && in.AfterTurn != nil:
			return invalid("prompt_injections[%d]: turn and after_turn are mutually exclusive", i)
		case in.Turn != nil && (*in.Turn < 0 || *in.Turn >= maxTurns):
			return invalid("prompt_injections[%d].turn %d out of range [0,%d)", i, *in.Turn, maxTurns)
		case in.AfterTurn != nil && (*in.AfterTurn < 0 || *in.AfterTurn >= maxTurns):
			return invalid("prompt_injections[%d].after_turn %d out of range [0,%d)", i, *in.AfterTurn, maxTurns)
		}
		if in.TargetAgentIndex < 0 || in.TargetAgentIndex >= agentCount {
			return invalid("prompt_injections[%d].target_agent_index %d exceeds agent count %d", i, in.TargetAgentIndex, agentCount)
		}
		if strings.TrimSpace(in.Content) == "" {
			return invalid("prompt_injections[%d].content is empty", i)
		}
	}

	seen := make(map[int]bool, len(c.ScriptedTurns))
	for i, st := range c.ScriptedTurns {
		if st.Turn < 0 || st.Turn >= maxTurns {
			return invalid("scripted_turns[%d].turn %d out of range [0,%d)", i, st.Turn, maxTurns)
		}
		if seen[st.Turn] {
			return invalid("scripted_turns has duplicate turn %d", st.Turn)
		}
		seen[st.Turn] = true
		if st.AgentIndex < 0 || st.AgentIndex >= agentCount {
			return invalid("scripted_turns[%d].agent_index %d exceeds agent count %d", i, st.AgentIndex, agentCount)
		}
		if st.AgentIndex != st.Turn%agentCount {
			return invalid("scripted_turns[%d]: turn %d belongs to agent %d, not %d", i, st.Turn, st.Turn%agentCount, st.AgentIndex)
		}
		if strings.TrimSpace(st.Content) == "" {
			return invalid("scripted_turns[%d].content is empty", i)
		}
	}
	return nil
}

// Hooks is a compiled config. The zero value changes nothing.
type Hooks struct {
	injections []Injection
	scripts    map[int]string
}

// Compile turns a validated config into Hooks. A nil config yields no-op
// hooks.
func Compile(c *Config) Hooks {
	if c.Empty() {
		return Hooks{}
	}
	h := Hooks{
		injections: append([]Injection(nil), c.PromptInjections...),
		scripts:    make(map[int]string, len(c.ScriptedTurns)),
	}
	for _, st := range c.ScriptedTurns {
		h.scripts[st.Turn] = st.Content
	}
	return h
}

// InjectionFor returns the text to append for the given turn and agent,
// joining every matching injection with a newline.
func (h Hooks) InjectionFor(turn, agentIndex int) (string, bool) {
	var parts []string
	for _, in := range h.injections {
		if in.applies(turn, agentIndex) {
			parts = append(parts, in.Content)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// ScriptFor returns the fixed text for a scripted turn.
func (h Hooks) ScriptFor(turn int) (string, bool) {
	s, ok := h.scripts[turn]
	return s, ok
}

// ScriptedTurns lists scripted turn indexes in ascending order.
func (h Hooks) ScriptedTurns() []int {
	out := make([]int, 0, len(h.scripts))
	for t := range h.scripts {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}
