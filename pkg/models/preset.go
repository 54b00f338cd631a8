package models

// ArenaPresetID marks a bout whose lineup was supplied by the caller.
const ArenaPresetID = "arena"

// Preset is a read-only lineup of agents with a turn count.
type Preset struct {
	ID          string  `json:"id" yaml:"id" toml:"id"`
	Name        string  `json:"name" yaml:"name" toml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Agents      []Agent `json:"agents" yaml:"agents" toml:"agents"`
	MaxTurns    int     `json:"max_turns" yaml:"max_turns" toml:"max_turns"`
	Tier        string  `json:"tier,omitempty" yaml:"tier,omitempty" toml:"tier,omitempty"`
}

// ResponseLength controls how long each turn should be.
type ResponseLength struct {
	ID                  string `json:"id" yaml:"id" toml:"id"`
	Label               string `json:"label" yaml:"label" toml:"label"`
	Hint                string `json:"hint" yaml:"hint" toml:"hint"`
	MaxOutputTokens     int    `json:"max_output_tokens" yaml:"max_output_tokens" toml:"max_output_tokens"`
	OutputTokensPerTurn int    `json:"output_tokens_per_turn" yaml:"output_tokens_per_turn" toml:"output_tokens_per_turn"`
}

// ResponseFormat controls the markup of each turn.
type ResponseFormat struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Label       string `json:"label" yaml:"label" toml:"label"`
	Hint        string `json:"hint" yaml:"hint" toml:"hint"`
	Instruction string `json:"instruction" yaml:"instruction" toml:"instruction"`
}
