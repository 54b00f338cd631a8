package models

import "time"

// BoutStatus is a bout's position in its lifecycle.
type BoutStatus string

const (
	BoutPending   BoutStatus = "pending"
	BoutRunning   BoutStatus = "running"
	BoutCompleted BoutStatus = "completed"
	BoutError     BoutStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s BoutStatus) Terminal() bool {
	return s == BoutCompleted || s == BoutError
}

// DefaultAgentColor is used when an agent has no color configured.
const DefaultAgentColor = "#f8fafc"

// Agent is a persona taking part in a bout.
type Agent struct {
	ID           string `json:"id" yaml:"id" toml:"id"`
	Name         string `json:"name" yaml:"name" toml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Color        string `json:"color,omitempty" yaml:"color,omitempty" toml:"color,omitempty"`
	Avatar       string `json:"avatar,omitempty" yaml:"avatar,omitempty" toml:"avatar,omitempty"`
}

// TurnRecord is one persona's contribution at a turn index.
type TurnRecord struct {
	Turn      int    `json:"turn"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Text      string `json:"text"`
	Anomaly   string `json:"anomaly,omitempty"`
	Scripted  bool   `json:"scripted,omitempty"`
}

// Bout is one multi-turn exchange among personas.
type Bout struct {
	ID             string       `json:"id"`
	PresetID       string       `json:"preset_id"`
	OwnerID        string       `json:"owner_id,omitempty"`
	Status         BoutStatus   `json:"status"`
	Topic          string       `json:"topic,omitempty"`
	Model          string       `json:"model"`
	ResponseLength string       `json:"response_length"`
	ResponseFormat string       `json:"response_format"`
	MaxTurns       int          `json:"max_turns"`
	Agents         []Agent      `json:"agents"`
	Transcript     []TurnRecord `json:"transcript"`
	ShareLine      string       `json:"share_line,omitempty"`
	InputTokens    int64        `json:"input_tokens"`
	OutputTokens   int64        `json:"output_tokens"`
	CostMicro      int64        `json:"cost_micro"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// BoutOutcome is what a finished run records on the bout row.
type BoutOutcome struct {
	Status       BoutStatus
	ShareLine    string
	InputTokens  int64
	OutputTokens int64
	CostMicro    int64
	ErrorMessage string
}
