package models

import "time"

// AnomalyKind classifies an anomaly signal.
type AnomalyKind string

// AnomalyPersonaBreak marks a turn where the persona stepped out of character.
const AnomalyPersonaBreak AnomalyKind = "persona_break"

// AnomalyEntry is one recorded anomaly signal.
type AnomalyEntry struct {
	ID             int64       `json:"id"`
	Kind           AnomalyKind `json:"kind"`
	BoutID         string      `json:"bout_id"`
	Turn           int         `json:"turn"`
	AgentID        string      `json:"agent_id"`
	AgentName      string      `json:"agent_name"`
	Model          string      `json:"model"`
	PresetID       string      `json:"preset_id"`
	Topic          string      `json:"topic,omitempty"`
	OwnerHash      string      `json:"owner_hash,omitempty"`
	Marker         string      `json:"marker"`
	ResponseLength int         `json:"response_length"`
	Excerpt        string      `json:"excerpt,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// AnomalyConfig controls the anomaly log.
type AnomalyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxExcerpt    int    `yaml:"max_excerpt"` // bytes
}

// AnomalyQueryOpts specifies filters for querying anomaly entries.
type AnomalyQueryOpts struct {
	Kind     AnomalyKind
	Model    string
	PresetID string
	BoutID   string
	Since    time.Time
	Limit    int
}

// AnomalyStat holds aggregate anomaly counts for a model/day combination.
type AnomalyStat struct {
	Model string
	Day   string
	Count int
}
