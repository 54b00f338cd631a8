// Package catalog holds the read-only presets, response lengths and
// response formats a bout can be configured with.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/pit/pkg/models"
)

var (
	// ErrUnknownPreset is returned by Lookup for ids not in the catalog.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrUnknownLength is returned for response length ids not in the catalog.
	ErrUnknownLength = errors.New("unknown response length")
	// ErrUnknownFormat is returned for response format ids not in the catalog.
	ErrUnknownFormat = errors.New("unknown response format")
)

const (
	DefaultLength = "standard"
	DefaultFormat = "spaced"
)

// Catalog is a set of presets plus the length and format tables.
type Catalog struct {
	Presets []models.Preset         `yaml:"presets" toml:"presets"`
	Lengths []models.ResponseLength `yaml:"lengths" toml:"lengths"`
	Formats []models.ResponseFormat `yaml:"formats" toml:"formats"`
}

// Builtin returns the catalog shipped with the binary.
func Builtin() *Catalog {
	return &Catalog{
		Presets: []models.Preset{
			{
				ID:          "roast-battle",
				Name:        "Roast Battle",
				Description: "Two comics trade increasingly personal burns.",
				MaxTurns:    6,
				Tier:        "free",
				Agents: []models.Agent{
					{ID: "headliner", Name: "The Headliner", Color: "#f97316",
						SystemPrompt: "You are a veteran club comic who has seen it all.\nRules:\n- Every line is a roast of your opponent\n- Never explain a joke"},
					{ID: "newcomer", Name: "The Newcomer", Color: "#22d3ee",
						SystemPrompt: "You are an open-mic comic with nothing to lose.\nRules:\n- Punch up, never down\n- Keep it under four sentences"},
				},
			},
			{
				ID:          "flatshare",
				Name:        "Flatshare",
				Description: "Three housemates argue about the washing up.",
				MaxTurns:    9,
				Tier:        "free",
				Agents: []models.Agent{
					{ID: "neat", Name: "The Neat One", Color: "#a3e635",
						SystemPrompt: "You keep a laminated chore rota and you are tired of being ignored."},
					{ID: "artist", Name: "The Artist", Color: "#e879f9",
						SystemPrompt: "You believe dirty pans are a form of expression."},
					{ID: "landlord", Name: "The Landlord", Color: "#facc15",
						SystemPrompt: "You dropped by unannounced and have opinions about the deposit."},
				},
			},
			{
				ID:          "shark-pit",
				Name:        "Shark Pit",
				Description: "A founder pitches to an unimpressed investor.",
				MaxTurns:    6,
				Tier:        "premium",
				Agents: []models.Agent{
					{ID: "founder", Name: "The Founder", Color: "#60a5fa",
						SystemPrompt: "You are pitching a startup that is blockchain for sandwiches."},
					{ID: "investor", Name: "The Investor", Color: "#f87171",
						SystemPrompt: "You are a ruthless investor who has heard every pitch twice."},
				},
			},
		},
		Lengths: []models.ResponseLength{
			{ID: "short", Label: "Short", Hint: "1-2 sentences", MaxOutputTokens: 120, OutputTokensPerTurn: 80},
			{ID: "standard", Label: "Standard", Hint: "3-5 sentences", MaxOutputTokens: 200, OutputTokensPerTurn: 120},
			{ID: "long", Label: "Long", Hint: "6-10 sentences", MaxOutputTokens: 400, OutputTokensPerTurn: 260},
		},
		Formats: []models.ResponseFormat{
			{ID: "plain", Label: "Plain text", Hint: "no markup", Instruction: "Respond in plain text with no markdown."},
			{ID: "spaced", Label: "Text + spacing", Hint: "rich formatting", Instruction: "Respond in plain text. Separate paragraphs with a blank line."},
			{ID: "markdown", Label: "Markdown", Hint: "rich formatting", Instruction: "Respond in Markdown. Use emphasis and lists where they help."},
			{ID: "json", Label: "JSON", Hint: "machine readable", Instruction: `Respond with a single JSON object of the form {"text": "..."} and nothing else.`},
		},
	}
}

// Load reads a catalog file and merges it over Builtin. Entries with the
// same id replace the builtin entry. The decoder is chosen by extension.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := Builtin()
	c.merge(&file)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadOrBuiltin loads path when set and falls back to Builtin otherwise.
func LoadOrBuiltin(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	return Load(path)
}

func (c *Catalog) merge(o *Catalog) {
	for _, p := range o.Presets {
		if i := indexOf(c.Presets, p.ID, func(p models.Preset) string { return p.ID }); i >= 0 {
			c.Presets[i] = p
		} else {
			c.Presets = append(c.Presets, p)
		}
	}
	for _, l := range o.Lengths {
		if i := indexOf(c.Lengths, l.ID, func(l models.ResponseLength) string { return l.ID }); i >= 0 {
			c.Lengths[i] = l
		} else {
			c.Lengths = append(c.Lengths, l)
		}
	}
	for _, f := range o.Formats {
		if i := indexOf(c.Formats, f.ID, func(f models.ResponseFormat) string { return f.ID }); i >= 0 {
			c.Formats[i] = f
		} else {
			c.Formats = append(c.Formats, f)
		}
	}
}

func indexOf[T any](items []T, id string, key func(T) string) int {
	for i, it := range items {
		if key(it) == id {
			return i
		}
	}
	return -1
}

// Validate checks that every preset is runnable.
func (c *Catalog) Validate() error {
	for _, p := range c.Presets {
		if p.ID == "" {
			return fmt.Errorf("preset with empty id")
		}
		if p.ID == models.ArenaPresetID {
			return fmt.Errorf("preset id %q is reserved", p.ID)
		}
		if len(p.Agents) == 0 {
			return fmt.Errorf("preset %q: no agents", p.ID)
		}
		if p.MaxTurns <= 0 {
			return fmt.Errorf("preset %q: max_turns must be positive", p.ID)
		}
		for _, a := range p.Agents {
			if a.ID == "" || a.Name == "" {
				return fmt.Errorf("preset %q: agent needs id and name", p.ID)
			}
		}
	}
	for _, l := range c.Lengths {
		if l.MaxOutputTokens <= 0 || l.OutputTokensPerTurn <= 0 {
			return fmt.Errorf("length %q: token limits must be positive", l.ID)
		}
	}
	return nil
}

// Lookup returns the preset with the given id. Agents without a color
// get models.DefaultAgentColor.
func (c *Catalog) Lookup(id string) (models.Preset, error) {
	i := indexOf(c.Presets, id, func(p models.Preset) string { return p.ID })
	if i < 0 {
		return models.Preset{}, fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}
	p := c.Presets[i]
	p.Agents = WithDefaults(p.Agents)
	return p, nil
}

// Arena builds an ad hoc preset from a caller supplied lineup.
func Arena(agents []models.Agent, maxTurns int) models.Preset {
	return models.Preset{
		ID:       models.ArenaPresetID,
		Name:     "Arena",
		Agents:   WithDefaults(agents),
		MaxTurns: maxTurns,
	}
}

// WithDefaults returns a copy of agents with empty colors filled in.
func WithDefaults(agents []models.Agent) []models.Agent {
	out := make([]models.Agent, len(agents))
	copy(out, agents)
	for i := range out {
		if out[i].Color == "" {
			out[i].Color = models.DefaultAgentColor
		}
	}
	return out
}

// Length resolves a response length id. Empty selects DefaultLength.
func (c *Catalog) Length(id string) (models.ResponseLength, error) {
	if id == "" {
		id = DefaultLength
	}
	i := indexOf(c.Lengths, id, func(l models.ResponseLength) string { return l.ID })
	if i < 0 {
		return models.ResponseLength{}, fmt.Errorf("%w: %s", ErrUnknownLength, id)
	}
	return c.Lengths[i], nil
}

// Format resolves a response format id. Empty selects DefaultFormat.
func (c *Catalog) Format(id string) (models.ResponseFormat, error) {
	if id == "" {
		id = DefaultFormat
	}
	i := indexOf(c.Formats, id, func(f models.ResponseFormat) string { return f.ID })
	if i < 0 {
		return models.ResponseFormat{}, fmt.Errorf("%w: %s", ErrUnknownFormat, id)
	}
	return c.Formats[i], nil
}
