// Package detect flags turns where a persona stepped out of its role.
package detect

import (
	"strings"

	"golang.org/x/text/cases"
)

// Detector inspects a completed turn.
type Detector interface {
	// Detect returns the matched marker when text looks like a persona break.
	Detect(text string) (marker string, ok bool)
}

// DefaultMarkers are phrases models use when refusing a role, most
// specific first.
var DefaultMarkers = []string{
	"step out of character",
	"break character here",
	"need to step out",
	"can't roleplay",
	"cannot roleplay",
	"can't play the role",
	"won't roleplay",
	"I can't pretend",
	"I cannot pretend",
	"What I can do instead",
	"I need to be straightforward",
	"I should be transparent",
	"spreads misinformation",
	"promotes conspiratorial thinking",
	"normalize reasoning patterns that are",
	"genuinely harmful",
	"I appreciate you trying to set this up, but",
	"I need to decline",
	"I'm not comfortable",
	"Let me suggest an alternative",
	"Instead of roleplaying",
}

var quotes = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

// MarkerDetector matches a fixed phrase list, ignoring case and curly quotes.
type MarkerDetector struct {
	markers []string
	folded  []string
}

// NewMarkerDetector builds a detector. No markers selects DefaultMarkers.
func NewMarkerDetector(markers ...string) *MarkerDetector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	d := &MarkerDetector{markers: markers, folded: make([]string, len(markers))}
	for i, m := range markers {
		d.folded[i] = normalize(m)
	}
	return d
}

func normalize(s string) string {
	return cases.Fold().String(quotes.Replace(s))
}

// Detect implements Detector.
func (d *MarkerDetector) Detect(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	norm := normalize(text)
	for i, m := range d.folded {
		if strings.Contains(norm, m) {
			return d.markers[i], true
		}
	}
	return "", false
}

// Nop never flags anything.
type Nop struct{}

// Detect implements Detector.
func (Nop) Detect(string) (string, bool) { return "", false }
