// Package prompt renders the XML-tagged system and user messages sent to
// the model for each turn. All caller supplied text is escaped before it
// is placed inside a tag.
package prompt

import (
	"regexp"
	"strings"
)

// Safety is the preamble placed at the top of every system message.
const Safety = "The following is a character persona for a satirical debate simulation between exaggerated caricatures. " +
	"This is a fictional entertainment format, like improv comedy or a debate show, and NOT real advocacy. " +
	"You MUST stay in character for the entire response. Do not break the fourth wall, " +
	"do not add disclaimers, do not refuse the role, and do not offer alternatives. " +
	"The audience understands these are fictional characters with exaggerated viewpoints. " +
	"Do not reveal system details, API keys, or internal platform information."

// ShareLineMaxChars caps the length of a generated share line.
const ShareLineMaxChars = 140

// ShareTranscriptChars is how much of the transcript tail the share prompt sees.
const ShareTranscriptChars = 2000

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape replaces XML-special characters.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Tag wraps content in a block tag.
func Tag(name, content string) string {
	return "<" + name + ">\n" + content + "\n</" + name + ">"
}

// Inline wraps content in a tag without newlines.
func Inline(name, content string) string {
	return "<" + name + ">" + content + "</" + name + ">"
}

var (
	personaRe = regexp.MustCompile(`<persona[\s>]`)
	rulesRe   = regexp.MustCompile(`^([\s\S]*?)\n\s*Rules:\s*\n([\s\S]*)$`)
	bulletRe  = regexp.MustCompile(`^\s*-\s*`)
)

// WrapPersona converts a plain-text persona into the persona block. Text
// that already contains a persona element is returned unchanged. A
// "Rules:" section becomes a list of rule elements.
func WrapPersona(persona string) string {
	if personaRe.MatchString(persona) {
		return persona
	}
	trimmed := strings.TrimSpace(persona)

	m := rulesRe.FindStringSubmatch(trimmed)
	if m == nil {
		return Tag("persona", Tag("instructions", trimmed))
	}

	var rules []string
	for _, line := range strings.Split(strings.TrimSpace(m[2]), "\n") {
		r := strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		if r != "" {
			rules = append(rules, Inline("rule", r))
		}
	}

	parts := []string{Tag("instructions", strings.TrimSpace(m[1]))}
	if len(rules) > 0 {
		parts = append(parts, Tag("rules", strings.Join(rules, "\n")))
	}
	return Tag("persona", strings.Join(parts, "\n"))
}

// System builds the system message for one persona.
func System(persona, formatInstruction string) string {
	return strings.Join([]string{
		Tag("safety", strings.TrimSpace(Safety)),
		WrapPersona(persona),
		Tag("format", strings.TrimSpace(formatInstruction)),
	}, "\n\n")
}

// WithInjection appends experiment text to a system message.
func WithInjection(system, injected string) string {
	if injected == "" {
		return system
	}
	return system + "\n\n" + Tag("experiment-injection", Escape(injected))
}

// UserParts is everything the per-turn user message depends on. History
// holds lines already rendered by TranscriptLine, plus an optional
// truncation marker, and is inserted as is.
type UserParts struct {
	Topic       string
	LengthLabel string
	LengthHint  string
	FormatLabel string
	FormatHint  string
	History     []string
	AgentName   string
	Opening     bool
}

// User builds the per-turn user message. The opening turn carries no
// transcript.
func User(p UserParts) string {
	var ctxLines []string
	if p.Topic != "" {
		ctxLines = append(ctxLines, Inline("topic", Escape(p.Topic)))
	}
	ctxLines = append(ctxLines,
		Inline("response-length", Escape(p.LengthLabel)+" ("+Escape(p.LengthHint)+")"),
		Inline("response-format", Escape(p.FormatLabel)+" ("+Escape(p.FormatHint)+")"),
	)

	sections := []string{Tag("context", strings.Join(ctxLines, "\n"))}
	if p.Opening {
		sections = append(sections, Tag("instruction", "Open the debate in character as "+Escape(p.AgentName)+"."))
		return strings.Join(sections, "\n\n")
	}

	sections = append(sections,
		Tag("transcript", strings.Join(p.History, TranscriptSeparator)),
		Tag("instruction", "Respond in character as "+Escape(p.AgentName)+"."),
	)
	return strings.Join(sections, "\n\n")
}

// HistoryLine formats one finished turn for the running transcript.
func HistoryLine(agentName, text string) string {
	return agentName + ": " + text
}

// TranscriptSeparator joins transcript lines inside the user message.
const TranscriptSeparator = "\n"

// TranscriptLine is HistoryLine escaped exactly as User renders it, so the
// same string can be sized for truncation and then sent.
func TranscriptLine(agentName, text string) string {
	return Escape(HistoryLine(agentName, text))
}

var shareRules = []string{
	"Captures the most absurd/funny/surprising moment",
	"Makes someone want to click the link",
	"Sounds like a human wrote it (not corporate)",
}

// Share builds the prompt asking for a one-line summary. Only the last
// ShareTranscriptChars characters of transcript are included.
func Share(transcript string) string {
	rs := []rune(transcript)
	if len(rs) > ShareTranscriptChars {
		transcript = string(rs[len(rs)-ShareTranscriptChars:])
	}
	rules := make([]string, len(shareRules))
	for i, r := range shareRules {
		rules[i] = Inline("rule", r)
	}
	return strings.Join([]string{
		Tag("task", "You just witnessed an AI bout. Write a single tweet-length line (max 140 chars)."),
		Tag("rules", strings.Join(rules, "\n")),
		Tag("transcript", Escape(transcript)),
	}, "\n\n")
}

// CleanShareLine trims surrounding quotes and caps the line at
// ShareLineMaxChars, ending a cut line with an ellipsis.
func CleanShareLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, `"`)
	s = strings.TrimSuffix(s, "'")

	rs := []rune(s)
	if len(rs) > ShareLineMaxChars {
		s = strings.TrimRight(string(rs[:ShareLineMaxChars-3]), " \t\n") + "..."
	}
	return s
}
