package prompt

import (
	"strings"
	"testing"
)

func TestEscape(t *testing.T) {
	got := Escape(`<a href="x">Tom & Jerry's</a>`)
	want := "&lt;a href=&quot;x&quot;&gt;Tom &amp; Jerry&apos;s&lt;/a&gt;"
	if got != want {
		t.Errorf("Escape = %q, want %q", got, want)
	}
}

func TestWrapPersona(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain",
			in:   "  You are a pirate.  ",
			want: "<persona>\n<instructions>\nYou are a pirate.\n</instructions>\n</persona>",
		},
		{
			name: "rules",
			in:   "You are a pirate.\nRules:\n- Say arr\n\n- Never apologise",
			want: "<persona>\n<instructions>\nYou are a pirate.\n</instructions>\n<rules>\n<rule>Say arr</rule>\n<rule>Never apologise</rule>\n</rules>\n</persona>",
		},
		{
			name: "already xml",
			in:   "<persona><instructions>x</instructions></persona>",
			want: "<persona><instructions>x</instructions></persona>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WrapPersona(tt.in); got != tt.want {
				t.Errorf("WrapPersona = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSystem(t *testing.T) {
	got := System("You are Bob.", " Respond in plain text. ")
	if !strings.HasPrefix(got, "<safety>\n") {
		t.Errorf("system should start with safety block: %q", got)
	}
	if !strings.HasSuffix(got, "<format>\nRespond in plain text.\n</format>") {
		t.Errorf("system should end with format block: %q", got)
	}
	if strings.Count(got, "\n\n") != 2 {
		t.Errorf("expected three sections, got %q", got)
	}
}

func TestWithInjection(t *testing.T) {
	if got := WithInjection("sys", ""); got != "sys" {
		t.Errorf("empty injection should be a no-op, got %q", got)
	}
	got := WithInjection("sys", "<b>be rude</b>")
	want := "sys\n\n<experiment-injection>\n&lt;b&gt;be rude&lt;/b&gt;\n</experiment-injection>"
	if got != want {
		t.Errorf("WithInjection = %q, want %q", got, want)
	}
}

func TestUserOpening(t *testing.T) {
	got := User(UserParts{
		Topic:       "cats <vs> dogs",
		LengthLabel: "Standard",
		LengthHint:  "3-5 sentences",
		FormatLabel: "Plain text",
		FormatHint:  "no markup",
		AgentName:   "Bob",
		Opening:     true,
	})
	want := "<context>\n<topic>cats &lt;vs&gt; dogs</topic>\n<response-length>Standard (3-5 sentences)</response-length>\n" +
		"<response-format>Plain text (no markup)</response-format>\n</context>\n\n" +
		"<instruction>\nOpen the debate in character as Bob.\n</instruction>"
	if got != want {
		t.Errorf("User opening =\n%s\nwant\n%s", got, want)
	}
}

func TestUserWithHistory(t *testing.T) {
	got := User(UserParts{
		LengthLabel: "Short",
		LengthHint:  "1-2 sentences",
		FormatLabel: "Markdown",
		FormatHint:  "rich formatting",
		AgentName:   "Alice",
		History:     []string{TranscriptLine("Bob", "hi"), TranscriptLine("Carol", "<wave>")},
	})
	if strings.Contains(got, "<topic>") {
		t.Error("empty topic should be omitted")
	}
	if !strings.Contains(got, "<transcript>\nBob: hi\nCarol: &lt;wave&gt;\n</transcript>") {
		t.Errorf("transcript missing or unescaped: %q", got)
	}
	if !strings.HasSuffix(got, "<instruction>\nRespond in character as Alice.\n</instruction>") {
		t.Errorf("bad instruction: %q", got)
	}
}

func TestShareClipsTranscript(t *testing.T) {
	long := strings.Repeat("a", ShareTranscriptChars) + "TAIL"
	got := Share("HEAD" + long)
	if strings.Contains(got, "HEAD") {
		t.Error("share prompt should only contain the transcript tail")
	}
	if !strings.Contains(got, "TAIL") {
		t.Error("share prompt lost the end of the transcript")
	}
	if !strings.HasPrefix(got, "<task>\n") {
		t.Errorf("share prompt should start with task: %q", got[:20])
	}
}

func TestCleanShareLine(t *testing.T) {
	if got := CleanShareLine(`  "Two bots walk into a bar"  `); got != "Two bots walk into a bar" {
		t.Errorf("quotes not trimmed: %q", got)
	}

	long := strings.Repeat("word ", 40)
	got := CleanShareLine(long)
	if len([]rune(got)) > ShareLineMaxChars {
		t.Errorf("share line too long: %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("cut share line should end with ellipsis: %q", got)
	}
	if strings.HasSuffix(got, " ...") {
		t.Errorf("trailing space before ellipsis: %q", got)
	}
}

func TestTranscriptLineMatchesRendering(t *testing.T) {
	line := TranscriptLine("Dan", `it's "fine" & <ok>`)
	if line != "Dan: it&apos;s &quot;fine&quot; &amp; &lt;ok&gt;" {
		t.Fatalf("TranscriptLine = %q", line)
	}
	got := User(UserParts{AgentName: "Eve", History: []string{line, line}})
	if !strings.Contains(got, line+TranscriptSeparator+line) {
		t.Errorf("rendered transcript differs from sized lines: %q", got)
	}
}
