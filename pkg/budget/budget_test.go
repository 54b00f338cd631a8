package budget

import (
	"reflect"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{
		"":         0,
		"abcd":     1,
		"abcde":    2,
		"abcdefgh": 2,
		"12345":    2,
		"héllo":    2,
	}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestInputBudget(t *testing.T) {
	if got := InputBudget("claude-haiku-4-5-20251001"); got != 170_000 {
		t.Errorf("expected 170000, got %d", got)
	}
	if got := InputBudget("openai/gpt-4o"); got != 108_800 {
		t.Errorf("expected 108800, got %d", got)
	}
	if got := InputBudget("unknown-model-xyz"); got != 85_000 {
		t.Errorf("expected default 85000, got %d", got)
	}
}

func TestAllocatorOverrides(t *testing.T) {
	a := NewAllocator(map[string]int{"local-llama": 8_000, "gpt-4o": 64_000, "ignored": 0})
	if got := a.InputBudget("local-llama"); got != 6_800 {
		t.Errorf("expected 6800, got %d", got)
	}
	if got := a.InputBudget("gpt-4o"); got != 54_400 {
		t.Errorf("expected override 54400, got %d", got)
	}
	if got := a.ContextWindow("ignored"); got != DefaultContextWindow {
		t.Errorf("non-positive override should be ignored, got %d", got)
	}
	if got := a.ContextWindow("claude-opus-4-6"); got != 200_000 {
		t.Errorf("expected table value, got %d", got)
	}
}

// turn builds a history entry costing exactly tokens.
func turn(name string, tokens int) string {
	prefix := name + ": "
	return prefix + strings.Repeat("x", tokens*CharsPerToken-len(prefix))
}

func TestTruncateHistoryFitsEntirely(t *testing.T) {
	history := []string{turn("A", 10), turn("B", 10)}
	got := TruncateHistory(history, "System prompt text", "Context overhead", 10_000)
	if got.Dropped != 0 {
		t.Errorf("expected 0 dropped, got %d", got.Dropped)
	}
	if !reflect.DeepEqual(got.Kept, history) {
		t.Errorf("expected output to equal input, got %v", got.Kept)
	}
}

func TestTruncateHistoryDropsExactlyOldest(t *testing.T) {
	system := strings.Repeat("s", 40)   // 10 tokens
	overhead := strings.Repeat("o", 20) // 5 tokens
	history := []string{turn("A", 30), turn("B", 20), turn("C", 25)}

	// Total cost is 90; budget is short by exactly the oldest turn.
	got := TruncateHistory(history, system, overhead, 60)
	if got.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", got.Dropped)
	}
	want := []string{"[1 earlier turn truncated]", history[1], history[2]}
	if !reflect.DeepEqual(got.Kept, want) {
		t.Errorf("unexpected kept history: %v", got.Kept)
	}
}

func TestTruncateHistoryPluralMarker(t *testing.T) {
	history := []string{turn("A", 100), turn("B", 100), turn("C", 100), turn("D", 100)}
	got := TruncateHistory(history, "System prompt text", "Context overhead", 250)
	if got.Dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", got.Dropped)
	}
	if len(got.Kept) != 3 {
		t.Fatalf("expected marker + 2 turns, got %d entries", len(got.Kept))
	}
	if got.Kept[0] != "[2 earlier turns truncated]" {
		t.Errorf("unexpected marker %q", got.Kept[0])
	}
	if got.Kept[1] != history[2] || got.Kept[2] != history[3] {
		t.Error("expected the two most recent turns in order")
	}
}

func TestTruncateHistoryNothingFits(t *testing.T) {
	history := []string{turn("A", 1000)}
	got := TruncateHistory(history, "System prompt text", "Context overhead", 50)
	if got.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", got.Dropped)
	}
	if got.Kept == nil || len(got.Kept) != 0 {
		t.Errorf("expected empty non-nil history, got %v", got.Kept)
	}
}

func TestTruncateHistoryNegativeBudget(t *testing.T) {
	history := []string{turn("A", 1), turn("B", 1)}
	got := TruncateHistory(history, "", "", -10)
	if got.Dropped != 2 || len(got.Kept) != 0 {
		t.Errorf("negative budget should drop everything, got %+v", got)
	}
}

func TestTruncateHistoryKeepsNewestWhenAloneItFits(t *testing.T) {
	history := []string{turn("A", 5), turn("B", 500), turn("C", 40)}
	got := TruncateHistory(history, "", "", 40)
	if got.Dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", got.Dropped)
	}
	if got.Kept[len(got.Kept)-1] != history[2] {
		t.Error("newest turn must survive")
	}
}

func TestTruncateHistoryEmpty(t *testing.T) {
	got := TruncateHistory(nil, "sys", "ctx", 10_000)
	if got.Dropped != 0 || len(got.Kept) != 0 {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestTruncateHistoryIsPure(t *testing.T) {
	history := []string{turn("A", 30), turn("B", 30), turn("C", 30)}
	orig := append([]string(nil), history...)
	a := TruncateHistory(history, "sys", "ctx", 70)
	b := TruncateHistory(history, "sys", "ctx", 70)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs produced different outputs")
	}
	if !reflect.DeepEqual(history, orig) {
		t.Error("input history was mutated")
	}
}

func TestAllocatorTruncateReservesFraming(t *testing.T) {
	a := &Allocator{Windows: map[string]int{"tiny": 200}, FramingTokens: 100}
	// budget = 170 - 100 framing = 70
	history := []string{turn("A", 40), turn("B", 40)}
	got := a.Truncate(history, "", "", "tiny")
	if got.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", got.Dropped)
	}
}

func TestAllocatorTruncateChargesSeparators(t *testing.T) {
	// budget = 170 - 100 framing = 70; four 17-token lines fit only
	// without their separators.
	history := []string{turn("A", 17), turn("B", 17), turn("C", 17), turn("D", 17)}

	bare := &Allocator{Windows: map[string]int{"tiny": 200}, FramingTokens: 100}
	if got := bare.Truncate(history, "", "", "tiny"); got.Dropped != 0 {
		t.Fatalf("expected nothing dropped without separators, got %d", got.Dropped)
	}

	a := &Allocator{Windows: map[string]int{"tiny": 200}, FramingTokens: 100, SeparatorTokens: 1}
	got := a.Truncate(history, "", "", "tiny")
	if got.Dropped != 1 {
		t.Errorf("expected 1 dropped with separators, got %d", got.Dropped)
	}
	if NewAllocator(nil).SeparatorTokens != 1 {
		t.Error("expected default allocator to charge separators")
	}
}

func TestFits(t *testing.T) {
	if !Fits(2, "abcd", "efgh") {
		t.Error("expected 2 tokens to fit budget 2")
	}
	if Fits(1, "abcd", "e") {
		t.Error("expected 2 tokens not to fit budget 1")
	}
}
