package budget

import "fmt"

// Truncation is the result of fitting a history into a budget.
type Truncation struct {
	// Kept holds the surviving suffix, preceded by a marker when turns were dropped.
	Kept []string
	// Dropped counts the oldest turns removed.
	Dropped int
}

// TruncationMarker describes n dropped turns.
func TruncationMarker(n int) string {
	if n == 1 {
		return "[1 earlier turn truncated]"
	}
	return fmt.Sprintf("[%d earlier turns truncated]", n)
}

// TruncateHistory keeps the longest suffix of history whose estimated cost,
// plus the system and overhead text, fits in budget. Recency always wins:
// the newest turn is kept whenever it fits on its own. When some turns are
// dropped and at least one is kept, a single marker turn is prepended; the
// marker is framing and does not count against the budget. A negative budget
// is treated as zero.
func TruncateHistory(history []string, systemText, overheadText string, budget int) Truncation {
	return truncate(history, systemText, overheadText, budget, 0)
}

// truncate is TruncateHistory with extra tokens charged for every kept line,
// covering the separator it is joined with.
func truncate(history []string, systemText, overheadText string, budget, perLine int) Truncation {
	if budget < 0 {
		budget = 0
	}
	available := budget - EstimateTokens(systemText) - EstimateTokens(overheadText)

	kept := 0
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i]) + perLine
		if used+cost > available {
			break
		}
		used += cost
		kept++
	}

	dropped := len(history) - kept
	switch {
	case dropped == 0:
		out := make([]string, len(history))
		copy(out, history)
		return Truncation{Kept: out}
	case kept == 0:
		return Truncation{Kept: []string{}, Dropped: dropped}
	}

	out := make([]string, 0, kept+1)
	out = append(out, TruncationMarker(dropped))
	out = append(out, history[dropped:]...)
	return Truncation{Kept: out, Dropped: dropped}
}

// Fits reports whether the texts together fit in budget.
func Fits(budget int, texts ...string) bool {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total <= budget
}
