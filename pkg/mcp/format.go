package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/models"
)

func shortOwner(owner string) string {
	switch {
	case owner == "":
		return "(anon)"
	case len(owner) > 20:
		return owner[:8] + "..." + owner[len(owner)-8:]
	}
	return owner
}

func formatCatalog(c *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-18s %-8s %6s  %s\n", "Preset", "Name", "Tier", "Turns", "Agents")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, p := range c.Presets {
		names := make([]string, len(p.Agents))
		for i, a := range p.Agents {
			names[i] = a.Name
		}
		tier := p.Tier
		if tier == "" {
			tier = "free"
		}
		fmt.Fprintf(&b, "%-16s %-18s %-8s %6d  %s\n", p.ID, p.Name, tier, p.MaxTurns, strings.Join(names, ", "))
	}
	b.WriteString("\nLengths: ")
	for i, l := range c.Lengths {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%d tokens/turn)", l.ID, l.OutputTokensPerTurn)
	}
	b.WriteString("\nFormats: ")
	for i, f := range c.Formats {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.ID)
	}
	b.WriteString("\n")
	return b.String()
}

func formatPools(st models.BudgetStatus) string {
	return fmt.Sprintf("Intro pool\n"+
		"  Remaining: %.2f of %.2f credits\n"+
		"  Claimed:   %.2f credits\n"+
		"  Drain:     %.2f credits/min\n"+
		"Daily pool (%s)\n"+
		"  Bouts:     %d of %d\n"+
		"  Spend:     %.2f of %.2f credits\n",
		models.MicroToCredits(st.IntroRemaining), models.MicroToCredits(st.Intro.InitialMicro),
		models.MicroToCredits(st.Intro.ClaimedMicro),
		models.MicroToCredits(st.Intro.DrainMicroPerMinute),
		st.Daily.Date,
		st.Daily.Used, st.Daily.MaxCount,
		models.MicroToCredits(st.Daily.SpendMicro), models.MicroToCredits(st.Daily.MaxSpendMicro))
}

func formatBouts(list []models.Bout) string {
	if len(list) == 0 {
		return "No bouts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-14s %-20s %-10s %7s %9s\n",
		"Bout ID", "Preset", "Owner", "Status", "Turns", "Credits")
	b.WriteString(strings.Repeat("-", 103) + "\n")
	for _, bt := range list {
		fmt.Fprintf(&b, "%-38s %-14s %-20s %-10s %3d/%-3d %9.2f\n",
			bt.ID, bt.PresetID, shortOwner(bt.OwnerID), bt.Status,
			len(bt.Transcript), bt.MaxTurns, models.MicroToCredits(bt.CostMicro))
	}
	return b.String()
}

func formatBout(bt models.Bout) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bout %s (%s, %s)\n", bt.ID, bt.PresetID, bt.Status)
	if bt.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", bt.Topic)
	}
	fmt.Fprintf(&b, "Model: %s, %d/%d turns\n", bt.Model, len(bt.Transcript), bt.MaxTurns)
	for _, t := range bt.Transcript {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", t.Turn+1, t.AgentName, t.Text)
		if t.Anomaly != "" {
			fmt.Fprintf(&b, "  (persona break: %q)\n", t.Anomaly)
		}
	}
	if bt.ShareLine != "" {
		fmt.Fprintf(&b, "\nShare line: %s\n", bt.ShareLine)
	}
	if bt.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError: %s\n", bt.ErrorMessage)
	}
	fmt.Fprintf(&b, "\nTokens: %d in / %d out, cost %.2f credits\n",
		bt.InputTokens, bt.OutputTokens, models.MicroToCredits(bt.CostMicro))
	return b.String()
}

func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-27s %6s %6s %10s %10s %10s\n",
		"Owner", "Model", "Bouts", "Turns", "Prompt", "Completion", "Total")
	b.WriteString(strings.Repeat("-", 95) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-20s %-27s %6d %6d %10d %10d %10d\n",
			shortOwner(r.OwnerID), r.Model, r.BoutCount, r.TurnCount, r.TotalPrompt, r.TotalCompletion, r.TotalTokens)
	}
	return b.String()
}

func formatBoutTurns(turns []models.BoutTurnUsage) string {
	if len(turns) == 0 {
		return "No usage recorded for this bout."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%4s  %-20s %10s %10s %10s %10s\n",
		"Turn", "Time", "Prompt", "Completion", "Total", "Growth")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%4d  %-20s %10d %10d %10d %+10d\n",
			t.Turn, t.CreatedAt.Format("2006-01-02 15:04:05"),
			t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.ContextGrowth)
	}
	return b.String()
}

type estimate struct {
	Model  string
	Turns  int
	Length string
	Input  int64
	Output int64
	Micro  int64
	Known  bool
}

func formatEstimate(e estimate) string {
	s := fmt.Sprintf("Model:    %s\n"+
		"Turns:    %d (%s)\n"+
		"Tokens:   %d input / %d output (estimated)\n"+
		"Estimate: %.2f credits\n",
		e.Model, e.Turns, e.Length, e.Input, e.Output, models.MicroToCredits(e.Micro))
	if !e.Known {
		s += "No price is configured for this model, so bouts on it cost nothing.\n"
	}
	return s
}

func formatAnomalies(entries []models.AnomalyEntry) string {
	if len(entries) == 0 {
		return "No persona breaks found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %4s %-18s %-26s %-20s\n", "Bout ID", "Turn", "Agent", "Model", "Time")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-38s %4d %-18s %-26s %-20s\n",
			e.BoutID, e.Turn, e.AgentName, e.Model, e.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "     marker: %q\n", e.Marker)
	}
	return b.String()
}
