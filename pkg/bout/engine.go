// Package bout runs metered multi-persona bouts: it gates a run against
// the ledger, streams each turn from a generator, persists the transcript
// turn by turn and settles the measured cost exactly once.
package bout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pario-ai/pit/pkg/anomaly"
	"github.com/pario-ai/pit/pkg/budget"
	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/detect"
	"github.com/pario-ai/pit/pkg/experiment"
	"github.com/pario-ai/pit/pkg/ledger"
	"github.com/pario-ai/pit/pkg/metrics"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
	"github.com/pario-ai/pit/pkg/prompt"
	"github.com/pario-ai/pit/pkg/provider"
)

const (
	// MaxTopicLength caps the topic in characters.
	MaxTopicLength = 500
	// MaxArenaAgents is the largest arena lineup.
	MaxArenaAgents = 6
	// DefaultArenaTurns is used when an arena run sets no turn count.
	DefaultArenaTurns = 12
	// MaxArenaTurns is the largest turn count an arena run may ask for.
	MaxArenaTurns   = 24
	shareLineTokens = 80
)

var boutIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// AnomalyRecorder receives persona-break signals.
type AnomalyRecorder interface {
	Log(ctx context.Context, e models.AnomalyEntry) error
}

// UsageRecorder receives per-turn token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Config controls the engine.
type Config struct {
	DefaultModel   string
	ShareLineModel string
	CreditsEnabled bool
	RunTimeout     time.Duration
	StaleAfter     time.Duration
	FirstTokenWarn time.Duration
	ShareLine      bool
}

// Deps are the engine's collaborators. Store, Ledger, Generator and
// Catalog are required.
type Deps struct {
	Store     *Store
	Ledger    ledger.Ledger
	Generator provider.Generator
	Catalog   *catalog.Catalog
	Allocator *budget.Allocator
	Pricing   *pricing.Table
	Detector  detect.Detector
	Anomalies AnomalyRecorder
	Usage     UsageRecorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine orchestrates bout runs. It keeps no per-bout state between calls;
// everything shared lives in the store and the ledger.
type Engine struct {
	cfg       Config
	store     *Store
	ledger    ledger.Ledger
	gen       provider.Generator
	catalog   *catalog.Catalog
	alloc     *budget.Allocator
	prices    *pricing.Table
	detector  detect.Detector
	anomalies AnomalyRecorder
	usage     UsageRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an engine.
func New(cfg Config, d Deps) (*Engine, error) {
	if d.Store == nil || d.Ledger == nil || d.Generator == nil || d.Catalog == nil {
		return nil, errors.New("bout: store, ledger, generator and catalog are required")
	}
	if cfg.DefaultModel == "" {
		return nil, errors.New("bout: default model is required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.RunTimeout
	}
	if cfg.FirstTokenWarn <= 0 {
		cfg.FirstTokenWarn = 2 * time.Second
	}
	if d.Allocator == nil {
		d.Allocator = budget.NewAllocator(nil)
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewTable(nil)
	}
	for _, m := range []string{cfg.DefaultModel, cfg.ShareLineModel} {
		if m != "" && !d.Pricing.Known(m) {
			return nil, fmt.Errorf("bout: model %q has no price", m)
		}
	}
	if d.Detector == nil {
		d.Detector = detect.NewMarkerDetector()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:       cfg,
		store:     d.Store,
		ledger:    d.Ledger,
		gen:       d.Generator,
		catalog:   d.Catalog,
		alloc:     d.Allocator,
		prices:    d.Pricing,
		detector:  d.Detector,
		anomalies: d.Anomalies,
		usage:     d.Usage,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       d.Now,
	}, nil
}

// RunRequest asks for one bout to be run to completion.
type RunRequest struct {
	BoutID   string
	PresetID string
	// Agents and MaxTurns describe an arena lineup when PresetID is
	// "arena" or empty.
	Agents     []models.Agent
	MaxTurns   int
	OwnerID    string
	Tier       Tier
	Model      string
	Length     string
	Format     string
	Topic      string
	Experiment *experiment.Config
}

// RunResult is the persisted bout plus what this call did.
type RunResult struct {
	Bout   models.Bout
	Totals Totals
	// Replayed is true when the bout was already resolved and nothing ran.
	Replayed bool
}

// plan is a validated request resolved against the catalog.
type plan struct {
	bout   models.Bout
	tier   Tier
	length models.ResponseLength
	format models.ResponseFormat
	hooks  experiment.Hooks
}

func (e *Engine) resolve(req RunRequest) (*plan, error) {
	if !boutIDRe.MatchString(req.BoutID) {
		return nil, validationErr("invalid bout id %q", req.BoutID)
	}
	topic := strings.TrimSpace(req.Topic)
	if utf8.RuneCountInString(topic) > MaxTopicLength {
		return nil, validationErr("topic longer than %d characters", MaxTopicLength)
	}

	var preset models.Preset
	if req.PresetID == "" || req.PresetID == models.ArenaPresetID {
		if err := validateArena(req.Agents, req.MaxTurns); err != nil {
			return nil, err
		}
		turns := req.MaxTurns
		if turns == 0 {
			turns = DefaultArenaTurns
		}
		preset = catalog.Arena(req.Agents, turns)
	} else {
		p, err := e.catalog.Lookup(req.PresetID)
		if err != nil {
			return nil, wrapValidation(err)
		}
		preset = p
	}

	length, err := e.catalog.Length(req.Length)
	if err != nil {
		return nil, wrapValidation(err)
	}
	format, err := e.catalog.Format(req.Format)
	if err != nil {
		return nil, wrapValidation(err)
	}
	if err := req.Experiment.Validate(preset.MaxTurns, len(preset.Agents)); err != nil {
		return nil, wrapValidation(err)
	}

	tier := req.Tier
	switch {
	case req.OwnerID == "":
		tier = TierAnonymous
	case tier == "":
		tier = TierFree
	case tier != TierFree && tier != TierPaid && tier != TierAnonymous:
		return nil, validationErr("unknown tier %q", tier)
	}
	// Paid runs are metered by credits. Without credits nothing would gate
	// them, so they share the daily pool with free runs.
	if tier == TierPaid && !e.cfg.CreditsEnabled {
		tier = TierFree
	}

	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}

	return &plan{
		bout: models.Bout{
			ID:             req.BoutID,
			PresetID:       preset.ID,
			OwnerID:        req.OwnerID,
			Status:         models.BoutPending,
			Topic:          topic,
			Model:          model,
			ResponseLength: length.ID,
			ResponseFormat: format.ID,
			MaxTurns:       preset.MaxTurns,
			Agents:         preset.Agents,
			Transcript:     []models.TurnRecord{},
		},
		tier:   tier,
		length: length,
		format: format,
		hooks:  experiment.Compile(req.Experiment),
	}, nil
}

func validateArena(agents []models.Agent, maxTurns int) error {
	if len(agents) < 2 || len(agents) > MaxArenaAgents {
		return validationErr("arena lineup needs 2 to %d agents, got %d", MaxArenaAgents, len(agents))
	}
	seen := make(map[string]bool, len(agents))
	for i, a := range agents {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.SystemPrompt) == "" {
			return validationErr("arena agent %d needs id, name and system prompt", i)
		}
		if seen[a.ID] {
			return validationErr("duplicate arena agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if maxTurns < 0 || maxTurns > MaxArenaTurns {
		return validationErr("arena max turns must be between 1 and %d", MaxArenaTurns)
	}
	return nil
}

func checkOwner(existing models.Bout, owner string) error {
	if existing.OwnerID != "" && existing.OwnerID != owner {
		return &Error{Category: CategoryValidation, Reason: ReasonForbidden, Err: errors.New("bout belongs to another owner")}
	}
	return nil
}

// adopt replaces the planned settings with those of an existing row so a
// resumed or pre-created bout keeps its original lineup.
func (e *Engine) adopt(p *plan, existing models.Bout) error {
	if err := checkOwner(existing, p.bout.OwnerID); err != nil {
		return err
	}
	length, err := e.catalog.Length(existing.ResponseLength)
	if err != nil {
		return wrapValidation(err)
	}
	format, err := e.catalog.Format(existing.ResponseFormat)
	if err != nil {
		return wrapValidation(err)
	}
	owner := p.bout.OwnerID
	p.bout = existing
	p.bout.OwnerID = owner
	p.length = length
	p.format = format
	return nil
}

// Run executes the bout identified by req.BoutID, streaming events to emit.
// A bout that is already completed or errored is returned as is with
// Replayed set; nothing is generated or charged.
func (e *Engine) Run(ctx context.Context, req RunRequest, emit EmitFunc) (*RunResult, error) {
	if emit == nil {
		emit = discard
	}
	p, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.Get(ctx, p.bout.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, internalErr(err)
	default:
		if existing.Status.Terminal() {
			if err := checkOwner(existing, p.bout.OwnerID); err != nil {
				return nil, err
			}
			return replay(existing), nil
		}
		if existing.Status == models.BoutRunning && e.now().Sub(existing.UpdatedAt) < e.cfg.StaleAfter {
			return nil, ErrAlreadyRunning
		}
		if err := e.adopt(p, existing); err != nil {
			return nil, err
		}
	}

	// An unpriced model would preauthorize and settle at zero.
	if !e.prices.Known(p.bout.Model) {
		return nil, validationErr("model %q has no price", p.bout.Model)
	}

	remaining := p.bout.MaxTurns - len(existing.Transcript)
	estimate := e.prices.EstimateBout(p.bout.Model, remaining, p.length.OutputTokensPerTurn)
	h, err := e.gate(ctx, p.tier, p.bout.OwnerID, p.bout.ID, estimate)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.Create(ctx, p.bout); err != nil {
		return nil, errors.Join(internalErr(err), e.release(context.WithoutCancel(ctx), h))
	}
	claimed, ok, err := e.store.Claim(ctx, p.bout.ID, e.cfg.StaleAfter)
	if err != nil || !ok {
		relErr := e.release(context.WithoutCancel(ctx), h)
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, errors.Join(err, relErr)
		}
		if err != nil {
			return nil, errors.Join(internalErr(err), relErr)
		}
		return replay(claimed), relErr
	}
	p.bout.Transcript = claimed.Transcript

	e.metrics.BoutStarted()
	e.logger.Info("bout started",
		"bout_id", p.bout.ID, "preset_id", p.bout.PresetID, "model", p.bout.Model,
		"tier", p.tier, "max_turns", p.bout.MaxTurns, "resume_from", len(p.bout.Transcript),
		"estimate_micro", estimate)

	return e.execute(ctx, p, h, emit)
}

func replay(b models.Bout) *RunResult {
	return &RunResult{
		Bout:     b,
		Replayed: true,
		Totals: Totals{
			Turns:        len(b.Transcript),
			InputTokens:  b.InputTokens,
			OutputTokens: b.OutputTokens,
			CostMicro:    b.CostMicro,
		},
	}
}

// emitter forwards events until the first failure, then reports the caller
// as gone on every later send.
type emitter struct {
	fn   EmitFunc
	gone bool
}

func (em *emitter) send(ev Event) error {
	if em.gone {
		return errDisconnected
	}
	if err := em.fn(ev); err != nil {
		em.gone = true
		return fmt.Errorf("%w: %v", errDisconnected, err)
	}
	return nil
}

// execute runs the turn loop for a claimed bout and always finishes it.
func (e *Engine) execute(ctx context.Context, p *plan, h *hold, emit EmitFunc) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()
	// Persistence and settlement must survive the caller going away.
	keep := context.WithoutCancel(ctx)

	em := &emitter{fn: emit}
	b := &p.bout
	totals := Totals{}
	history := make([]string, 0, b.MaxTurns)
	for _, rec := range b.Transcript {
		history = append(history, prompt.TranscriptLine(rec.AgentName, rec.Text))
	}

	var runErr error
	for turn := len(b.Transcript); turn < b.MaxTurns; turn++ {
		if em.gone {
			runErr = errDisconnected
			break
		}
		if err := runCtx.Err(); err != nil {
			runErr = err
			break
		}
		rec, used, err := e.turn(runCtx, keep, p, turn, history, em)
		// Spend incurred by a failed turn is still settled.
		totals.InputTokens += used.InputTokens
		totals.OutputTokens += used.OutputTokens
		if err != nil {
			runErr = err
			break
		}
		b.Transcript = append(b.Transcript, rec)
		history = append(history, prompt.TranscriptLine(rec.AgentName, rec.Text))
	}
	totals.Turns = len(b.Transcript)
	totals.CostMicro = e.prices.Cost(b.Model, totals.InputTokens, totals.OutputTokens)

	out := models.BoutOutcome{
		Status:       models.BoutCompleted,
		InputTokens:  b.InputTokens + totals.InputTokens,
		OutputTokens: b.OutputTokens + totals.OutputTokens,
		CostMicro:    b.CostMicro + totals.CostMicro,
	}
	var failure *Error
	if runErr != nil {
		failure = classify(runErr)
		out.Status = models.BoutError
		out.ErrorMessage = failure.Message()
	} else if e.cfg.ShareLine && !em.gone && len(b.Transcript) > 0 {
		out.ShareLine = e.shareLine(runCtx, b)
		if out.ShareLine != "" {
			_ = em.send(Event{Type: EventShareLine, BoutID: b.ID, Text: out.ShareLine})
		}
	}

	finishErr := e.store.Finish(keep, b.ID, out)
	settleErr := e.settle(keep, h, totals.CostMicro)

	b.Status = out.Status
	b.ShareLine = out.ShareLine
	b.InputTokens = out.InputTokens
	b.OutputTokens = out.OutputTokens
	b.CostMicro = out.CostMicro
	b.ErrorMessage = out.ErrorMessage
	res := &RunResult{Bout: *b, Totals: totals}

	category := ""
	if failure != nil {
		category = string(failure.Category)
	}
	e.metrics.BoutFinished(string(out.Status), category)

	if failure != nil {
		e.logger.Warn("bout failed",
			"bout_id", b.ID, "category", failure.Category, "reason", failure.Reason,
			"turns", totals.Turns, "cost_micro", totals.CostMicro, "error", runErr)
		_ = em.send(Event{Type: EventError, BoutID: b.ID, Turn: totals.Turns, Totals: &totals, Error: &ErrorBody{
			Category: failure.Category,
			Reason:   failure.Reason,
			Message:  failure.Message(),
		}})
		return res, errors.Join(failure, wrapInternal(finishErr), settleErr)
	}

	if err := errors.Join(wrapInternal(finishErr), settleErr); err != nil {
		e.logger.Error("bout completion not recorded", "bout_id", b.ID, "error", err)
		return res, err
	}
	e.logger.Info("bout completed",
		"bout_id", b.ID, "turns", totals.Turns, "input_tokens", totals.InputTokens,
		"output_tokens", totals.OutputTokens, "cost_micro", totals.CostMicro)
	_ = em.send(Event{Type: EventDone, BoutID: b.ID, Turn: totals.Turns, Totals: &totals})
	return res, nil
}

func wrapInternal(err error) error {
	if err == nil {
		return nil
	}
	return internalErr(err)
}

// turn produces, streams and persists one turn.
func (e *Engine) turn(ctx, keep context.Context, p *plan, turn int, history []string, em *emitter) (models.TurnRecord, usage, error) {
	b := &p.bout
	idx := turn % len(b.Agents)
	agent := b.Agents[idx]
	msgID := fmt.Sprintf("%s-%d-%s", b.ID, turn, agent.ID)

	for _, ev := range []Event{
		{Type: EventStart, BoutID: b.ID, MessageID: msgID, Turn: turn},
		{Type: EventTurn, BoutID: b.ID, MessageID: msgID, Turn: turn, AgentID: agent.ID, AgentName: agent.Name, Color: agent.Color},
		{Type: EventTextStart, BoutID: b.ID, MessageID: msgID, Turn: turn},
	} {
		if err := em.send(ev); err != nil {
			return models.TurnRecord{}, usage{}, err
		}
	}

	rec := models.TurnRecord{Turn: turn, AgentID: agent.ID, AgentName: agent.Name}
	var used usage

	if script, ok := p.hooks.ScriptFor(turn); ok {
		rec.Text = script
		rec.Scripted = true
		if err := em.send(Event{Type: EventTextDelta, BoutID: b.ID, MessageID: msgID, Turn: turn, Delta: script}); err != nil {
			return models.TurnRecord{}, usage{}, err
		}
	} else {
		text, u, err := e.generate(ctx, p, turn, idx, history, msgID, em)
		if err != nil {
			return models.TurnRecord{}, u, err
		}
		rec.Text = text
		used = u
		if marker, hit := e.detector.Detect(text); hit {
			rec.Anomaly = marker
			e.personaBreak(keep, p, rec, marker)
		}
	}

	// A finished turn is kept even if nobody is listening any more; the
	// loop notices the departure before the next turn.
	_ = em.send(Event{Type: EventTextEnd, BoutID: b.ID, MessageID: msgID, Turn: turn})
	if err := e.store.AppendTurn(keep, b.ID, rec); err != nil {
		return models.TurnRecord{}, used, internalErr(err)
	}

	e.metrics.Turn(b.Model, rec.Scripted, used.InputTokens, used.OutputTokens)
	if !rec.Scripted && e.usage != nil {
		err := e.usage.Record(keep, models.UsageRecord{
			OwnerID:          b.OwnerID,
			BoutID:           b.ID,
			Turn:             turn,
			Model:            b.Model,
			PromptTokens:     int(used.InputTokens),
			CompletionTokens: int(used.OutputTokens),
			Estimated:        used.Estimated,
			CreatedAt:        e.now(),
		})
		if err != nil {
			e.logger.Warn("usage record failed", "bout_id", b.ID, "turn", turn, "error", err)
		}
	}
	return rec, used, nil
}

// usage is one turn's token counts. Estimated is set when the provider
// reported nothing and the counts were derived from the prompt and reply.
type usage struct {
	provider.Usage
	Estimated bool
}

func measure(res provider.Result, system, user, text string) usage {
	if res.Usage.Reported() {
		return usage{Usage: res.Usage}
	}
	if text == "" {
		return usage{}
	}
	return usage{
		Usage: provider.Usage{
			InputTokens:  int64(budget.EstimateTokens(system) + budget.EstimateTokens(user)),
			OutputTokens: int64(budget.EstimateTokens(text)),
		},
		Estimated: true,
	}
}

// generate composes the prompt for one turn and streams the reply. history
// holds rendered transcript lines, so truncation sizes exactly what is sent.
func (e *Engine) generate(ctx context.Context, p *plan, turn, idx int, history []string, msgID string, em *emitter) (string, usage, error) {
	b := &p.bout
	agent := b.Agents[idx]

	system := prompt.System(agent.SystemPrompt, p.format.Instruction)
	if injected, ok := p.hooks.InjectionFor(turn, idx); ok {
		system = prompt.WithInjection(system, injected)
	}
	parts := prompt.UserParts{
		Topic:       b.Topic,
		LengthLabel: p.length.Label,
		LengthHint:  p.length.Hint,
		FormatLabel: p.format.Label,
		FormatHint:  p.format.Hint,
		AgentName:   agent.Name,
		Opening:     len(history) == 0,
	}
	trunc := e.alloc.Truncate(history, system, prompt.User(parts), b.Model)
	if trunc.Dropped > 0 {
		e.metrics.Truncated()
		e.logger.Debug("history truncated", "bout_id", b.ID, "turn", turn, "dropped", trunc.Dropped)
	}
	parts.History = trunc.Kept
	user := prompt.User(parts)

	inputBudget := e.alloc.InputBudget(b.Model)
	if need := budget.EstimateTokens(system) + budget.EstimateTokens(user); need > inputBudget {
		return "", usage{}, internalErr(fmt.Errorf("turn %d prompt needs %d tokens, budget is %d", turn, need, inputBudget))
	}

	req := provider.Request{
		Model:     b.Model,
		System:    system,
		Messages:  []provider.Message{{Role: provider.RoleUser, Text: user}},
		MaxTokens: p.length.MaxOutputTokens,
	}
	started := e.now()
	first := true
	var sb strings.Builder
	res, err := e.gen.Stream(ctx, req, func(delta string) error {
		if first {
			first = false
			latency := e.now().Sub(started)
			e.metrics.ObserveFirstToken(b.Model, latency)
			if latency > e.cfg.FirstTokenWarn {
				e.logger.Warn("slow first token",
					"bout_id", b.ID, "turn", turn, "model", b.Model, "latency", latency)
			}
		}
		sb.WriteString(delta)
		return em.send(Event{Type: EventTextDelta, BoutID: b.ID, MessageID: msgID, Turn: turn, Delta: delta})
	})
	text := sb.String()
	if err != nil {
		// Partial output was paid for even though the turn is lost.
		used := measure(res, system, user, text)
		if em.gone {
			return "", used, errors.Join(errDisconnected, err)
		}
		return "", used, err
	}
	if text == "" {
		text = res.Text
	}
	return text, measure(res, system, user, text), nil
}

func (e *Engine) personaBreak(ctx context.Context, p *plan, rec models.TurnRecord, marker string) {
	b := &p.bout
	e.metrics.PersonaBreak(b.Model)
	e.logger.Warn("persona break",
		"bout_id", b.ID, "turn", rec.Turn, "agent_id", rec.AgentID, "model", b.Model,
		"marker", marker, "severity", "refusal")
	if e.anomalies == nil {
		return
	}
	err := e.anomalies.Log(ctx, models.AnomalyEntry{
		Kind:           models.AnomalyPersonaBreak,
		BoutID:         b.ID,
		Turn:           rec.Turn,
		AgentID:        rec.AgentID,
		AgentName:      rec.AgentName,
		Model:          b.Model,
		PresetID:       b.PresetID,
		Topic:          b.Topic,
		OwnerHash:      anomaly.HashOwner(b.OwnerID),
		Marker:         marker,
		ResponseLength: len(rec.Text),
		Excerpt:        rec.Text,
		CreatedAt:      e.now(),
	})
	if err != nil {
		e.logger.Warn("anomaly log failed", "bout_id", b.ID, "error", err)
	}
}

// shareLine asks for a one-line teaser of the finished bout. Failures only
// cost the teaser.
func (e *Engine) shareLine(ctx context.Context, b *models.Bout) string {
	lines := make([]string, len(b.Transcript))
	for i, rec := range b.Transcript {
		lines[i] = prompt.HistoryLine(rec.AgentName, rec.Text)
	}
	model := e.cfg.ShareLineModel
	if model == "" {
		model = b.Model
	}
	res, err := e.gen.Stream(ctx, provider.Request{
		Model:     model,
		Messages:  []provider.Message{{Role: provider.RoleUser, Text: prompt.Share(strings.Join(lines, "\n"))}},
		MaxTokens: shareLineTokens,
	}, func(string) error { return nil })
	if err != nil {
		e.logger.Warn("share line failed", "bout_id", b.ID, "error", err)
		return ""
	}
	return prompt.CleanShareLine(res.Text)
}
