package bout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/pit/pkg/budget"
	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/experiment"
	"github.com/pario-ai/pit/pkg/ledger"
	"github.com/pario-ai/pit/pkg/logging"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
	"github.com/pario-ai/pit/pkg/provider"
	"github.com/pario-ai/pit/pkg/store"
)

const testModel = "test-model"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGen streams a canned reply word by word. Calls are numbered from 1.
type fakeGen struct {
	mu      sync.Mutex
	calls   []provider.Request
	failAt  int
	failErr error
	// hangAt blocks the numbered call until its context ends.
	hangAt int
	reply  func(call int, req provider.Request) string
}

func (g *fakeGen) Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (provider.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := len(g.calls)
	g.mu.Unlock()

	if n == g.failAt {
		return provider.Result{}, g.failErr
	}
	if n == g.hangAt {
		<-ctx.Done()
		return provider.Result{}, ctx.Err()
	}
	text := fmt.Sprintf("reply number %d", n)
	if g.reply != nil {
		text = g.reply(n, req)
	}
	var sent strings.Builder
	for _, w := range strings.SplitAfter(text, " ") {
		sent.WriteString(w)
		if err := onDelta(w); err != nil {
			return provider.Result{Text: sent.String()}, err
		}
	}
	return provider.Result{
		Text:  text,
		Usage: provider.Usage{InputTokens: 100, OutputTokens: int64(len(text))},
	}, nil
}

func (g *fakeGen) Calls() []provider.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]provider.Request(nil), g.calls...)
}

type settleCall struct {
	owner     string
	estimated int64
	actual    int64
}

// countingLedger records every settlement on top of the real ledger.
type countingLedger struct {
	*ledger.SQLiteLedger
	mu      sync.Mutex
	settles []settleCall
}

func (l *countingLedger) Settle(ctx context.Context, owner string, estimated, actual int64, reference string) (models.Settlement, error) {
	l.mu.Lock()
	l.settles = append(l.settles, settleCall{owner: owner, estimated: estimated, actual: actual})
	l.mu.Unlock()
	return l.SQLiteLedger.Settle(ctx, owner, estimated, actual, reference)
}

func (l *countingLedger) Settles() []settleCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]settleCall(nil), l.settles...)
}

type recordingAnomalies struct {
	mu      sync.Mutex
	entries []models.AnomalyEntry
}

func (r *recordingAnomalies) Log(_ context.Context, e models.AnomalyEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type recordingUsage struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (r *recordingUsage) Record(_ context.Context, rec models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type harness struct {
	engine    *Engine
	store     *Store
	ledger    *countingLedger
	gen       *fakeGen
	clock     *fakeClock
	anomalies *recordingAnomalies
	usage     *recordingUsage
	prices    *pricing.Table
}

type harnessOpts struct {
	cfg    func(*Config)
	ledger func(*ledger.Config)
	alloc  *budget.Allocator
}

func testCatalog() *catalog.Catalog {
	c := catalog.Builtin()
	pair := []models.Agent{
		{ID: "a", Name: "Alpha", SystemPrompt: "You argue for."},
		{ID: "b", Name: "Beta", SystemPrompt: "You argue against."},
	}
	c.Presets = append(c.Presets,
		models.Preset{ID: "duel", Name: "Duel", Agents: pair, MaxTurns: 4},
		models.Preset{ID: "long-duel", Name: "Long duel", Agents: pair, MaxTurns: 5},
	)
	return c
}

func newHarness(t *testing.T, gen *fakeGen, opts harnessOpts) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}

	db, err := store.Open(filepath.Join(t.TempDir(), "pit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lcfg := ledger.Config{
		StartingMicro: models.CreditsToMicro(1_000_000),
		Intro: models.IntroPoolPolicy{
			InitialCredits: 100_000,
		},
		Daily: models.DailyPoolPolicy{
			MaxBouts:      10,
			SpendCapMicro: 100_000_000,
		},
		Clock:  ledger.ClockFunc(clock.Now),
		Logger: logging.Discard(),
	}
	if opts.ledger != nil {
		opts.ledger(&lcfg)
	}
	sl, err := ledger.NewWithDB(db, lcfg)
	require.NoError(t, err)
	led := &countingLedger{SQLiteLedger: sl}

	st, err := NewStore(db)
	require.NoError(t, err)
	st.now = clock.Now

	prices := pricing.NewTable(map[string]pricing.Price{
		testModel: {
			InputPerMillion:  decimal.NewFromInt(1000),
			OutputPerMillion: decimal.NewFromInt(5000),
		},
		"share-model": {
			InputPerMillion:  decimal.NewFromInt(10),
			OutputPerMillion: decimal.NewFromInt(50),
		},
	})

	cfg := Config{
		DefaultModel:   testModel,
		CreditsEnabled: true,
		RunTimeout:     time.Minute,
		StaleAfter:     10 * time.Minute,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	h := &harness{
		store:     st,
		ledger:    led,
		gen:       gen,
		clock:     clock,
		anomalies: &recordingAnomalies{},
		usage:     &recordingUsage{},
		prices:    prices,
	}
	h.engine, err = New(cfg, Deps{
		Store:     st,
		Ledger:    led,
		Generator: gen,
		Catalog:   testCatalog(),
		Allocator: opts.alloc,
		Pricing:   prices,
		Anomalies: h.anomalies,
		Usage:     h.usage,
		Logger:    logging.Discard(),
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return h
}

type eventLog struct {
	events []Event
}

func (l *eventLog) emit(ev Event) error {
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []EventType {
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (h *harness) balance(t *testing.T, owner string) int64 {
	t.Helper()
	acct, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return acct.BalanceMicro
}

func TestRunCompletesBout(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()
	starting := models.CreditsToMicro(1_000_000)

	var log eventLog
	res, err := h.engine.Run(ctx, RunRequest{
		BoutID:   "bout-a",
		PresetID: "duel",
		OwnerID:  "user-1",
		Tier:     TierPaid,
		Topic:    "cats vs dogs",
	}, log.emit)
	require.NoError(t, err)
	require.False(t, res.Replayed)

	assert.Equal(t, models.BoutCompleted, res.Bout.Status)
	require.Len(t, res.Bout.Transcript, 4)
	for i, rec := range res.Bout.Transcript {
		assert.Equal(t, i, rec.Turn)
		assert.Equal(t, []string{"a", "b"}[i%2], rec.AgentID)
		assert.Equal(t, fmt.Sprintf("reply number %d", i+1), rec.Text)
	}

	stored, err := h.store.Get(ctx, "bout-a")
	require.NoError(t, err)
	assert.Equal(t, models.BoutCompleted, stored.Status)
	assert.Equal(t, res.Bout.Transcript, stored.Transcript)
	assert.Equal(t, int64(400), stored.InputTokens)

	var out int64
	for _, rec := range stored.Transcript {
		out += int64(len(rec.Text))
	}
	assert.Equal(t, out, res.Totals.OutputTokens)
	actual := h.prices.Cost(testModel, 400, out)
	assert.Equal(t, actual, res.Totals.CostMicro)
	assert.Equal(t, actual, stored.CostMicro)

	estimate := h.prices.EstimateBout(testModel, 4, 120)
	assert.Equal(t, []settleCall{{owner: "user-1", estimated: estimate, actual: actual}}, h.ledger.Settles())
	assert.Equal(t, starting-actual, h.balance(t, "user-1"))

	types := log.types()
	assert.Equal(t, []EventType{EventStart, EventTurn, EventTextStart}, types[:3])
	assert.Equal(t, EventDone, types[len(types)-1])
	assert.Equal(t, "bout-a-0-a", log.events[0].MessageID)
	assert.Equal(t, "Alpha", log.events[1].AgentName)
	assert.Equal(t, models.DefaultAgentColor, log.events[1].Color)

	var streamed strings.Builder
	for _, ev := range log.events {
		if ev.Type == EventTextDelta && ev.Turn == 0 {
			streamed.WriteString(ev.Delta)
		}
	}
	assert.Equal(t, "reply number 1", streamed.String())

	calls := gen.Calls()
	require.Len(t, calls, 4)
	assert.Contains(t, calls[0].Messages[0].Text, "cats vs dogs")
	assert.Contains(t, calls[1].Messages[0].Text, "Alpha: reply number 1")
	assert.Equal(t, 200, calls[0].MaxTokens)

	require.Len(t, h.usage.records, 4)
	assert.Equal(t, "bout-a", h.usage.records[3].BoutID)
	assert.False(t, h.usage.records[3].Estimated)
}

func TestRunFailureKeepsPartialTranscript(t *testing.T) {
	for _, tc := range []struct {
		name     string
		err      error
		category Category
	}{
		{"internal", &provider.StatusError{Code: 500, Msg: "boom"}, CategoryInternal},
		{"overloaded", &provider.StatusError{Code: 529, Msg: "overloaded"}, CategoryUpstreamOverloaded},
		{"timeout", &provider.StatusError{Code: 504, Msg: "gateway timeout"}, CategoryUpstreamTimeout},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGen{failAt: 3, failErr: tc.err}
			h := newHarness(t, gen, harnessOpts{})
			ctx := context.Background()

			var log eventLog
			res, err := h.engine.Run(ctx, RunRequest{
				BoutID:   "bout-c",
				PresetID: "long-duel",
				OwnerID:  "user-1",
				Tier:     TierPaid,
			}, log.emit)
			require.Error(t, err)
			assert.Equal(t, tc.category, CategoryOf(err))

			require.NotNil(t, res)
			assert.Equal(t, models.BoutError, res.Bout.Status)
			require.Len(t, res.Bout.Transcript, 2)

			stored, err := h.store.Get(ctx, "bout-c")
			require.NoError(t, err)
			assert.Equal(t, models.BoutError, stored.Status)
			assert.Len(t, stored.Transcript, 2)
			assert.NotEmpty(t, stored.ErrorMessage)

			out := int64(len("reply number 1") + len("reply number 2"))
			actual := h.prices.Cost(testModel, 200, out)
			estimate := h.prices.EstimateBout(testModel, 5, 120)
			assert.Equal(t, []settleCall{{owner: "user-1", estimated: estimate, actual: actual}}, h.ledger.Settles())

			last := log.events[len(log.events)-1]
			require.Equal(t, EventError, last.Type)
			assert.Equal(t, tc.category, last.Error.Category)
			assert.Len(t, gen.Calls(), 3)
		})
	}
}

func TestRunIsIdempotent(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()
	req := RunRequest{BoutID: "bout-i", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}

	first, err := h.engine.Run(ctx, req, nil)
	require.NoError(t, err)
	balance := h.balance(t, "user-1")

	second, err := h.engine.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Bout.Transcript, second.Bout.Transcript)
	assert.Equal(t, first.Totals, second.Totals)

	assert.Len(t, gen.Calls(), 4)
	assert.Len(t, h.ledger.Settles(), 1)
	assert.Equal(t, balance, h.balance(t, "user-1"))

	// A failed bout is just as final.
	failing := &fakeGen{failAt: 1, failErr: errors.New("broken pipe")}
	h2 := newHarness(t, failing, harnessOpts{})
	_, err = h2.engine.Run(ctx, req, nil)
	require.Error(t, err)
	again, err := h2.engine.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, models.BoutError, again.Bout.Status)
	assert.Len(t, failing.Calls(), 1)
	assert.Len(t, h2.ledger.Settles(), 1)
}

func TestRunDisconnect(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	deltas := 0
	emit := func(ev Event) error {
		if ev.Type == EventTextDelta {
			deltas++
			if deltas == 4 {
				return errors.New("write: broken pipe")
			}
		}
		return nil
	}
	res, err := h.engine.Run(ctx, RunRequest{BoutID: "bout-d", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, emit)
	require.Error(t, err)

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "disconnected", be.Reason)
	assert.Equal(t, models.BoutError, res.Bout.Status)
	assert.Len(t, res.Bout.Transcript, 1)
	assert.Len(t, gen.Calls(), 2)

	stored, err := h.store.Get(ctx, "bout-d")
	require.NoError(t, err)
	assert.Equal(t, models.BoutError, stored.Status)
	assert.Len(t, stored.Transcript, 1)
	require.Len(t, h.ledger.Settles(), 1)
	assert.Positive(t, h.ledger.Settles()[0].actual, "partial second turn is still paid for")
}

func TestRunCanceledContext(t *testing.T) {
	gen := &fakeGen{hangAt: 2}
	h := newHarness(t, gen, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())

	emit := func(ev Event) error {
		if ev.Type == EventTextStart && ev.Turn == 1 {
			cancel()
		}
		return nil
	}
	res, err := h.engine.Run(ctx, RunRequest{BoutID: "bout-x", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, emit)
	require.Error(t, err)
	assert.Equal(t, CategoryInternal, CategoryOf(err))

	stored, err := h.store.Get(context.Background(), "bout-x")
	require.NoError(t, err)
	assert.Equal(t, models.BoutError, stored.Status, "a canceled run is never left running")
	assert.Len(t, stored.Transcript, 1)
	assert.Len(t, res.Bout.Transcript, 1)
	assert.Len(t, h.ledger.Settles(), 1)
}

func TestRunTimeout(t *testing.T) {
	gen := &fakeGen{hangAt: 2}
	h := newHarness(t, gen, harnessOpts{cfg: func(c *Config) { c.RunTimeout = 50 * time.Millisecond }})

	res, err := h.engine.Run(context.Background(), RunRequest{BoutID: "bout-t", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.Error(t, err)
	assert.Equal(t, CategoryUpstreamTimeout, CategoryOf(err))
	assert.Equal(t, models.BoutError, res.Bout.Status)
	assert.Len(t, res.Bout.Transcript, 1)
	assert.Len(t, h.ledger.Settles(), 1)
}

func TestRunExperimentHooks(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	two := 2

	res, err := h.engine.Run(context.Background(), RunRequest{
		BoutID:   "bout-e",
		PresetID: "duel",
		OwnerID:  "user-1",
		Tier:     TierPaid,
		Experiment: &experiment.Config{
			Version: experiment.CurrentVersion,
			PromptInjections: []experiment.Injection{
				{Turn: &two, TargetAgentIndex: 0, Content: "Mention the weather."},
			},
			ScriptedTurns: []experiment.ScriptedTurn{
				{Turn: 1, AgentIndex: 1, Content: "I concede nothing."},
			},
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Bout.Transcript, 4)

	scripted := res.Bout.Transcript[1]
	assert.True(t, scripted.Scripted)
	assert.Equal(t, "I concede nothing.", scripted.Text)
	assert.False(t, res.Bout.Transcript[2].Scripted)

	calls := gen.Calls()
	require.Len(t, calls, 3, "scripted turns skip generation")
	assert.NotContains(t, calls[0].System, "experiment-injection")
	assert.Contains(t, calls[1].System, "<experiment-injection>")
	assert.Contains(t, calls[1].System, "Mention the weather.")
	assert.Contains(t, calls[1].Messages[0].Text, "Beta: I concede nothing.")

	assert.Len(t, h.usage.records, 3)
}

func TestRunRejectsInvalidExperiment(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})

	_, err := h.engine.Run(context.Background(), RunRequest{
		BoutID:   "bout-bad",
		PresetID: "duel",
		OwnerID:  "user-1",
		Experiment: &experiment.Config{
			Version:       experiment.CurrentVersion,
			ScriptedTurns: []experiment.ScriptedTurn{{Turn: 1, AgentIndex: 0, Content: "wrong agent"}},
		},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, CategoryOf(err))
	assert.ErrorIs(t, err, experiment.ErrInvalidConfig)
	assert.Empty(t, gen.Calls())
}

func TestRunPersonaBreak(t *testing.T) {
	gen := &fakeGen{reply: func(call int, _ provider.Request) string {
		if call == 2 {
			return "Honestly I’m not comfortable arguing this."
		}
		return "in character"
	}}
	h := newHarness(t, gen, harnessOpts{})

	res, err := h.engine.Run(context.Background(), RunRequest{
		BoutID: "bout-p", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid, Topic: "taxes",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BoutCompleted, res.Bout.Status)
	assert.Len(t, res.Bout.Transcript, 4)
	assert.Empty(t, res.Bout.Transcript[0].Anomaly)
	assert.Equal(t, "I'm not comfortable", res.Bout.Transcript[1].Anomaly)

	require.Len(t, h.anomalies.entries, 1)
	entry := h.anomalies.entries[0]
	assert.Equal(t, models.AnomalyPersonaBreak, entry.Kind)
	assert.Equal(t, "bout-p", entry.BoutID)
	assert.Equal(t, 1, entry.Turn)
	assert.Equal(t, "b", entry.AgentID)
	assert.Equal(t, "taxes", entry.Topic)
	assert.NotEmpty(t, entry.OwnerHash)
	assert.NotEqual(t, "user-1", entry.OwnerHash)
}

func TestRunQuotaRejections(t *testing.T) {
	for _, tc := range []struct {
		name   string
		req    RunRequest
		ledger func(*ledger.Config)
		reason string
	}{
		{
			name:   "balance",
			req:    RunRequest{OwnerID: "user-1", Tier: TierPaid},
			ledger: func(c *ledger.Config) { c.StartingMicro = 1 },
			reason: ReasonBalance,
		},
		{
			name:   "count",
			req:    RunRequest{OwnerID: "user-1", Tier: TierFree},
			ledger: func(c *ledger.Config) { c.Daily.MaxBouts = 0 },
			reason: ReasonCount,
		},
		{
			name:   "spend",
			req:    RunRequest{OwnerID: "user-1", Tier: TierFree},
			ledger: func(c *ledger.Config) { c.Daily.SpendCapMicro = 1 },
			reason: ReasonSpend,
		},
		{
			name:   "intro pool",
			req:    RunRequest{},
			ledger: func(c *ledger.Config) { c.Intro.InitialCredits = 0 },
			reason: ReasonIntroPool,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGen{}
			h := newHarness(t, gen, harnessOpts{ledger: tc.ledger})
			ctx := context.Background()

			req := tc.req
			req.BoutID = "bout-q"
			req.PresetID = "duel"
			_, err := h.engine.Run(ctx, req, nil)
			require.Error(t, err)

			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, CategoryQuota, be.Category)
			assert.Equal(t, tc.reason, be.Reason)
			assert.NotEmpty(t, be.Message())

			assert.Empty(t, gen.Calls())
			assert.Empty(t, h.ledger.Settles())
			_, err = h.store.Get(ctx, "bout-q")
			assert.ErrorIs(t, err, ErrNotFound, "rejected runs leave no bout behind")

			day, err := h.ledger.DailyPoolStatus(ctx, models.DayKey(h.clock.Now()))
			require.NoError(t, err)
			assert.Zero(t, day.SpendMicro, "reserved spend is released")
		})
	}
}

func TestRunAnonymousUsesIntroPool(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	res, err := h.engine.Run(ctx, RunRequest{BoutID: "bout-anon", PresetID: "duel"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BoutCompleted, res.Bout.Status)
	assert.Empty(t, h.ledger.Settles(), "anonymous runs have no account to settle")

	pool, err := h.ledger.DecayingPoolStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Totals.CostMicro, pool.ClaimedMicro, "unused estimate returns to the pool")

	day, err := h.ledger.DailyPoolStatus(ctx, models.DayKey(h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), day.Used)
	assert.Equal(t, res.Totals.CostMicro, day.SpendMicro)
}

func TestRunCreditsDisabled(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{
		cfg:    func(c *Config) { c.CreditsEnabled = false },
		ledger: func(c *ledger.Config) { c.Daily.MaxBouts = 1 },
	})
	ctx := context.Background()

	_, err := h.engine.Run(ctx, RunRequest{BoutID: "bout-nc", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.NoError(t, err)
	assert.Empty(t, h.ledger.Settles())

	// Claiming the paid tier does not skip the daily pool when nothing
	// else meters the run.
	_, err = h.engine.Run(ctx, RunRequest{BoutID: "bout-nc2", PresetID: "duel", OwnerID: "user-2", Tier: TierPaid}, nil)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CategoryQuota, be.Category)
	assert.Equal(t, ReasonCount, be.Reason)
}

func TestRunValidation(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	for name, req := range map[string]RunRequest{
		"bad id":         {BoutID: "no spaces allowed", PresetID: "duel"},
		"unknown preset": {BoutID: "v1", PresetID: "nope"},
		"long topic":     {BoutID: "v2", PresetID: "duel", Topic: strings.Repeat("x", MaxTopicLength+1)},
		"solo arena":     {BoutID: "v3", Agents: []models.Agent{{ID: "a", Name: "A", SystemPrompt: "p"}}},
		"unknown length": {BoutID: "v4", PresetID: "duel", Length: "epic"},
		"unknown tier":   {BoutID: "v5", PresetID: "duel", OwnerID: "u", Tier: "gold"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Run(ctx, req, nil)
			require.Error(t, err)
			assert.Equal(t, CategoryValidation, CategoryOf(err))
		})
	}
	assert.Empty(t, gen.Calls())
	assert.Empty(t, h.ledger.Settles())
}

func TestRunArena(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})

	res, err := h.engine.Run(context.Background(), RunRequest{
		BoutID:   "bout-arena",
		PresetID: models.ArenaPresetID,
		OwnerID:  "user-1",
		MaxTurns: 3,
		Agents: []models.Agent{
			{ID: "x", Name: "X", SystemPrompt: "You are X."},
			{ID: "y", Name: "Y", SystemPrompt: "You are Y.", Color: "#ff0000"},
			{ID: "z", Name: "Z", SystemPrompt: "You are Z."},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ArenaPresetID, res.Bout.PresetID)
	require.Len(t, res.Bout.Transcript, 3)
	assert.Equal(t, "z", res.Bout.Transcript[2].AgentID)
	assert.Equal(t, "#ff0000", res.Bout.Agents[1].Color)
}

func TestRunOwnership(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	_, err := h.engine.Run(ctx, RunRequest{BoutID: "bout-o", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.NoError(t, err)

	_, err = h.engine.Run(ctx, RunRequest{BoutID: "bout-o", PresetID: "duel", OwnerID: "user-2", Tier: TierPaid}, nil)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonForbidden, be.Reason)
}

func TestRunAlreadyRunningAndStaleResume(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	// Another worker claimed the bout and finished one turn before dying.
	b := sampleBout("bout-s")
	b.Model = testModel
	_, err := h.store.Create(ctx, b)
	require.NoError(t, err)
	_, ok, err := h.store.Claim(ctx, "bout-s", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.store.AppendTurn(ctx, "bout-s", models.TurnRecord{Turn: 0, AgentID: "a", AgentName: "Alpha", Text: "first words"}))

	req := RunRequest{BoutID: "bout-s", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}
	_, err = h.engine.Run(ctx, req, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, gen.Calls())
	assert.Empty(t, h.ledger.Settles())

	h.clock.Advance(11 * time.Minute)
	res, err := h.engine.Run(ctx, req, nil)
	require.NoError(t, err)
	require.Len(t, res.Bout.Transcript, 4)
	assert.Equal(t, "first words", res.Bout.Transcript[0].Text)
	assert.Equal(t, "b", res.Bout.Transcript[1].AgentID)
	assert.Contains(t, gen.Calls()[0].Messages[0].Text, "Alpha: first words")
	assert.Len(t, gen.Calls(), 3)

	settles := h.ledger.Settles()
	require.Len(t, settles, 1)
	assert.Equal(t, h.prices.EstimateBout(testModel, 3, 120), settles[0].estimated)
}

func TestRunShareLine(t *testing.T) {
	gen := &fakeGen{reply: func(_ int, req provider.Request) string {
		if req.MaxTokens == shareLineTokens {
			return `"Alpha and Beta settle nothing"`
		}
		return "words"
	}}
	h := newHarness(t, gen, harnessOpts{cfg: func(c *Config) {
		c.ShareLine = true
		c.ShareLineModel = "share-model"
	}})

	var log eventLog
	res, err := h.engine.Run(context.Background(), RunRequest{BoutID: "bout-sl", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, log.emit)
	require.NoError(t, err)
	assert.Equal(t, "Alpha and Beta settle nothing", res.Bout.ShareLine)

	calls := gen.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "share-model", calls[4].Model)
	assert.Contains(t, calls[4].Messages[0].Text, "Beta: words")

	types := log.types()
	assert.Equal(t, []EventType{EventShareLine, EventDone}, types[len(types)-2:])

	stored, err := h.store.Get(context.Background(), "bout-sl")
	require.NoError(t, err)
	assert.Equal(t, "Alpha and Beta settle nothing", stored.ShareLine)
}

func TestRunShareLineFailureIsHarmless(t *testing.T) {
	gen := &fakeGen{failAt: 5, failErr: errors.New("share model down")}
	h := newHarness(t, gen, harnessOpts{cfg: func(c *Config) { c.ShareLine = true }})

	res, err := h.engine.Run(context.Background(), RunRequest{BoutID: "bout-sf", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BoutCompleted, res.Bout.Status)
	assert.Empty(t, res.Bout.ShareLine)
}

func TestRunUsageFallback(t *testing.T) {
	gen := provider.GeneratorFunc(func(_ context.Context, _ provider.Request, onDelta provider.DeltaFunc) (provider.Result, error) {
		if err := onDelta("twelve chars"); err != nil {
			return provider.Result{}, err
		}
		return provider.Result{Text: "twelve chars"}, nil
	})
	h := newHarness(t, &fakeGen{}, harnessOpts{})
	h.engine.gen = gen

	res, err := h.engine.Run(context.Background(), RunRequest{BoutID: "bout-u", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4*3), res.Totals.OutputTokens)
	assert.Positive(t, res.Totals.InputTokens)
	require.Len(t, h.usage.records, 4)
	assert.True(t, h.usage.records[0].Estimated)
}

func TestRunRejectsUnpricedModel(t *testing.T) {
	gen := &fakeGen{}
	h := newHarness(t, gen, harnessOpts{})
	ctx := context.Background()

	before, err := h.ledger.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	_, err = h.engine.Run(ctx, RunRequest{BoutID: "bout-u", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid, Model: "fast-alias"}, nil)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CategoryValidation, be.Category)
	assert.Contains(t, be.Message(), "fast-alias")

	assert.Empty(t, gen.Calls())
	assert.Empty(t, h.ledger.Settles())
	_, err = h.store.Get(ctx, "bout-u")
	assert.ErrorIs(t, err, ErrNotFound)
	after, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, before.BalanceMicro, after.BalanceMicro)
}

func TestNewRejectsUnpricedModels(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "pit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := NewStore(db)
	require.NoError(t, err)
	led, err := ledger.NewWithDB(db, ledger.Config{Logger: logging.Discard()})
	require.NoError(t, err)
	deps := Deps{Store: st, Ledger: led, Generator: &fakeGen{}, Catalog: testCatalog(), Logger: logging.Discard()}

	_, err = New(Config{DefaultModel: "fast-alias"}, deps)
	assert.ErrorContains(t, err, "fast-alias")
	_, err = New(Config{DefaultModel: "claude-haiku-4-5-20251001", ShareLineModel: "cheap-alias"}, deps)
	assert.ErrorContains(t, err, "cheap-alias")
	_, err = New(Config{DefaultModel: "claude-haiku-4-5-20251001"}, deps)
	assert.NoError(t, err)
}

func TestRunTruncatesEscapedHistory(t *testing.T) {
	// Every apostrophe renders as a six character entity, so the transcript
	// is six times larger on the wire than in the stored turns.
	gen := &fakeGen{reply: func(int, provider.Request) string { return strings.Repeat("'", 400) }}
	h := newHarness(t, gen, harnessOpts{alloc: budget.NewAllocator(map[string]int{testModel: 1200})})

	res, err := h.engine.Run(context.Background(), RunRequest{BoutID: "bout-q", PresetID: "duel", OwnerID: "user-1", Tier: TierPaid}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BoutCompleted, res.Bout.Status)
	require.Len(t, res.Bout.Transcript, 4)

	alloc := budget.NewAllocator(map[string]int{testModel: 1200})
	calls := gen.Calls()
	require.Len(t, calls, 4)
	for i, c := range calls {
		need := budget.EstimateTokens(c.System) + budget.EstimateTokens(c.Messages[0].Text)
		assert.LessOrEqual(t, need, alloc.InputBudget(testModel), "call %d", i)
	}
	assert.Contains(t, calls[2].Messages[0].Text, "earlier turn")
	assert.Contains(t, calls[3].Messages[0].Text, "&apos;")
}
