package bout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/pit/pkg/models"
)

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "bouts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if now != nil {
		s.now = now
	}
	return s
}

func sampleBout(id string) models.Bout {
	return models.Bout{
		ID:             id,
		PresetID:       "duel",
		OwnerID:        "user-1",
		Topic:          "pineapple on pizza",
		Model:          "test-model",
		ResponseLength: "standard",
		ResponseFormat: "spaced",
		MaxTurns:       4,
		Agents: []models.Agent{
			{ID: "a", Name: "Alpha", SystemPrompt: "be alpha"},
			{ID: "b", Name: "Beta", SystemPrompt: "be beta"},
		},
	}
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	created, err := s.Create(ctx, sampleBout("b1"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := sampleBout("b1")
	dup.Topic = "something else"
	created, err = s.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BoutPending, b.Status)
	assert.Equal(t, "pineapple on pizza", b.Topic)
	assert.Len(t, b.Agents, 2)
	assert.Empty(t, b.Transcript)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreClaimSingleWinner(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Create(ctx, sampleBout("b1"))
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		running int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(ctx, "b1", time.Hour)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				won++
			}
			if errors.Is(err, ErrAlreadyRunning) {
				running++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, running)
}

func TestStoreClaimStaleAndTerminal(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, func() time.Time { return now })
	ctx := context.Background()
	_, err := s.Create(ctx, sampleBout("b1"))
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, "b1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Claim(ctx, "b1", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Claim(ctx, "b1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "stale running bout should be reclaimable")

	require.NoError(t, s.Finish(ctx, "b1", models.BoutOutcome{Status: models.BoutCompleted}))
	b, ok, err := s.Claim(ctx, "b1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.BoutCompleted, b.Status)
}

func TestStoreAppendTurnOrdering(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Create(ctx, sampleBout("b1"))
	require.NoError(t, err)

	rec := models.TurnRecord{Turn: 0, AgentID: "a", AgentName: "Alpha", Text: "hello"}
	assert.ErrorIs(t, s.AppendTurn(ctx, "b1", rec), ErrLostClaim, "pending bouts take no turns")

	_, _, err = s.Claim(ctx, "b1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "b1", rec))
	assert.ErrorIs(t, s.AppendTurn(ctx, "b1", rec), ErrLostClaim, "same index twice")

	skip := models.TurnRecord{Turn: 2, AgentID: "a", AgentName: "Alpha", Text: "skipped"}
	assert.ErrorIs(t, s.AppendTurn(ctx, "b1", skip), ErrLostClaim)

	next := models.TurnRecord{Turn: 1, AgentID: "b", AgentName: "Beta", Text: `says "hi" <b>`, Anomaly: "I'm not comfortable"}
	require.NoError(t, s.AppendTurn(ctx, "b1", next))

	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, b.Transcript, 2)
	assert.Equal(t, rec, b.Transcript[0])
	assert.Equal(t, next, b.Transcript[1])
}

func TestStoreFinish(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Create(ctx, sampleBout("b1"))
	require.NoError(t, err)

	out := models.BoutOutcome{Status: models.BoutError, InputTokens: 10, OutputTokens: 5, CostMicro: 7, ErrorMessage: "boom"}
	assert.ErrorIs(t, s.Finish(ctx, "b1", out), ErrLostClaim)
	assert.Error(t, s.Finish(ctx, "b1", models.BoutOutcome{Status: models.BoutRunning}))

	_, _, err = s.Claim(ctx, "b1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, "b1", out))
	assert.ErrorIs(t, s.Finish(ctx, "b1", out), ErrLostClaim, "terminal states are final")

	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BoutError, b.Status)
	assert.Equal(t, int64(7), b.CostMicro)
	assert.Equal(t, "boom", b.ErrorMessage)
}

func TestStoreList(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, func() time.Time { return now })
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3"} {
		now = now.Add(time.Second)
		b := sampleBout(id)
		if id == "b3" {
			b.OwnerID = "user-2"
		}
		_, err := s.Create(ctx, b)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b3", all[0].ID)

	mine, err := s.List(ctx, ListOpts{OwnerID: "user-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "b2", mine[0].ID)

	running, err := s.List(ctx, ListOpts{Status: models.BoutRunning})
	require.NoError(t, err)
	assert.Empty(t, running)
}
