package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/token"
)

func TestSampleGreedyWhenTemperatureZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Temperature = 0
	s := New(cfg)

	logits := []float32{0.1, 0.9, 0.3, -1}

	id, _ := s.Sample(context.Background(), logits)
	assert.Equal(t, token.ID(1), id)
}

func TestAcceptTracksRepeatHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RepeatLastN = 2
	s := New(cfg)

	require.NoError(t, s.Accept(5))
	require.NoError(t, s.Accept(6))
	require.NoError(t, s.Accept(7))

	assert.Equal(t, []token.ID{6, 7}, s.history)
}

func TestRepeatPenaltyLowersRepeatedLogit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Temperature = 0
	cfg.RepeatPenalty = 2.0
	s := New(cfg)

	require.NoError(t, s.Accept(1))

	logits := []float32{0.1, 5.0, 0.1}
	cands := s.GetCandidates(context.Background(), logits)

	for _, c := range cands {
		if c.Token == 1 {
			assert.InDelta(t, 2.5, c.Logit, 1e-6)
		}
	}
}

func TestLogitBiasBansToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Temperature = 0
	cfg.LogitBias = map[token.ID]float32{1: -1000}
	s := New(cfg)

	logits := []float32{0.1, 5.0, 0.2}
	id, _ := s.Sample(context.Background(), logits)

	assert.NotEqual(t, token.ID(1), id)
}

func TestResetClearsHistory(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)

	require.NoError(t, s.Accept(3))
	require.NotEmpty(t, s.history)

	s.Reset()
	assert.Empty(t, s.history)
}

func TestNProbsReturnsRequestedCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NProbs = 2
	s := New(cfg)

	_, cands := s.Sample(context.Background(), []float32{0.1, 0.9, 0.3, 0.2})
	assert.Len(t, cands, 2)
}
