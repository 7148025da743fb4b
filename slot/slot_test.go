package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/token"
)

func TestResetClearsAllFields(t *testing.T) {
	s := New(0, 4)
	s.State = Generating
	s.Prompt.PushText(1)
	s.Generated = []token.ID{1, 2}
	s.GeneratedText = "hi"
	s.Drafted = []token.ID{3, 4}
	s.IBatchDft = []int{1, 2}
	s.NDraftAccepted = 5

	s.Reset()

	assert.Equal(t, Idle, s.State)
	assert.Equal(t, 0, s.Prompt.Len())
	assert.Empty(t, s.Generated)
	assert.Equal(t, "", s.GeneratedText)
	assert.Equal(t, -1, s.AloraInvocationStart)
	assert.Nil(t, s.Drafted)
	assert.Nil(t, s.IBatchDft)
	assert.Equal(t, 0, s.NDraftAccepted)
}

func TestHasBudgetUnlimitedWhenNegative(t *testing.T) {
	s := New(0, 4)
	s.Params.NPredict = -1
	assert.True(t, s.HasBudget())
}

func TestHasBudgetRespectsLimit(t *testing.T) {
	s := New(0, 4)
	s.Params.NPredict = 2
	s.Generated = []token.ID{1, 2}
	assert.False(t, s.HasBudget())
}

func TestNeedsContextShift(t *testing.T) {
	s := New(0, 4)
	s.State = Generating

	for i := 0; i < 10; i++ {
		s.Prompt.PushText(token.ID(i))
	}

	assert.True(t, s.NeedsContextShift(10, true, false))
	assert.False(t, s.NeedsContextShift(10, false, false))
	assert.False(t, s.NeedsContextShift(10, true, true))
}

func TestPlanAndApplyContextShift(t *testing.T) {
	s := New(0, 4)

	for i := 0; i < 20; i++ {
		s.Prompt.PushText(token.ID(i))
	}

	s.NPast = 20
	s.Params.NKeep = 2

	plan := s.PlanContextShift(16, false)
	require.Equal(t, 2, plan.NKeep)

	s.ApplyContextShift(plan)

	assert.True(t, s.Truncated)
	assert.Equal(t, 20-plan.NDiscard, s.Prompt.Len())
	assert.Equal(t, 20-plan.NDiscard, s.NPast)
}

func TestResolveAloraInvocationFindsLastOccurrence(t *testing.T) {
	tokens := []token.ID{1, 2, 3, 1, 2, 3, 9}
	seq := []token.ID{1, 2, 3}

	start := ResolveAloraInvocation(tokens, seq)
	assert.Equal(t, 3, start)
}

func TestResolveAloraInvocationNotFound(t *testing.T) {
	tokens := []token.ID{1, 2, 3}
	seq := []token.ID{9, 9}

	assert.Equal(t, -1, ResolveAloraInvocation(tokens, seq))
}

func TestAppendGeneratedDetectsAntiprompt(t *testing.T) {
	s := New(0, 4)
	s.Params.Antiprompt = []string{"STOP"}

	s.AppendGenerated(1, "hello ", false)
	assert.Equal(t, StopNone, s.Stop)

	s.AppendGenerated(2, "STOP", false)
	assert.Equal(t, StopWord, s.Stop)
}

func TestAppendGeneratedEOG(t *testing.T) {
	s := New(0, 4)
	s.AppendGenerated(1, "x", true)
	assert.Equal(t, StopEOS, s.Stop)
}

func TestPartialTailMatchWithholdsAmbiguousSuffix(t *testing.T) {
	s := New(0, 4)
	s.Params.Antiprompt = []string{"STOP"}

	s.AppendGenerated(1, "abc ST", false)
	assert.Equal(t, "ST", s.PendingAnti)
	assert.Equal(t, StopNone, s.Stop)
}
