package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestController() *AdaptiveController {
	return NewAdaptiveController(DefaultAdaptiveConfig(), zap.NewNop())
}

func floatPtr(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// ClassifyComplexity
// ---------------------------------------------------------------------------

func TestClassifyComplexity(t *testing.T) {
	c := newTestController()

	tests := []struct {
		name     string
		question string
		want     Complexity
	}{
		{"short interrogative", "What is this?", ComplexitySimple},
		{"short russian interrogative", "Что это?", ComplexitySimple},
		{"short statement is medium", "billing rules", ComplexityMedium},
		{"medium question", "How does the billing module handle refunds here?", ComplexityMedium},
		{"analytical verb", "Explain the billing flow", ComplexityComplex},
		{"russian analytical verb", "Сравни два подхода", ComplexityComplex},
		{
			"long question",
			"When a customer asks for a refund after the trial period has already expired what is the exact policy we apply",
			ComplexityComplex,
		},
		{"empty", "", ComplexityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ClassifyComplexity(tt.question))
		})
	}
}

// ---------------------------------------------------------------------------
// AdjustTopK
// ---------------------------------------------------------------------------

func TestAdjustTopK(t *testing.T) {
	c := newTestController()

	tests := []struct {
		name        string
		base        int
		complexity  Complexity
		prevQuality *float64
		want        int
	}{
		{"simple reduces by 2", 10, ComplexitySimple, nil, 8},
		{"complex adds 5", 10, ComplexityComplex, nil, 15},
		{"medium unchanged", 10, ComplexityMedium, nil, 10},
		{"low quality adds 3", 10, ComplexityMedium, floatPtr(0.3), 13},
		{"high quality subtracts 2", 10, ComplexityMedium, floatPtr(0.9), 8},
		{"floor at min", 3, ComplexitySimple, floatPtr(0.9), 3},
		{"ceiling at max", 18, ComplexityComplex, floatPtr(0.2), 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.AdjustTopK(tt.base, tt.complexity, tt.prevQuality))
		})
	}
}

func TestAdjustTopK_AlwaysWithinBounds(t *testing.T) {
	c := newTestController()
	qualities := []*float64{nil, floatPtr(0), floatPtr(0.4), floatPtr(0.85), floatPtr(1)}

	for base := -5; base <= 40; base++ {
		for _, complexity := range []Complexity{ComplexitySimple, ComplexityMedium, ComplexityComplex} {
			for _, q := range qualities {
				got := c.AdjustTopK(base, complexity, q)
				assert.GreaterOrEqual(t, got, 3)
				assert.LessOrEqual(t, got, 20)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// AdjustThreshold
// ---------------------------------------------------------------------------

func TestAdjustThreshold(t *testing.T) {
	c := newTestController()

	tests := []struct {
		name       string
		base       float64
		complexity Complexity
		prev       *Feedback
		want       float64
	}{
		{"no feedback unchanged", 0.5, ComplexityMedium, nil, 0.5},
		{"too few hits lowers by 0.1", 0.5, ComplexityMedium, &Feedback{CandidatesFound: 2, TargetCount: 5}, 0.4},
		{"too many hits raises by 0.1", 0.5, ComplexityMedium, &Feedback{CandidatesFound: 12, TargetCount: 5}, 0.6},
		{"complex lowers by 0.05", 0.5, ComplexityComplex, nil, 0.45},
		{"floor at 0.3", 0.32, ComplexityComplex, &Feedback{CandidatesFound: 1, TargetCount: 5}, 0.3},
		{"ceiling at 0.8", 0.78, ComplexityMedium, &Feedback{CandidatesFound: 20, TargetCount: 5}, 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.AdjustThreshold(tt.base, tt.complexity, tt.prev), 1e-9)
		})
	}
}

func TestAdjustThreshold_AlwaysWithinBounds(t *testing.T) {
	c := newTestController()
	feedbacks := []*Feedback{
		nil,
		{CandidatesFound: 0, TargetCount: 5},
		{CandidatesFound: 50, TargetCount: 5},
	}

	for base := -0.5; base <= 1.5; base += 0.05 {
		for _, complexity := range []Complexity{ComplexitySimple, ComplexityMedium, ComplexityComplex} {
			for _, prev := range feedbacks {
				got := c.AdjustThreshold(base, complexity, prev)
				assert.GreaterOrEqual(t, got, 0.3)
				assert.LessOrEqual(t, got, 0.8)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Parameters / QualityScore
// ---------------------------------------------------------------------------

func TestParameters_Deterministic(t *testing.T) {
	c := newTestController()

	first := c.Parameters("Explain how billing retries failed payments over time", 5, 0.5, nil)
	second := c.Parameters("Explain how billing retries failed payments over time", 5, 0.5, nil)

	assert.Equal(t, first, second)
	assert.Equal(t, ComplexityComplex, first.Complexity)
	assert.Equal(t, 10, first.TopK)
	assert.InDelta(t, 0.45, first.ScoreThreshold, 1e-9)
}

func TestQualityScore(t *testing.T) {
	c := newTestController()

	tests := []struct {
		name       string
		candidates []RetrievalCandidate
		want       float64
	}{
		{"empty set scores zero", nil, 0},
		{
			"all acceptable gets full bonus",
			[]RetrievalCandidate{{Score: 0.6}, {Score: 0.8}},
			0.7 + 0.2,
		},
		{
			"half acceptable gets half bonus",
			[]RetrievalCandidate{{Score: 0.8}, {Score: 0.2}},
			0.5 + 0.1,
		},
		{
			"clamped to one",
			[]RetrievalCandidate{{Score: 0.95}, {Score: 0.95}},
			1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.QualityScore(tt.candidates), 1e-9)
		})
	}
}
