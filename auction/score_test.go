package auction

import (
	"math"
	"testing"

	"github.com/anythingai/intendly/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreBidComponents(t *testing.T) {
	w := DefaultWeights()

	// Top quote, zero fee, instant arrival, perfect reputation is the
	// maximum score.
	s := scoreBid(w, types.NewU256(1000), types.NewU256(1000), 0, 30, 0, 3000, 1.0)
	if !almostEqual(s, 1.0) {
		t.Fatalf("max score = %v, want 1.0", s)
	}

	// Half the best quote halves the output component only.
	s = scoreBid(w, types.NewU256(500), types.NewU256(1000), 0, 30, 0, 3000, 1.0)
	if !almostEqual(s, 1.0-w.Out*0.5) {
		t.Fatalf("half-quote score = %v, want %v", s, 1.0-w.Out*0.5)
	}

	// Fee at the cap zeroes the fee component.
	s = scoreBid(w, types.NewU256(1000), types.NewU256(1000), 30, 30, 0, 3000, 1.0)
	if !almostEqual(s, 1.0-w.Fee) {
		t.Fatalf("capped-fee score = %v, want %v", s, 1.0-w.Fee)
	}

	// Arrival past the window floors the speed component at zero.
	s = scoreBid(w, types.NewU256(1000), types.NewU256(1000), 0, 30, 4500, 3000, 1.0)
	if !almostEqual(s, 1.0-w.Speed) {
		t.Fatalf("late-arrival score = %v, want %v", s, 1.0-w.Speed)
	}

	// Reputation is clamped into [0, 1].
	over := scoreBid(w, types.NewU256(1000), types.NewU256(1000), 0, 30, 0, 3000, 3.5)
	if !almostEqual(over, 1.0) {
		t.Fatalf("over-reputation score = %v, want 1.0", over)
	}
	under := scoreBid(w, types.NewU256(1000), types.NewU256(1000), 0, 30, 0, 3000, -1)
	if !almostEqual(under, 1.0-w.Rep) {
		t.Fatalf("negative-reputation score = %v, want %v", under, 1.0-w.Rep)
	}
}

func TestScoreBidDeterministic(t *testing.T) {
	w := DefaultWeights()
	a := scoreBid(w, types.NewU256(987654321), types.NewU256(1000000000), 17, 30, 1234, 3000, 0.42)
	for i := 0; i < 10; i++ {
		b := scoreBid(w, types.NewU256(987654321), types.NewU256(1000000000), 17, 30, 1234, 3000, 0.42)
		if a != b {
			t.Fatalf("score drifted between evaluations: %v vs %v", a, b)
		}
	}
}

func TestClamp01(t *testing.T) {
	if clamp01(-0.5) != 0 || clamp01(1.5) != 1 || clamp01(0.25) != 0.25 {
		t.Fatal("clamp01 out of contract")
	}
}
