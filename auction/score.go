package auction

import (
	"github.com/anythingai/intendly/types"
)

// Weights are the multi-factor score weights. They are validated at config
// load to be non-negative and sum to 1.
type Weights struct {
	Out   float64 // normalized quoteOut, higher is better
	Fee   float64 // lower solver fee scores more
	Speed float64 // earlier arrival inside the window scores more
	Rep   float64 // historical solver win rate
}

// DefaultWeights returns the documented default weighting.
func DefaultWeights() Weights {
	return Weights{Out: 0.3, Fee: 0.3, Speed: 0.2, Rep: 0.2}
}

// scoreBid computes one bid's score against the auction's current maximum
// quote. maxQuote is the largest quoteOut among accepted bids, so the
// normalized output term is in [0,1]; every term is unit-free.
func scoreBid(w Weights, quote, maxQuote *types.U256, feeBps, feeCap uint16, arrivedMs, windowMs float64, reputation float64) float64 {
	var out float64
	if maxQuote != nil && !maxQuote.IsZero() {
		out = quote.Float64() / maxQuote.Float64()
	}

	fee := 1.0
	if feeCap > 0 {
		fee = 1.0 - float64(feeBps)/float64(feeCap)
	}

	speed := 0.0
	if windowMs > 0 {
		speed = 1.0 - arrivedMs/windowMs
		if speed < 0 {
			speed = 0
		}
	}

	return w.Out*out + w.Fee*fee + w.Speed*speed + w.Rep*clamp01(reputation)
}

// clamp01 bounds a reputation input to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
