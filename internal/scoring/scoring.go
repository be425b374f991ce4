// Package scoring turns a timed answer into points.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxCorrect   = 1000
	MinCorrect   = 100
	MaxPenalty   = 500
	correctBonus = MaxCorrect - MinCorrect
)

var (
	minCorrect = decimal.NewFromInt(MinCorrect)
	bonus      = decimal.NewFromInt(correctBonus)
	penalty    = decimal.NewFromInt(MaxPenalty)
)

// Points scores an answer given after taken out of limit.
//
// Correct answers earn 100 + 900*speed, wrong answers lose 500*speed, where speed is
// the fraction of the time limit left when the answer arrived. taken is clamped to
// [0, limit] and the result is rounded half away from zero, so the same inputs
// always produce the same total. A non-positive limit scores 0.
func Points(correct bool, taken, limit time.Duration) int64 {
	if limit <= 0 {
		return 0
	}

	taken = max(0, min(taken, limit))

	speed := decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(int64(taken)).Div(decimal.NewFromInt(int64(limit))),
	)

	var p decimal.Decimal
	if correct {
		p = minCorrect.Add(bonus.Mul(speed))
	} else {
		p = penalty.Mul(speed).Neg()
	}

	return p.Round(0).IntPart()
}
