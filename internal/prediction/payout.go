package prediction

import "github.com/shopspring/decimal"

// SplitPool divides the total stake: bonusPercent goes to the match
// winner, the remainder is split evenly among the correct bettors.
// With no correct bettor the predictor share stays in the pool and
// per-bettor payout is zero.
func SplitPool(total decimal.Decimal, bonusPercent int64, correctCount int) (winnerBonus, predictorPool, perBettor decimal.Decimal) {
	winnerBonus = total.Mul(decimal.NewFromInt(bonusPercent)).Div(decimal.NewFromInt(100))
	predictorPool = total.Sub(winnerBonus)

	perBettor = decimal.Zero
	if correctCount > 0 {
		perBettor = predictorPool.DivRound(decimal.NewFromInt(int64(correctCount)), 8)
	}

	return winnerBonus, predictorPool, perBettor
}
