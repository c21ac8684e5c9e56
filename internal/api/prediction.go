package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/prediction"
)

func poolJSON(p domain.PredictionPool) gin.H {
	h := gin.H{
		"pool_id":        p.PoolID,
		"total_stake":    p.TotalStake.String(),
		"settled":        p.Settled,
		"winner_bonus":   p.WinnerBonus.String(),
		"predictor_pool": p.PredictorPool.String(),
		"opened_at":      p.OpenedAt,
	}
	if p.WinnerUserID != "" {
		h["winner_user_id"] = p.WinnerUserID
	}
	if p.SettlementRef != "" {
		h["settlement_ref"] = p.SettlementRef
	}
	if p.ClosedAt != nil {
		h["closed_at"] = p.ClosedAt
	}
	if p.SettledAt != nil {
		h["settled_at"] = p.SettledAt
	}

	return h
}

func predictionJSON(p domain.Prediction) gin.H {
	h := gin.H{
		"prediction_id":  p.PredictionID,
		"bettor_id":      p.BettorID,
		"target_user_id": p.TargetUserID,
		"stake":          p.Stake.String(),
		"payout":         p.Payout.String(),
		"claimed":        p.Claimed,
		"created_at":     p.CreatedAt,
	}
	if p.Correct != nil {
		h["is_correct"] = *p.Correct
	}

	return h
}

func predictionsJSON(preds []domain.Prediction) []gin.H {
	out := make([]gin.H, 0, len(preds))
	for _, p := range preds {
		out = append(out, predictionJSON(p))
	}

	return out
}

func (a *API) OpenPool(c *gin.Context) {
	resp, err := a.ps.Open(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pool": poolJSON(resp.Pool)})
}

func (a *API) PoolStatus(c *gin.Context) {
	resp, err := a.ps.Status(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pool":        poolJSON(resp.Pool),
		"predictions": predictionsJSON(resp.Predictions),
	})
}

func (a *API) Predict(c *gin.Context) {
	var req struct {
		BettorID     string `json:"bettor_id"`
		TargetUserID string `json:"target_user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.ps.Predict(c.Request.Context(), prediction.PredictRequest{
		Code:         roomCode(c),
		BettorID:     req.BettorID,
		TargetUserID: req.TargetUserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"prediction":  predictionJSON(resp.Prediction),
		"total_stake": resp.TotalStake.String(),
	})
}

func (a *API) SettlePool(c *gin.Context) {
	resp, err := a.ps.Settle(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pool":        poolJSON(resp.Pool),
		"predictions": predictionsJSON(resp.Predictions),
	})
}

func (a *API) ClaimPayout(c *gin.Context) {
	var req struct {
		BettorID string `json:"bettor_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.ps.Claim(c.Request.Context(), prediction.ClaimRequest{
		PredictionID: c.Param("id"),
		BettorID:     req.BettorID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prediction": predictionJSON(resp.Prediction)})
}
