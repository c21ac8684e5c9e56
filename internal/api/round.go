package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/triviapool/engine/internal/answer"
	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/outcome"
	"github.com/triviapool/engine/internal/round"
)

func roundJSON(rd domain.Round, q domain.Question) gin.H {
	h := gin.H{
		"round_id":     rd.RoundID,
		"round_number": rd.Number,
		"opened_at":    rd.OpenedAt,
		"question": gin.H{
			"question_id": q.QuestionID,
			"category":    q.Category,
			"difficulty":  q.Difficulty,
			"text":        q.Text,
			"options":     q.Options,
		},
	}
	if rd.ClosedAt != nil {
		h["closed_at"] = rd.ClosedAt
	}
	// Only present once the round has closed; the scheduler strips it
	// while the round is open.
	if q.CorrectOption != "" {
		h["question"].(gin.H)["correct_option"] = q.CorrectOption
	}

	return h
}

func (a *API) CreateQuestion(c *gin.Context) {
	var req struct {
		Category      string            `json:"category"`
		Difficulty    string            `json:"difficulty"`
		Text          string            `json:"text"`
		Options       map[string]string `json:"options"`
		CorrectOption string            `json:"correct_option"`
	}
	if !bindJSON(c, &req) {
		return
	}

	q, err := a.ds.CreateQuestion(c.Request.Context(), round.CreateQuestionRequest{
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		Text:          req.Text,
		Options:       req.Options,
		CorrectOption: req.CorrectOption,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"question_id": q.QuestionID})
}

func (a *API) OpenRound(c *gin.Context) {
	var req struct {
		Number int `json:"round_number"`
	}
	if !bindJSON(c, &req) {
		return
	}

	v, err := a.ds.OpenRound(c.Request.Context(), round.OpenRoundRequest{
		Code:   roomCode(c),
		Number: req.Number,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"round": roundJSON(v.Round, v.Question)})
}

func (a *API) CurrentRound(c *gin.Context) {
	v, err := a.ds.CurrentRound(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"round": roundJSON(v.Round, v.Question)})
}

func (a *API) CloseRound(c *gin.Context) {
	if err := a.ds.CloseRound(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"closed": true})
}

func (a *API) RoundResults(c *gin.Context) {
	number, _ := strconv.Atoi(c.Query("number"))

	res, err := a.ds.RoundResults(c.Request.Context(), roomCode(c), number)
	if err != nil {
		abortError(c, err)
		return
	}

	answers := make([]gin.H, 0, len(res.Answers))
	for _, an := range res.Answers {
		answers = append(answers, gin.H{
			"user_id":         an.UserID,
			"selected_option": an.SelectedOption,
			"is_correct":      an.Correct,
			"time_ms":         an.TimeMS,
			"submitted_at":    an.SubmittedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"round":    roundJSON(res.Round, res.Question),
		"answers":  answers,
		"finished": res.Finished,
	})
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req struct {
		UserID         string `json:"user_id"`
		SelectedOption string `json:"selected_option"`
		TimeMS         int64  `json:"time_ms"`
	}
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.as.SubmitAnswer(c.Request.Context(), answer.SubmitAnswerRequest{
		RoundID:        c.Param("id"),
		UserID:         req.UserID,
		SelectedOption: req.SelectedOption,
		TimeMS:         req.TimeMS,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correct":        resp.Correct,
		"correct_option": resp.CorrectOption,
		"eliminated":     resp.Eliminated,
		"match_ended":    resp.MatchEnded,
	})
}

func (a *API) FinishMatch(c *gin.Context) {
	var req struct {
		HostUserID string `json:"host_user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := a.os.Finish(c.Request.Context(), outcome.FinishRequest{
		Code:       roomCode(c),
		HostUserID: req.HostUserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":           roomJSON(res.Room),
		"winner_user_id": res.WinnerUserID,
		"winner_is_host": res.WinnerIsHost,
		"pool_amount":    res.PoolAmount.String(),
	})
}

func (a *API) Disqualify(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
	}
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.as.Disqualify(c.Request.Context(), answer.DisqualifyRequest{
		Code:   roomCode(c),
		UserID: req.UserID,
		Reason: req.Reason,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"match_ended":    resp.MatchEnded,
		"winner_user_id": resp.WinnerUserID,
	})
}

func (a *API) RetrySettlement(c *gin.Context) {
	res, err := a.sc.SettleWinner(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_code":       res.RoomCode,
		"receipt":         res.Receipt,
		"already_settled": res.AlreadyDue,
	})
}
