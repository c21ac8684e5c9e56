package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/triviapool/engine/internal/answer"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/leaderboard"
	"github.com/triviapool/engine/internal/outcome"
	"github.com/triviapool/engine/internal/prediction"
	"github.com/triviapool/engine/internal/room"
	"github.com/triviapool/engine/internal/round"
	"github.com/triviapool/engine/internal/settlement"
	"github.com/triviapool/engine/internal/user"
)

type Config struct {
	Engine *gin.Engine

	Users       *user.Service
	Rooms       *room.Service
	Rounds      *round.Service
	Answers     *answer.Service
	Outcome     *outcome.Service
	Settlement  *settlement.Coordinator
	Predictions *prediction.Service
	Leaderboard *leaderboard.Service
}

// API is the JSON surface for polling clients. Round payloads withhold
// the correct option until the round closes; errors come back as a
// stable kind plus a human message.
type API struct {
	us *user.Service
	rs *room.Service
	ds *round.Service
	as *answer.Service
	os *outcome.Service
	sc *settlement.Coordinator
	ps *prediction.Service
	ls *leaderboard.Service
}

func New(c Config) *API {
	a := &API{
		us: c.Users,
		rs: c.Rooms,
		ds: c.Rounds,
		as: c.Answers,
		os: c.Outcome,
		sc: c.Settlement,
		ps: c.Predictions,
		ls: c.Leaderboard,
	}

	v1 := c.Engine.Group("/v1")
	{
		v1.POST("/users", a.RegisterUser)

		v1.POST("/rooms", a.CreateRoom)
		v1.GET("/rooms/:code", a.GetRoom)
		v1.POST("/rooms/:code/join", a.JoinRoom)
		v1.POST("/rooms/:code/leave", a.LeaveRoom)
		v1.POST("/rooms/:code/lock", a.LockRoom)
		v1.POST("/rooms/:code/fund", a.FundEntry)
		v1.POST("/rooms/:code/start", a.StartMatch)
		v1.POST("/rooms/:code/finish", a.FinishMatch)
		v1.POST("/rooms/:code/disqualify", a.Disqualify)
		v1.POST("/rooms/:code/settle", a.RetrySettlement)

		v1.POST("/questions", a.CreateQuestion)
		v1.POST("/rooms/:code/rounds", a.OpenRound)
		v1.GET("/rooms/:code/rounds/current", a.CurrentRound)
		v1.GET("/rooms/:code/rounds/results", a.RoundResults)
		v1.POST("/rounds/:id/close", a.CloseRound)
		v1.POST("/rounds/:id/answers", a.SubmitAnswer)

		v1.POST("/rooms/:code/pool", a.OpenPool)
		v1.GET("/rooms/:code/pool", a.PoolStatus)
		v1.POST("/rooms/:code/pool/predictions", a.Predict)
		v1.POST("/rooms/:code/pool/settle", a.SettlePool)
		v1.POST("/predictions/:id/claim", a.ClaimPayout)

		v1.GET("/leaderboard", a.GetLeaderboard)
	}

	return a
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"error": gin.H{
			"kind":    e.Kind(),
			"message": e.Message,
		},
	})
}

func invalidAmount(err error) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("malformed decimal amount"),
		errors.WithCause(err))
}

// roomCode reads the :code path param. Codes are case-insensitive on
// the wire, so normalize once here before any service sees them.
func roomCode(c *gin.Context) string {
	return room.NormalizeCode(c.Param("code"))
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed request body"),
			errors.WithCause(err)))
		return false
	}

	return true
}

func (a *API) RegisterUser(c *gin.Context) {
	var req struct {
		Username   string `json:"username"`
		PayableRef string `json:"payable_ref"`
	}
	if !bindJSON(c, &req) {
		return
	}

	u, err := a.us.Register(c.Request.Context(), user.RegisterRequest{
		Username:   req.Username,
		PayableRef: req.PayableRef,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":     u.UserID,
		"username":    u.Username,
		"payable_ref": u.PayableRef,
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Limit: limit,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	entries := make([]gin.H, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, gin.H{
			"user_id":  e.UserID,
			"wins":     e.Wins,
			"games":    e.Games,
			"earnings": e.Earnings.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
