package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/room"
)

func roomJSON(r domain.Room) gin.H {
	h := gin.H{
		"room_id":      r.RoomID,
		"code":         r.Code,
		"mode":         r.Mode,
		"status":       r.Status,
		"entry_fee":    r.EntryFee.String(),
		"pool_amount":  r.PoolAmount.String(),
		"platform_fee": r.PlatformFee.String(),
		"player_count": r.PlayerCount,
		"host_user_id": r.HostUserID,
		"host_funded":  r.HostFunded,
		"settled":      r.Settled,
		"created_at":   r.CreatedAt,
	}
	if r.WinnerUserID != "" {
		h["winner_user_id"] = r.WinnerUserID
	}
	if r.StartedAt != nil {
		h["started_at"] = r.StartedAt
	}
	if r.FinishedAt != nil {
		h["finished_at"] = r.FinishedAt
	}

	return h
}

func playerJSON(p domain.Player) gin.H {
	h := gin.H{
		"user_id":       p.UserID,
		"status":        p.Status,
		"funded":        p.Funded,
		"correct_count": p.CorrectCount,
		"total_time_ms": p.TotalTimeMS,
		"join_time":     p.JoinTime,
	}
	if p.EliminationCause != "" {
		h["elimination_cause"] = p.EliminationCause
	}
	if p.EliminatedAt != nil {
		h["eliminated_at"] = p.EliminatedAt
	}

	return h
}

func roomStateJSON(state *room.RoomState) gin.H {
	players := make([]gin.H, 0, len(state.Players))
	for _, p := range state.Players {
		players = append(players, playerJSON(p))
	}

	return gin.H{
		"room":    roomJSON(state.Room),
		"players": players,
	}
}

func (a *API) CreateRoom(c *gin.Context) {
	var req struct {
		HostUserID string `json:"host_user_id"`
		Mode       string `json:"mode"`
		EntryFee   string `json:"entry_fee"`
	}
	if !bindJSON(c, &req) {
		return
	}

	fee, err := decimal.NewFromString(req.EntryFee)
	if err != nil {
		abortError(c, invalidAmount(err))
		return
	}

	r, err := a.rs.CreateRoom(c.Request.Context(), room.CreateRoomRequest{
		HostUserID: req.HostUserID,
		Mode:       req.Mode,
		EntryFee:   fee,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": roomJSON(*r)})
}

func (a *API) GetRoom(c *gin.Context) {
	state, err := a.rs.GetRoom(c.Request.Context(), roomCode(c))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, roomStateJSON(state))
}

func (a *API) JoinRoom(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	state, err := a.rs.JoinRoom(c.Request.Context(), room.JoinRoomRequest{
		Code:   roomCode(c),
		UserID: req.UserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, roomStateJSON(state))
}

func (a *API) LeaveRoom(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	err := a.rs.LeaveRoom(c.Request.Context(), room.LeaveRoomRequest{
		Code:   roomCode(c),
		UserID: req.UserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (a *API) LockRoom(c *gin.Context) {
	var req struct {
		HostUserID string `json:"host_user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	state, err := a.rs.LockRoom(c.Request.Context(), room.LockRoomRequest{
		Code:       roomCode(c),
		HostUserID: req.HostUserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, roomStateJSON(state))
}

func (a *API) FundEntry(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id"`
		ProofRef string `json:"proof_ref"`
	}
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.rs.FundEntry(c.Request.Context(), room.FundEntryRequest{
		Code:     roomCode(c),
		UserID:   req.UserID,
		ProofRef: req.ProofRef,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"all_funded": resp.AllFunded,
		"room":       roomJSON(resp.Room),
	})
}

func (a *API) StartMatch(c *gin.Context) {
	var req struct {
		HostUserID string `json:"host_user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	state, err := a.rs.StartMatch(c.Request.Context(), room.StartMatchRequest{
		Code:       roomCode(c),
		HostUserID: req.HostUserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, roomStateJSON(state))
}
