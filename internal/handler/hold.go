package handler

import (
	"liveeconomy/internal/reservation"
	"liveeconomy/pkg/response"

	"github.com/gin-gonic/gin"
)

type ReserveRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	Purpose        string `json:"purpose" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SettleRequest struct {
	Consumed int64 `json:"consumed" binding:"gte=0"`
}

// Reserve
// POST /api/v1/holds
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	hold, err := h.holds.Reserve(c.Request.Context(), reservation.ReserveRequest{
		ActorID:        req.UserID,
		Amount:         req.Amount,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, hold)
}

// GetHold
// GET /api/v1/holds/:hold_no
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.holds.Get(c.Request.Context(), c.Param("hold_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, hold)
}

// SettleHold
// POST /api/v1/holds/:hold_no/settle
func (h *Handler) SettleHold(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	hold, err := h.holds.Settle(c.Request.Context(), c.Param("hold_no"), req.Consumed)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, hold)
}

// ReleaseHold
// POST /api/v1/holds/:hold_no/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	hold, err := h.holds.Release(c.Request.Context(), c.Param("hold_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, hold)
}
