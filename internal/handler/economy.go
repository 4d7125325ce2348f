package handler

import (
	"liveeconomy/internal/service"
	"liveeconomy/pkg/response"

	"github.com/gin-gonic/gin"
)

// SendTip
// POST /api/v1/tips
func (h *Handler) SendTip(c *gin.Context) {
	var req service.TipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.SendTip(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// SendGift
// POST /api/v1/gifts
func (h *Handler) SendGift(c *gin.Context) {
	var req service.GiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.SendGift(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// PurchaseCoins is called after the payment processor confirmed the charge.
// POST /api/v1/purchases
func (h *Handler) PurchaseCoins(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.PurchaseCoins(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// ChangePayoutStatus
// POST /api/v1/payouts/status
func (h *Handler) ChangePayoutStatus(c *gin.Context) {
	var req service.PayoutStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.ChangePayoutStatus(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// AdminPayoutAction
// POST /api/v1/admin/payouts/action
func (h *Handler) AdminPayoutAction(c *gin.Context) {
	var req service.AdminPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.AdminPayoutAction(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// AdminRefund
// POST /api/v1/admin/refunds
func (h *Handler) AdminRefund(c *gin.Context) {
	var req service.AdminRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	h.stamp(c, &req.RequestID, &req.IP)

	res, err := h.economy.AdminRefund(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

// stamp fills the request id from the middleware when the body has none, and the caller IP.
func (h *Handler) stamp(c *gin.Context, id, ip *string) {
	if *id == "" {
		*id = requestID(c)
	}
	*ip = c.ClientIP()
}
